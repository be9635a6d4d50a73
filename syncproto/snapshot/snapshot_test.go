// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/overlay"
	"github.com/calimero-network/core/store"
	"github.com/calimero-network/core/storage"
)

func newNode(b byte) ids.NodeID {
	var n ids.NodeID
	n[0] = b
	return n
}

func newTree(t *testing.T, node ids.NodeID) *storage.Tree {
	t.Helper()
	db := store.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewTree(ids.FromBytes([]byte("ctx")), node, db)
}

func TestSnapshotTransferMatchesRootAndHeads(t *testing.T) {
	appID := ids.FromBytes([]byte("app"))
	author := newNode(1)

	src := newTree(t, author)
	_, err := src.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
		{Kind: storage.ActionUpdate, Path: "todos", Field: "title", Value: []byte("groceries")},
	})
	require.NoError(t, err)

	headIDs := []ids.ID{ids.FromBytes([]byte("headA"))}

	dst := newTree(t, newNode(2))

	net := overlay.NewMemNetwork()
	tResp := net.NewTransport(newNode(9))
	tInit := net.NewTransport(newNode(8))

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, src, headIDs, appID)
	}()

	initStream, err := tInit.OpenStream(context.Background(), newNode(9))
	require.NoError(t, err)

	result, err := RunInitiator(context.Background(), initStream, dst, appID)
	require.NoError(t, err)
	require.NoError(t, <-respErrCh)

	require.Equal(t, src.RootHash(), result.RootHash)
	require.Equal(t, src.RootHash(), dst.RootHash())
	require.ElementsMatch(t, headIDs, result.Heads)
}

func TestSnapshotRejectsMismatchedApplication(t *testing.T) {
	author := newNode(1)
	src := newTree(t, author)
	_, err := src.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
	})
	require.NoError(t, err)

	dst := newTree(t, newNode(2))

	net := overlay.NewMemNetwork()
	tResp := net.NewTransport(newNode(9))
	tInit := net.NewTransport(newNode(8))

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, src, nil, ids.FromBytes([]byte("app-a")))
	}()

	initStream, err := tInit.OpenStream(context.Background(), newNode(9))
	require.NoError(t, err)

	_, err = RunInitiator(context.Background(), initStream, dst, ids.FromBytes([]byte("app-b")))
	require.ErrorIs(t, err, ErrApplicationMismatch)
	// The caller owns the stream (node.ReconcileWithPeer defers Close);
	// closing it unblocks the responder's pending record write.
	_ = initStream.Close()
	<-respErrCh
}

func TestSnapshotRejectsNonEmptyTarget(t *testing.T) {
	appID := ids.FromBytes([]byte("app"))
	author := newNode(1)

	src := newTree(t, author)
	_, err := src.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
	})
	require.NoError(t, err)

	dst := newTree(t, newNode(2))
	_, err = dst.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "preexisting", EntityKind: storage.KindMap},
	})
	require.NoError(t, err)

	net := overlay.NewMemNetwork()
	tResp := net.NewTransport(newNode(9))
	tInit := net.NewTransport(newNode(8))

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, src, nil, appID)
	}()

	initStream, err := tInit.OpenStream(context.Background(), newNode(9))
	require.NoError(t, err)

	_, err = RunInitiator(context.Background(), initStream, dst, appID)
	require.ErrorIs(t, err, calerr.ErrContextNotEmpty)
	<-respErrCh
}
