// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package hashcmp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/overlay"
	"github.com/calimero-network/core/store"
	"github.com/calimero-network/core/storage"
)

func newNode(t *testing.T, b byte) ids.NodeID {
	t.Helper()
	var n ids.NodeID
	n[0] = b
	return n
}

func newTree(t *testing.T) *storage.Tree {
	t.Helper()
	db := store.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewTree(ids.FromBytes([]byte("ctx")), newNode(t, 1), db)
}

// TestHashComparisonMergesDivergentEntity builds two trees that applied
// the same insert but then diverged on one field's value, and asserts
// the session converges them to the same root hash without either side
// losing the other's write.
func TestHashComparisonMergesDivergentEntity(t *testing.T) {
	author := newNode(t, 1)

	local := newTree(t)
	_, err := local.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
		{Kind: storage.ActionUpdate, Path: "todos", Field: "title", Value: []byte("groceries")},
	})
	require.NoError(t, err)

	remote := newTree(t)
	_, err = remote.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
	})
	require.NoError(t, err)
	// remote's write is later (higher HLC), so after merge its value wins.
	_, err = remote.ApplyActions(context.Background(), author, hlc.New(5, 0), []storage.Action{
		{Kind: storage.ActionUpdate, Path: "todos", Field: "title", Value: []byte("shopping")},
	})
	require.NoError(t, err)

	require.NotEqual(t, local.RootHash(), remote.RootHash())

	net := overlay.NewMemNetwork()
	tInit := net.NewTransport(newNode(t, 2))
	tResp := net.NewTransport(newNode(t, 3))

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, remote)
	}()

	initStream, err := tInit.OpenStream(context.Background(), newNode(t, 3))
	require.NoError(t, err)

	result, err := RunInitiator(context.Background(), initStream, local)
	require.NoError(t, err)
	require.NotEmpty(t, result.MergedIDs)

	require.NoError(t, <-respErrCh)
	require.Equal(t, local.RootHash(), result.RootHash)
	require.Equal(t, remote.RootHash(), local.RootHash())
}

func TestHashComparisonNoOpWhenTreesMatch(t *testing.T) {
	author := newNode(t, 1)

	local := newTree(t)
	_, err := local.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
	})
	require.NoError(t, err)

	remote := newTree(t)
	_, err = remote.ApplyActions(context.Background(), author, hlc.New(1, 0), []storage.Action{
		{Kind: storage.ActionInsert, Path: "todos", EntityKind: storage.KindMap},
	})
	require.NoError(t, err)

	net := overlay.NewMemNetwork()
	tInit := net.NewTransport(newNode(t, 2))
	tResp := net.NewTransport(newNode(t, 3))

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, remote)
	}()

	initStream, err := tInit.OpenStream(context.Background(), newNode(t, 3))
	require.NoError(t, err)

	result, err := RunInitiator(context.Background(), initStream, local)
	require.NoError(t, err)
	require.Empty(t, result.MergedIDs)
	require.NoError(t, <-respErrCh)
}
