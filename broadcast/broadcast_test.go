// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/dag"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/overlay"
)

type recordingSink struct {
	mu     sync.Mutex
	deltas []DeltaFrame
	beats  []HashHeartbeat
}

func (s *recordingSink) OnDeltaFrame(f DeltaFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, f)
}

func (s *recordingSink) OnHashHeartbeat(hb HashHeartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beats = append(s.beats, hb)
}

func (s *recordingSink) count() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deltas), len(s.beats)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPublishDeltaDeliversToSubscriber(t *testing.T) {
	net := overlay.NewMemNetwork()
	tA := net.NewTransport(ids.NodeID{1})
	tB := net.NewTransport(ids.NodeID{2})

	ctxID := ids.FromBytes([]byte("ctx-1"))
	var key [32]byte
	key[0] = 7

	planeA := New(tA)
	planeB := New(tB)
	sinkB := &recordingSink{}

	require.NoError(t, planeA.JoinContext(context.Background(), ctxID, key, &recordingSink{}))
	require.NoError(t, planeB.JoinContext(context.Background(), ctxID, key, sinkB))

	d := dag.Delta{ID: ids.FromBytes([]byte("d1")), Payload: []byte("set k=v")}
	require.NoError(t, planeA.PublishDelta(context.Background(), ctxID, d, hlc.New(1, 0)))

	waitFor(t, func() bool {
		n, _ := sinkB.count()
		return n == 1
	})
	require.Equal(t, d.ID, sinkB.deltas[0].Delta.ID)
}

func TestPublishToUnknownContextFails(t *testing.T) {
	net := overlay.NewMemNetwork()
	tA := net.NewTransport(ids.NodeID{1})
	plane := New(tA)

	err := plane.PublishDelta(context.Background(), ids.FromBytes([]byte("ghost")), dag.Delta{}, hlc.New(1, 0))
	require.Error(t, err)
}

func TestWrongKeyDropsFrameSilently(t *testing.T) {
	net := overlay.NewMemNetwork()
	tA := net.NewTransport(ids.NodeID{1})
	tB := net.NewTransport(ids.NodeID{2})

	ctxID := ids.FromBytes([]byte("ctx-2"))
	var keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	planeA := New(tA)
	planeB := New(tB)
	sinkB := &recordingSink{}

	require.NoError(t, planeA.JoinContext(context.Background(), ctxID, keyA, &recordingSink{}))
	require.NoError(t, planeB.JoinContext(context.Background(), ctxID, keyB, sinkB))

	require.NoError(t, planeA.PublishDelta(context.Background(), ctxID, dag.Delta{ID: ids.FromBytes([]byte("d"))}, hlc.New(1, 0)))

	time.Sleep(50 * time.Millisecond)
	n, _ := sinkB.count()
	require.Equal(t, 0, n)
}

func TestHeartbeatDeliveredToSubscriber(t *testing.T) {
	net := overlay.NewMemNetwork()
	tA := net.NewTransport(ids.NodeID{1})
	tB := net.NewTransport(ids.NodeID{2})

	ctxID := ids.FromBytes([]byte("ctx-3"))
	var key [32]byte

	planeA := New(tA)
	planeB := New(tB)
	sinkB := &recordingSink{}

	require.NoError(t, planeA.JoinContext(context.Background(), ctxID, key, &recordingSink{}))
	require.NoError(t, planeB.JoinContext(context.Background(), ctxID, key, sinkB))

	hb := HashHeartbeat{ContextID: ctxID, Heads: []ids.ID{ids.FromBytes([]byte("h1"))}, HLC: hlc.New(1, 0)}
	require.NoError(t, planeA.PublishHeartbeat(context.Background(), hb))

	waitFor(t, func() bool {
		_, n := sinkB.count()
		return n == 1
	})
}

func TestLeaveContextStopsDelivery(t *testing.T) {
	net := overlay.NewMemNetwork()
	tA := net.NewTransport(ids.NodeID{1})
	tB := net.NewTransport(ids.NodeID{2})

	ctxID := ids.FromBytes([]byte("ctx-4"))
	var key [32]byte

	planeA := New(tA)
	planeB := New(tB)
	sinkB := &recordingSink{}

	require.NoError(t, planeA.JoinContext(context.Background(), ctxID, key, &recordingSink{}))
	require.NoError(t, planeB.JoinContext(context.Background(), ctxID, key, sinkB))
	require.NoError(t, planeB.LeaveContext(ctxID))

	err := planeB.PublishDelta(context.Background(), ctxID, dag.Delta{}, hlc.New(1, 0))
	require.Error(t, err)

	require.NoError(t, planeA.PublishDelta(context.Background(), ctxID, dag.Delta{ID: ids.FromBytes([]byte("after-leave"))}, hlc.New(2, 0)))
	time.Sleep(50 * time.Millisecond)
	n, _ := sinkB.count()
	require.Equal(t, 0, n)
}
