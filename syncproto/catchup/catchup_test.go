// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package catchup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/dag"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/overlay"
)

type fakeApplier struct{ applied []ids.ID }

func (f *fakeApplier) Apply(d dag.Delta) (dag.ApplyOutcome, error) {
	f.applied = append(f.applied, d.ID)
	return dag.ApplyOutcome{NewRoot: d.ID}, nil
}

func mkDelta(name string, parents ...ids.ID) dag.Delta {
	return dag.Delta{ID: ids.FromBytes([]byte(name)), Parents: parents, Timestamp: time.Now()}
}

// TestCatchupDeliversMissingChainInTopologicalOrder exercises the
// out-of-order-delivery scenario at the sync-protocol layer: node B's
// local DAG only has the genesis sentinel; it wants the head it learned
// about from a heartbeat, and the responder must stream the whole
// missing chain so every AddDelta call on the initiator's side sees its
// parent already applied.
func TestCatchupDeliversMissingChainInTopologicalOrder(t *testing.T) {
	a := mkDelta("a", ids.Empty)
	b := mkDelta("b", a.ID)
	c := mkDelta("c", b.ID)

	source := dag.New(nil)
	srcApplier := &fakeApplier{}
	for _, d := range []dag.Delta{a, b, c} {
		res, err := source.AddDelta(d, srcApplier)
		require.NoError(t, err)
		require.Equal(t, dag.Applied, res)
	}

	target := dag.New(nil)
	tgtApplier := &fakeApplier{}

	net := overlay.NewMemNetwork()
	tResp := net.NewTransport(ids.NodeID{9})
	tInit := net.NewTransport(ids.NodeID{8})

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, source)
	}()

	initStream, err := tInit.OpenStream(context.Background(), ids.NodeID{9})
	require.NoError(t, err)

	applied, err := RunInitiator(context.Background(), initStream, []ids.ID{c.ID}, target, tgtApplier)
	require.NoError(t, err)
	require.Equal(t, 3, applied)
	require.NoError(t, <-respErrCh)

	require.True(t, target.IsApplied(a.ID))
	require.True(t, target.IsApplied(b.ID))
	require.True(t, target.IsApplied(c.ID))
	require.ElementsMatch(t, []ids.ID{c.ID}, target.GetHeads())
}

// TestCatchupStopsAtAlreadyHeldAncestor covers an initiator that already
// holds "a" locally: re-requesting "c" must still converge. The responder
// streams "a" again along with the rest of the chain, and the initiator
// absorbs it as a no-op via dag.Duplicate rather than an error.
func TestCatchupStopsAtAlreadyHeldAncestor(t *testing.T) {
	a := mkDelta("a", ids.Empty)
	b := mkDelta("b", a.ID)
	c := mkDelta("c", b.ID)

	source := dag.New(nil)
	srcApplier := &fakeApplier{}
	for _, d := range []dag.Delta{a, b, c} {
		_, err := source.AddDelta(d, srcApplier)
		require.NoError(t, err)
	}

	target := dag.New(nil)
	tgtApplier := &fakeApplier{}
	res, err := target.AddDelta(a, tgtApplier)
	require.NoError(t, err)
	require.Equal(t, dag.Applied, res)

	net := overlay.NewMemNetwork()
	tResp := net.NewTransport(ids.NodeID{9})
	tInit := net.NewTransport(ids.NodeID{8})

	respErrCh := make(chan error, 1)
	go func() {
		s, err := tResp.Accept(context.Background())
		if err != nil {
			respErrCh <- err
			return
		}
		respErrCh <- RunResponder(context.Background(), s, source)
	}()

	initStream, err := tInit.OpenStream(context.Background(), ids.NodeID{9})
	require.NoError(t, err)

	_, err = RunInitiator(context.Background(), initStream, []ids.ID{c.ID}, target, tgtApplier)
	require.NoError(t, err)
	require.NoError(t, <-respErrCh)

	require.ElementsMatch(t, []ids.ID{c.ID}, target.GetHeads())
}
