// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package dag

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/ids"
)

type fakeApplier struct {
	applied []ids.ID
	fail    map[ids.ID]error
}

func (f *fakeApplier) Apply(delta Delta) (ApplyOutcome, error) {
	if err, ok := f.fail[delta.ID]; ok {
		return ApplyOutcome{}, err
	}
	f.applied = append(f.applied, delta.ID)
	return ApplyOutcome{NewRoot: delta.ID}, nil
}

func mkDelta(name string, parents ...ids.ID) Delta {
	return Delta{ID: ids.FromBytes([]byte(name)), Parents: parents, Timestamp: time.Now()}
}

func TestAddDeltaAppliesGenesisChild(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	a := mkDelta("a", ids.Empty)
	res, err := d.AddDelta(a, applier)
	require.NoError(t, err)
	require.Equal(t, Applied, res)
	require.ElementsMatch(t, []ids.ID{a.ID}, d.GetHeads())
}

func TestAddDeltaBuffersOnMissingParent(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	missing := ids.FromBytes([]byte("ghost"))
	b := mkDelta("b", missing)
	res, err := d.AddDelta(b, applier)
	require.NoError(t, err)
	require.Equal(t, Pending, res)
	require.Equal(t, 1, d.PendingCount())
	require.Contains(t, d.GetMissingParents(), missing)
}

func TestDuplicateDeltaIsNoOp(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	a := mkDelta("a", ids.Empty)
	_, err := d.AddDelta(a, applier)
	require.NoError(t, err)

	res, err := d.AddDelta(a, applier)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res)
	require.Len(t, applier.applied, 1)
}

func TestInvalidParentRejected(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	a := mkDelta("a")
	a.Parents = []ids.ID{a.ID}
	_, err := d.AddDelta(a, applier)
	require.ErrorIs(t, err, calerr.ErrInvalidParent)
}

func TestCascadeAppliesChildrenOnParentArrival(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	a := mkDelta("a", ids.Empty)
	b := mkDelta("b", a.ID)
	c := mkDelta("c", b.ID)

	// c and b arrive before their parents; both should buffer.
	res, err := d.AddDelta(c, applier)
	require.NoError(t, err)
	require.Equal(t, Pending, res)

	res, err = d.AddDelta(b, applier)
	require.NoError(t, err)
	require.Equal(t, Pending, res)

	// a arrives last and its application must cascade through b then c.
	res, err = d.AddDelta(a, applier)
	require.NoError(t, err)
	require.Equal(t, Applied, res)

	require.Equal(t, 0, d.PendingCount())
	require.True(t, d.IsApplied(a.ID))
	require.True(t, d.IsApplied(b.ID))
	require.True(t, d.IsApplied(c.ID))
	require.ElementsMatch(t, []ids.ID{c.ID}, d.GetHeads())
}

func TestForkProducesMultipleHeads(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	a := mkDelta("a", ids.Empty)
	b := mkDelta("b", ids.Empty)
	_, err := d.AddDelta(a, applier)
	require.NoError(t, err)
	_, err = d.AddDelta(b, applier)
	require.NoError(t, err)

	heads := d.GetHeads()
	require.Len(t, heads, 2)
	require.ElementsMatch(t, []ids.ID{a.ID, b.ID}, heads)
}

func TestCleanupStaleEvictsOldPending(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	missing := ids.FromBytes([]byte("ghost"))
	b := mkDelta("b", missing)
	_, err := d.AddDelta(b, applier)
	require.NoError(t, err)

	require.Equal(t, 0, d.CleanupStale(time.Hour))
	require.Equal(t, 1, d.CleanupStale(-time.Second))
	require.Equal(t, 0, d.PendingCount())
}

func TestApplierFailureLeavesDeltaUnapplied(t *testing.T) {
	d := New(nil)
	failErr := errors.New("boom")
	a := mkDelta("a", ids.Empty)
	applier := &fakeApplier{fail: map[ids.ID]error{a.ID: failErr}}

	_, err := d.AddDelta(a, applier)
	require.ErrorIs(t, err, failErr)
	require.False(t, d.IsApplied(a.ID))
	require.False(t, d.HasDelta(a.ID))
}

func TestIsAncestorWalksParentChain(t *testing.T) {
	d := New(nil)
	applier := &fakeApplier{fail: map[ids.ID]error{}}

	a := mkDelta("a", ids.Empty)
	b := mkDelta("b", a.ID)
	c := mkDelta("c", b.ID)
	for _, delta := range []Delta{a, b, c} {
		_, err := d.AddDelta(delta, applier)
		require.NoError(t, err)
	}

	require.True(t, d.IsAncestor(a.ID, []ids.ID{c.ID}))
	require.True(t, d.IsAncestor(c.ID, []ids.ID{c.ID})) // an id is its own ancestor
	require.False(t, d.IsAncestor(c.ID, []ids.ID{a.ID}))

	unknown := ids.FromBytes([]byte("never-seen"))
	require.False(t, d.IsAncestor(unknown, []ids.ID{c.ID}))
}
