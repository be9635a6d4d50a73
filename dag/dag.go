// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dag implements the causal delta DAG: the per-context structure
// that accepts deltas from the local executor and the network, applies
// them in an order consistent with their parent references, and buffers
// deltas whose parents have not yet arrived.
//
// Grounded on the teacher's frontier/tip-tracking DAG (a mutex-guarded map
// of ids to nodes plus a tip set updated on every insert) — the same
// "map of IDs to node, frontier set, single RWMutex" shape carries over
// unchanged; what's new is the pending buffer, cascade re-application, and
// the Applier indirection the teacher's block DAG never needed.
package dag

import (
	"sort"
	"sync"
	"time"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/ids"
)

// Delta is an immutable, content-addressed state-modifying operation.
type Delta struct {
	ID        ids.ID
	Parents   []ids.ID
	Author    ids.NodeID
	Timestamp time.Time
	Payload   []byte
	Signature []byte
}

// AddResult is the outcome of AddDelta.
type AddResult uint8

const (
	Applied AddResult = iota
	Pending
	Duplicate
)

func (r AddResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Pending:
		return "pending"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ApplyOutcome carries the new root hash produced by an applier.
type ApplyOutcome struct {
	NewRoot [32]byte
}

// Applier is invoked by the DAG to commit a delta to storage. The DAG
// never writes storage itself; it only decides when a delta's causal
// dependencies are satisfied.
type Applier interface {
	Apply(delta Delta) (ApplyOutcome, error)
}

// pendingEntry buffers a delta whose parents are not all applied yet.
type pendingEntry struct {
	delta       Delta
	arrivedAt   time.Time
	unmetParent ids.Set
}

// DAG is the per-context causal delta DAG.
type DAG struct {
	mu       sync.RWMutex
	deltas   map[ids.ID]Delta
	applied  map[ids.ID]struct{}
	pending  map[ids.ID]*pendingEntry
	heads    ids.Set
	root     ids.ID
	verifier SignatureVerifier
}

// SignatureVerifier checks a delta's envelope signature. Supplying nil to
// New disables verification, used by tests that construct deltas directly.
type SignatureVerifier interface {
	Verify(delta Delta) bool
}

// New creates an empty DAG whose sole head is the genesis root sentinel.
func New(verifier SignatureVerifier) *DAG {
	d := &DAG{
		deltas:   make(map[ids.ID]Delta),
		applied:  make(map[ids.ID]struct{}),
		pending:  make(map[ids.ID]*pendingEntry),
		heads:    ids.NewSet(),
		root:     ids.Empty,
		verifier: verifier,
	}
	d.heads.Add(ids.Empty)
	d.applied[ids.Empty] = struct{}{}
	return d
}

// AddDelta accepts delta, applying it immediately if every parent is
// already applied, buffering it otherwise, and re-trying any pending
// deltas a successful application unblocks.
func (d *DAG) AddDelta(delta Delta, applier Applier) (AddResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.deltas[delta.ID]; ok {
		return Duplicate, nil
	}
	if _, ok := d.pending[delta.ID]; ok {
		return Duplicate, nil
	}

	for _, p := range delta.Parents {
		if p == delta.ID {
			return 0, calerr.ErrInvalidParent
		}
	}
	if d.verifier != nil && !d.verifier.Verify(delta) {
		return 0, calerr.ErrSignatureInvalid
	}

	d.deltas[delta.ID] = delta

	unmet := d.unmetParents(delta.Parents)
	if unmet.Len() == 0 {
		if err := d.applyLocked(delta, applier); err != nil {
			delete(d.deltas, delta.ID)
			return 0, err
		}
		d.cascade(applier)
		return Applied, nil
	}

	d.pending[delta.ID] = &pendingEntry{delta: delta, arrivedAt: time.Now(), unmetParent: unmet}
	return Pending, nil
}

// unmetParents returns the subset of parents not yet in applied.
func (d *DAG) unmetParents(parents []ids.ID) ids.Set {
	unmet := ids.NewSet()
	for _, p := range parents {
		if _, ok := d.applied[p]; !ok {
			unmet.Add(p)
		}
	}
	return unmet
}

// applyLocked invokes the applier and, on success, moves delta into
// applied and updates heads. Callers must hold d.mu.
func (d *DAG) applyLocked(delta Delta, applier Applier) error {
	if _, err := applier.Apply(delta); err != nil {
		return err
	}
	d.applied[delta.ID] = struct{}{}
	for _, p := range delta.Parents {
		d.heads.Remove(p)
	}
	d.heads.Add(delta.ID)
	return nil
}

// cascade re-tries every pending delta whose unmet-parent set has become
// empty, processed in BFS levels and, within a level, ordered by arrival
// time then delta id to guarantee the same application order on every
// node that processes the same batch.
func (d *DAG) cascade(applier Applier) {
	failed := ids.NewSet()
	for {
		var ready []*pendingEntry
		for id, p := range d.pending {
			if failed.Contains(id) {
				continue
			}
			unmet := d.unmetParents(p.delta.Parents)
			if unmet.Len() == 0 {
				ready = append(ready, p)
				_ = id
			} else {
				p.unmetParent = unmet
			}
		}
		if len(ready) == 0 {
			return
		}
		sort.Slice(ready, func(i, j int) bool {
			if !ready[i].arrivedAt.Equal(ready[j].arrivedAt) {
				return ready[i].arrivedAt.Before(ready[j].arrivedAt)
			}
			return ready[i].delta.ID.Less(ready[j].delta.ID)
		})

		for _, p := range ready {
			if err := d.applyLocked(p.delta, applier); err != nil {
				// transient applier failure: leave it pending for the next
				// add_delta/cascade cycle rather than discarding progress.
				failed.Add(p.delta.ID)
				continue
			}
			delete(d.pending, p.delta.ID)
		}
	}
}

// SeedHead marks id as applied and a current head without requiring a
// Delta or an Applier call, used once after a snapshot transfer: storage
// already reflects every delta up to the snapshot's manifest, so the DAG
// only needs to learn where its frontier starts. The first SeedHead call
// after construction replaces the genesis sentinel head; subsequent calls
// add additional heads for a fork the snapshot captured mid-reconciliation.
func (d *DAG) SeedHead(id ids.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.applied[ids.Empty]; ok && d.heads.Contains(ids.Empty) {
		d.heads.Remove(ids.Empty)
	}
	d.applied[id] = struct{}{}
	d.heads.Add(id)
}

// GetHeads returns the current tips. Cardinality > 1 means a fork exists;
// the next locally generated delta must list every head as a parent.
func (d *DAG) GetHeads() []ids.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.heads.List()
}

// GetMissingParents returns the union of unmet-parent ids across all
// pending deltas, excluding any id the DAG has already observed.
func (d *DAG) GetMissingParents() []ids.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	missing := ids.NewSet()
	for _, p := range d.pending {
		for _, id := range p.unmetParent.List() {
			if _, known := d.deltas[id]; !known {
				missing.Add(id)
			}
		}
	}
	return missing.List()
}

// CleanupStale evicts pending deltas older than maxAge and returns how
// many were evicted, enabling backpressure at the sync-manager level.
func (d *DAG) CleanupStale(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	evicted := 0
	for id, p := range d.pending {
		if p.arrivedAt.Before(cutoff) {
			delete(d.pending, id)
			delete(d.deltas, id)
			evicted++
		}
	}
	return evicted
}

func (d *DAG) HasDelta(id ids.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, known := d.deltas[id]
	return known
}

func (d *DAG) GetDelta(id ids.ID) (Delta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	delta, ok := d.deltas[id]
	return delta, ok
}

// Parents returns the parent ids recorded for a known delta, used by
// syncproto/catchup to walk the DAG backwards when serving a catch-up
// request. Returns nil for an id the responder doesn't hold.
func (d *DAG) Parents(id ids.ID) []ids.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	delta, ok := d.deltas[id]
	if !ok {
		return nil
	}
	return delta.Parents
}

// IsApplied reports whether id has been merged into storage.
func (d *DAG) IsApplied(id ids.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.applied[id]
	return ok
}

// IsAncestor reports whether id equals, or is a transitive parent of, any
// element of among — walked backwards through the parent edges of deltas
// this DAG already holds. The walk stops at any id this DAG has not seen,
// so it can only ever confirm ancestry within locally known history, never
// refute it against deltas that simply haven't arrived yet.
func (d *DAG) IsAncestor(id ids.ID, among []ids.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	visited := ids.NewSet()
	queue := append([]ids.ID(nil), among...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == id {
			return true
		}
		if visited.Contains(cur) {
			continue
		}
		visited.Add(cur)
		delta, ok := d.deltas[cur]
		if !ok {
			continue
		}
		queue = append(queue, delta.Parents...)
	}
	return false
}

// PendingCount returns the number of deltas currently buffered awaiting
// parents, used by metrics and tests.
func (d *DAG) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}
