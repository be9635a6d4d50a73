// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"context"
	"sort"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/ids"
)

// Manifest describes a snapshot stream's framing, consumed by
// syncproto/snapshot before any entity records are read.
type Manifest struct {
	RootHash      [32]byte
	DeltaHeadIDs  []ids.ID
	ApplicationID ids.ID
	Compression   string
}

// Record is one self-describing entity in a snapshot stream. It carries
// every CRDT field a leaf can hold (Fields, Counter, Set, Map, Sequence)
// so a node bootstrapping via Snapshot (spec §4.6, the mandatory path for
// an Uninitialized context) ends up with the same state as a node that
// replayed the full delta history, not just its registers.
type Record struct {
	ID        ids.ID
	Path      string
	Kind      Kind
	Fields    map[string]LWWRegister
	Counter   *PNCounter
	Set       *AWSetSnapshot
	Map       *AWMapSnapshot
	Sequence  []RemoteElement
	Children  map[string]ids.ID
	Tombstone *hlc.Timestamp
}

// TakeSnapshot returns one self-describing Record per entity, sorted by
// entity id bytes so the order is deterministic. The whole record list is
// built in memory and returned at once; callers such as
// syncproto/snapshot then send it one Record per frame.
func (t *Tree) TakeSnapshot(headIDs []ids.ID, applicationID ids.ID) (Manifest, []Record) {
	ordered := make([]ids.ID, 0, len(t.entities))
	for id := range t.entities {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	records := make([]Record, 0, len(ordered))
	for _, id := range ordered {
		records = append(records, recordOf(t.entities[id]))
	}

	return Manifest{
		RootHash:      t.RootHash(),
		DeltaHeadIDs:  headIDs,
		ApplicationID: applicationID,
		Compression:   "none",
	}, records
}

// RecordOf returns the snapshot Record for a single entity, used by
// syncproto/hashcmp to transfer just the divergent entities a
// hash-comparison walk finds rather than a full snapshot.
func (t *Tree) RecordOf(id ids.ID) (Record, bool) {
	e, ok := t.entities[id]
	if !ok {
		return Record{}, false
	}
	return recordOf(e), true
}

// recordOf builds the snapshot/wire Record for one entity, covering every
// CRDT field type (spec §4.2's "no silent data loss" rule I5).
func recordOf(e *Entity) Record {
	rec := Record{ID: e.ID, Path: e.Path, Kind: e.Kind, Fields: e.Fields, Children: e.Children, Tombstone: e.Tombstone, Counter: e.Counter}
	if e.Set != nil {
		snap := e.Set.Snapshot()
		rec.Set = &snap
	}
	if e.Map != nil {
		snap := e.Map.Snapshot()
		rec.Map = &snap
	}
	if e.Sequence != nil {
		rec.Sequence = e.Sequence.Elements()
	}
	return rec
}

// ApplySnapshot replaces local storage entirely with the given records.
// It only ever runs against an empty (fresh, never-mutated) context;
// calling it on an initialized context fails with calerr.ErrContextNotEmpty
// so a divergent node can never silently lose state to an incoming
// bootstrap transfer.
func (t *Tree) ApplySnapshot(ctx context.Context, _ Manifest, records []Record) error {
	if t.IsInitialized() {
		return calerr.ErrContextNotEmpty
	}

	staged := &Tree{contextID: t.contextID, self: t.self, db: t.db, rawDB: t.rawDB, cfName: t.cfName, entities: make(map[ids.ID]*Entity, len(records)), root: t.root}
	for _, r := range records {
		e := newEntity(r.Path)
		e.ID = r.ID
		e.Kind = r.Kind
		e.Fields = r.Fields
		e.Children = r.Children
		e.Tombstone = r.Tombstone
		e.Counter = r.Counter
		if r.Set != nil {
			e.Set = RestoreAWSet(*r.Set)
		}
		if r.Map != nil {
			e.Map = RestoreAWMap(*r.Map)
		}
		if len(r.Sequence) > 0 {
			e.Sequence = RestoreRGA(r.Sequence)
		}
		staged.entities[e.ID] = e
	}
	if _, ok := staged.entities[t.root]; !ok {
		staged.entities[t.root] = newEntity("")
	}
	staged.genesis = len(records) > 0

	if err := t.persist(ctx, staged); err != nil {
		return err
	}
	t.entities = staged.entities
	t.genesis = staged.genesis
	return nil
}
