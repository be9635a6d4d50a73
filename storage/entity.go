// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage holds the CRDT-merged, content-addressed entity tree that
// is the authoritative state modified by deltas: Entity/Tree with Merkle
// summaries, the field-level CRDT primitives (LWWRegister, PNCounter,
// AWSet, AWMap, RGA), and apply_actions/snapshot plumbing over a
// store.KVStore.
//
// Grounded on the teacher's crypto/database column-keyed content-addressing
// convention for the KVStore capability set, and on the two pack CRDT
// references (defradb's LWW register, go-crdt's RGA) for the field types
// that needed a concrete merge algorithm.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"sort"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/store"
)

// Kind discriminates an entity's CRDT shape.
type Kind uint8

const (
	KindMap Kind = iota
	KindRegister
	KindCounter
	KindSet
	KindSequence
)

// Entity is one node of the content-addressed tree: a recursive Merkle
// summary over its own field values and its children's summaries.
type Entity struct {
	ID        ids.ID
	Path      string
	Kind      Kind
	Fields    map[string]LWWRegister
	Counter   *PNCounter
	Set       *AWSet
	Map       *AWMap
	Sequence  *RGA
	Children  map[string]ids.ID // name -> child entity id
	Tombstone *hlc.Timestamp    // set once the entity is removed
}

func newEntity(path string) *Entity {
	return &Entity{
		ID:       ids.FromBytes([]byte(path)),
		Path:     path,
		Kind:     KindMap,
		Fields:   make(map[string]LWWRegister),
		Children: make(map[string]ids.ID),
	}
}

// Summary returns the deterministic Merkle hash of this entity:
// H(kind ‖ sorted(field hashes) ‖ sorted(child summaries)).
func (e *Entity) Summary(tree *Tree) [32]byte {
	h := sha256.New()
	h.Write([]byte{byte(e.Kind)})

	fieldNames := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		f := e.Fields[name]
		h.Write([]byte(name))
		h.Write(f.Value)
	}

	if e.Counter != nil {
		h.Write([]byte{'#'})
		v := e.Counter.Value()
		h.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	}
	if e.Set != nil {
		for _, m := range e.Set.Members() {
			h.Write([]byte(m))
		}
	}
	if e.Map != nil {
		for _, k := range e.Map.Keys() {
			v, _ := e.Map.Get(k)
			h.Write([]byte(k))
			h.Write(v)
		}
	}
	if e.Sequence != nil {
		for _, v := range e.Sequence.Values() {
			h.Write(v)
		}
	}
	if e.Tombstone != nil {
		h.Write([]byte{'T'})
	}

	childNames := make([]string, 0, len(e.Children))
	for name := range e.Children {
		childNames = append(childNames, name)
	}
	sort.Strings(childNames)
	for _, name := range childNames {
		childID := e.Children[name]
		child, ok := tree.entities[childID]
		if !ok {
			continue
		}
		sum := child.Summary(tree)
		h.Write(sum[:])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Action is one step of an apply_actions call. Exactly one of the typed
// fields is meaningful, selected by Kind.
type Action struct {
	Kind        ActionKind
	Path        string
	Field       string
	Value       []byte
	Item        []byte
	SeqIndex    int
	SeqNode     ids.NodeID // author identity of the sequence element SeqIndex tags, for ActionTombstoneSeq
	AfterHLC    uint64     // left-neighbor identity for ActionAppend; zero means "sequence head"
	AfterNode   ids.NodeID
	CounterDiff int64
	EntityKind  Kind
	Member      string // set member or map key, for the AWSet/AWMap actions
}

type ActionKind uint8

const (
	ActionInsert ActionKind = iota
	ActionUpdate
	ActionDelete
	ActionAppend
	ActionTombstoneSeq
	ActionCounterAdd
	ActionSetAdd
	ActionSetRemove
	ActionMapPut
	ActionMapRemove
)

// Tree is the CRDT-merged entity tree for one context.
type Tree struct {
	contextID ids.ID
	self      ids.NodeID
	db        store.ColumnFamily
	entities  map[ids.ID]*Entity
	root      ids.ID
	genesis   bool // true once any non-genesis root hash has been computed
	rawDB     store.KVStore
	cfName    string
}

// genesisRoot is the sentinel root hash of a context with no applied
// deltas, matching the DAG's genesis marker.
var genesisRoot [32]byte

// NewTree opens (or creates) the entity tree for a context over db: it
// reads back every entityRecord persist previously wrote under this
// context's entities column family, and only falls back to a fresh empty
// root if nothing is found. Every key is scoped by contextID, since one
// node's db is shared across every context it participates in and entity
// ids (content-addressed from a path) can otherwise collide across
// contexts.
func NewTree(contextID ids.ID, self ids.NodeID, db store.KVStore) *Tree {
	cfName := store.FamilyEntities + ":" + contextID.String()
	t := &Tree{
		contextID: contextID,
		self:      self,
		db:        store.NewColumnFamily(db, cfName),
		rawDB:     db,
		cfName:    cfName,
		entities:  make(map[ids.ID]*Entity),
	}
	if t.load() {
		return t
	}
	root := newEntity("")
	t.entities[root.ID] = root
	t.root = root.ID
	return t
}

// load rebuilds the tree from persisted entityRecords, returning false if
// the column family is empty (a brand-new context).
func (t *Tree) load() bool {
	prefix := []byte(t.cfName + ":")
	it := t.rawDB.NewIterator(prefix)
	defer it.Release()

	found := false
	for it.Next() {
		key := it.Key()
		if len(key) < len(prefix)+ids.Len {
			continue
		}
		var id ids.ID
		copy(id[:], key[len(prefix):])

		var rec entityRecord
		if err := gob.NewDecoder(bytes.NewReader(it.Value())).Decode(&rec); err != nil {
			continue
		}
		e := rec.toEntity(id)
		t.entities[id] = e
		if rec.Path == "" {
			t.root = id
		}
		found = true
	}
	if !found {
		return false
	}
	t.genesis = true
	return true
}

// RootHash returns the current Merkle summary of the tree root, or the
// genesis sentinel if the tree has never been mutated.
func (t *Tree) RootHash() [32]byte {
	if !t.genesis {
		return genesisRoot
	}
	return t.entities[t.root].Summary(t)
}

func (t *Tree) entity(path string) (*Entity, bool) {
	id := ids.FromBytes([]byte(path))
	e, ok := t.entities[id]
	return e, ok
}

func (t *Tree) entityOrCreate(path string) *Entity {
	id := ids.FromBytes([]byte(path))
	e, ok := t.entities[id]
	if !ok {
		e = newEntity(path)
		t.entities[id] = e
	}
	return e
}

// ApplyActions runs actions atomically: it stages every mutation against a
// deep copy of the tree, and only swaps the copy in (persisting every
// touched entity in one KVStore transaction) once every action has
// succeeded. Writes beneath a tombstoned path fail the whole call with
// calerr.ErrPathDeleted, leaving the tree untouched.
func (t *Tree) ApplyActions(ctx context.Context, author ids.NodeID, ts hlc.Timestamp, actions []Action) ([32]byte, error) {
	staged := t.clone()

	for _, a := range actions {
		if err := staged.applyOne(author, ts, a); err != nil {
			return [32]byte{}, err
		}
	}

	root := staged.RootHash()
	if err := t.persist(ctx, staged); err != nil {
		return [32]byte{}, err
	}

	t.entities = staged.entities
	t.genesis = staged.genesis
	return root, nil
}

// clone deep-copies every entity so in-progress mutations never alias the
// committed tree; a failed action discards the clone and t is untouched.
func (t *Tree) clone() *Tree {
	c := &Tree{contextID: t.contextID, self: t.self, db: t.db, entities: make(map[ids.ID]*Entity, len(t.entities)), root: t.root, genesis: t.genesis}
	for id, e := range t.entities {
		c.entities[id] = e.deepCopy()
	}
	return c
}

func (e *Entity) deepCopy() *Entity {
	cp := &Entity{ID: e.ID, Path: e.Path, Kind: e.Kind, Fields: make(map[string]LWWRegister, len(e.Fields)), Children: make(map[string]ids.ID, len(e.Children))}
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	for k, v := range e.Children {
		cp.Children[k] = v
	}
	if e.Counter != nil {
		cp.Counter = e.Counter.Merge(NewPNCounter())
	}
	if e.Set != nil {
		cp.Set = e.Set.Merge(NewAWSet())
		for m, entry := range cp.Set.entries {
			cp.Set.entries[m] = entry.merge(newAWEntry())
		}
	}
	if e.Map != nil {
		cp.Map = e.Map.Merge(NewAWMap())
		for k, entry := range cp.Map.entries {
			cp.Map.entries[k] = entry.merge(newAWEntry())
		}
	}
	if e.Sequence != nil {
		// A staged clone must never alias the committed tree's RGA: if a
		// later action in the same ApplyActions call fails, the clone is
		// discarded and the original must be untouched.
		cp.Sequence = RestoreRGA(e.Sequence.Elements())
	}
	if e.Tombstone != nil {
		ts := *e.Tombstone
		cp.Tombstone = &ts
	}
	return cp
}

// MergeEntity merges a remote entity into the local entity at the same id
// (creating it if absent), applying the §4.2 CRDT merge rule for every
// field type: Fields register-by-register through LWWRegister.Set,
// Counter/Set/Map through their own Merge, Sequence by replaying its
// elements through RGA.Merge. Every rule is commutative and idempotent, so
// the result is the same regardless of which side calls MergeEntity first.
// Used by syncproto/hashcmp when two trees' summaries diverge at a leaf:
// rather than overwriting local state, the divergent entity is CRDT-merged
// in place.
func (t *Tree) MergeEntity(ctx context.Context, remote Record) ([32]byte, error) {
	e, ok := t.entities[remote.ID]
	if !ok {
		e = newEntity(remote.Path)
		e.ID = remote.ID
		e.Kind = remote.Kind
		t.entities[e.ID] = e
	}
	for name, reg := range remote.Fields {
		e.Fields[name] = e.Fields[name].Set(reg)
	}
	for name, childID := range remote.Children {
		e.Children[name] = childID
	}
	if remote.Tombstone != nil && (e.Tombstone == nil || remote.Tombstone.After(*e.Tombstone)) {
		ts := *remote.Tombstone
		e.Tombstone = &ts
	}
	if remote.Counter != nil {
		if e.Counter == nil {
			e.Counter = NewPNCounter()
		}
		e.Counter = e.Counter.Merge(remote.Counter)
	}
	if remote.Set != nil {
		remoteSet := RestoreAWSet(*remote.Set)
		if e.Set == nil {
			e.Set = remoteSet
		} else {
			e.Set = e.Set.Merge(remoteSet)
		}
	}
	if remote.Map != nil {
		remoteMap := RestoreAWMap(*remote.Map)
		if e.Map == nil {
			e.Map = remoteMap
		} else {
			e.Map = e.Map.Merge(remoteMap)
		}
	}
	if len(remote.Sequence) > 0 {
		if e.Sequence == nil {
			e.Sequence = NewRGA()
		}
		e.Sequence.Merge(remote.Sequence)
	}
	t.genesis = true

	if err := t.persist(ctx, t); err != nil {
		return [32]byte{}, err
	}
	return t.RootHash(), nil
}

// entityRecord is the durable encoding of an Entity, persisted one gob
// record per entity id — no pack example covers application-defined tree
// serialization, so this uses the standard library's encoding/gob,
// justified in DESIGN.md. Mirrors Record's field set (snapshot.go), the
// equivalent wire encoding used for sync transfer.
type entityRecord struct {
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

func entityToRecord(e *Entity) entityRecord {
	rec := entityRecord{Path: e.Path, Kind: e.Kind, Fields: e.Fields, Children: e.Children, Tombstone: e.Tombstone, Counter: e.Counter}
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

func (rec entityRecord) toEntity(id ids.ID) *Entity {
	e := newEntity(rec.Path)
	e.ID = id
	e.Kind = rec.Kind
	e.Fields = rec.Fields
	e.Children = rec.Children
	e.Tombstone = rec.Tombstone
	e.Counter = rec.Counter
	if rec.Set != nil {
		e.Set = RestoreAWSet(*rec.Set)
	}
	if rec.Map != nil {
		e.Map = RestoreAWMap(*rec.Map)
	}
	if len(rec.Sequence) > 0 {
		e.Sequence = RestoreRGA(rec.Sequence)
	}
	return e
}

func (t *Tree) persist(ctx context.Context, staged *Tree) error {
	return t.rawDB.Update(ctx, func(tx store.Tx) error {
		for id, e := range staged.entities {
			rec := entityToRecord(e)
			buf := new(bytes.Buffer)
			if err := gob.NewEncoder(buf).Encode(rec); err != nil {
				return err
			}
			key := append([]byte(t.cfName+":"), id[:]...)
			if err := tx.Put(key, buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Tree) applyOne(author ids.NodeID, ts hlc.Timestamp, a Action) error {
	if t.isTombstoned(a.Path) {
		return calerr.ErrPathDeleted
	}

	switch a.Kind {
	case ActionInsert:
		e := t.entityOrCreate(a.Path)
		e.Kind = a.EntityKind
		t.linkParent(a.Path)
		t.genesis = true

	case ActionUpdate:
		e := t.entityOrCreate(a.Path)
		incoming := LWWRegister{HLC: ts, Author: author, Value: a.Value}
		e.Fields[a.Field] = e.Fields[a.Field].Set(incoming)
		t.genesis = true

	case ActionDelete:
		e, ok := t.entity(a.Path)
		if !ok {
			return errors.New("storage: delete of unknown path")
		}
		tsCopy := ts
		e.Tombstone = &tsCopy
		t.genesis = true

	case ActionAppend:
		e := t.entityOrCreate(a.Path)
		if e.Sequence == nil {
			e.Sequence = NewRGA()
		}
		e.Sequence.Insert(a.Item, author, uint64(ts), a.AfterHLC, a.AfterNode)
		t.genesis = true

	case ActionTombstoneSeq:
		e, ok := t.entity(a.Path)
		if !ok || e.Sequence == nil {
			return errors.New("storage: tombstone of unknown sequence")
		}
		e.Sequence.Delete(uint64(a.SeqIndex), a.SeqNode)
		t.genesis = true

	case ActionCounterAdd:
		e := t.entityOrCreate(a.Path)
		if e.Counter == nil {
			e.Counter = NewPNCounter()
		}
		if a.CounterDiff >= 0 {
			e.Counter.Increment(author, uint64(a.CounterDiff))
		} else {
			e.Counter.Decrement(author, uint64(-a.CounterDiff))
		}
		t.genesis = true

	case ActionSetAdd:
		e := t.entityOrCreate(a.Path)
		if e.Set == nil {
			e.Set = NewAWSet()
		}
		e.Set.Add(a.Member, setTag(a.Path, a.Member, author, ts))
		t.genesis = true

	case ActionSetRemove:
		e, ok := t.entity(a.Path)
		if !ok || e.Set == nil {
			return errors.New("storage: set-remove on unknown set")
		}
		e.Set.Remove(a.Member)
		t.genesis = true

	case ActionMapPut:
		e := t.entityOrCreate(a.Path)
		if e.Map == nil {
			e.Map = NewAWMap()
		}
		e.Map.Put(a.Member, setTag(a.Path, a.Member, author, ts), a.Value)
		t.genesis = true

	case ActionMapRemove:
		e, ok := t.entity(a.Path)
		if !ok || e.Map == nil {
			return errors.New("storage: map-remove on unknown map")
		}
		e.Map.Remove(a.Member)
		t.genesis = true

	default:
		return errors.New("storage: unknown action kind")
	}
	return nil
}

// setTag derives a deterministic add-tag for an AWSet/AWMap mutation from
// the action's own identity, so two nodes applying the same delta compute
// the exact same tag rather than each minting an arbitrary fresh one —
// required for a later Remove that references "every tag currently known"
// to agree across replicas.
func setTag(path, member string, author ids.NodeID, ts hlc.Timestamp) ids.ID {
	return ids.FromBytes([]byte(path), []byte(member), author[:], []byte(ts.String()))
}

// isTombstoned reports whether path or any ancestor of path has been
// deleted.
func (t *Tree) isTombstoned(path string) bool {
	for {
		if e, ok := t.entity(path); ok && e.Tombstone != nil {
			return true
		}
		idx := bytes.LastIndexByte([]byte(path), '/')
		if idx < 0 {
			return false
		}
		path = path[:idx]
		if path == "" {
			return false
		}
	}
}

// linkParent wires path into its parent's Children map by its last path
// segment, creating intermediate map entities as needed.
func (t *Tree) linkParent(path string) {
	idx := bytes.LastIndexByte([]byte(path), '/')
	if idx < 0 {
		root := t.entities[t.root]
		root.Children[path] = ids.FromBytes([]byte(path))
		return
	}
	parentPath, name := path[:idx], path[idx+1:]
	parent := t.entityOrCreate(parentPath)
	parent.Children[name] = ids.FromBytes([]byte(path))
	if parentPath != "" {
		t.linkParent(parentPath)
	} else {
		root := t.entities[t.root]
		root.Children[name] = ids.FromBytes([]byte(path))
	}
}

// IsInitialized reports whether this context has ever had a committed
// root hash other than genesis — the fresh-vs-initialized rule that gates
// snapshot application (spec §4.2).
func (t *Tree) IsInitialized() bool {
	return t.genesis
}

// NodeView is the read-only shape of one entity exposed to the
// hash-comparison sync protocol: its own summary and the summaries of its
// direct children, keyed by child entity id.
type NodeView struct {
	ID             ids.ID
	Summary        [32]byte
	ChildSummaries map[ids.ID][32]byte
	ChildIDsByName map[string]ids.ID
}

// RootID returns the id of the tree's root entity.
func (t *Tree) RootID() ids.ID {
	return t.root
}

// Node returns the NodeView for the entity with the given id, used by
// syncproto/hashcmp to walk two trees' Merkle structure without exposing
// full CRDT internals over the wire.
func (t *Tree) Node(id ids.ID) (NodeView, bool) {
	e, ok := t.entities[id]
	if !ok {
		return NodeView{}, false
	}
	view := NodeView{ID: e.ID, Summary: e.Summary(t), ChildSummaries: make(map[ids.ID][32]byte, len(e.Children)), ChildIDsByName: make(map[string]ids.ID, len(e.Children))}
	for name, childID := range e.Children {
		view.ChildIDsByName[name] = childID
		if child, ok := t.entities[childID]; ok {
			view.ChildSummaries[childID] = child.Summary(t)
		}
	}
	return view, true
}
