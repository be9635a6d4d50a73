// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"bytes"
	"sort"

	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/ids"
)

// LWWRegister is a last-writer-wins register keyed by (hlc, author)
// priority, grounded on defradb's LWWRegDelta priority-compare-and-swap:
// a write only takes effect if its (hlc, author) pair outranks whatever
// is currently stored.
type LWWRegister struct {
	HLC    hlc.Timestamp
	Author ids.NodeID
	Value  []byte
}

// Set applies an incoming write, returning the winning register. Ties on
// HLC are broken by comparing author bytes, giving every replica the same
// deterministic answer without coordination.
func (r LWWRegister) Set(incoming LWWRegister) LWWRegister {
	if r.HLC == 0 && r.Author == (ids.NodeID{}) && len(r.Value) == 0 {
		return incoming
	}
	if incoming.HLC > r.HLC {
		return incoming
	}
	if incoming.HLC < r.HLC {
		return r
	}
	if bytes.Compare(incoming.Author[:], r.Author[:]) > 0 {
		return incoming
	}
	return r
}

// PNCounter is a positive-negative counter: each author tracks its own
// increment and decrement totals, and the visible value is the sum across
// all authors' tallies. Merge takes the per-author max of each tally,
// which is monotonic and commutative regardless of delivery order.
type PNCounter struct {
	Inc map[ids.NodeID]uint64
	Dec map[ids.NodeID]uint64
}

func NewPNCounter() *PNCounter {
	return &PNCounter{Inc: make(map[ids.NodeID]uint64), Dec: make(map[ids.NodeID]uint64)}
}

func (c *PNCounter) Increment(author ids.NodeID, delta uint64) {
	c.Inc[author] += delta
}

func (c *PNCounter) Decrement(author ids.NodeID, delta uint64) {
	c.Dec[author] += delta
}

func (c *PNCounter) Value() int64 {
	var total int64
	for _, v := range c.Inc {
		total += int64(v)
	}
	for _, v := range c.Dec {
		total -= int64(v)
	}
	return total
}

func (c *PNCounter) Merge(other *PNCounter) *PNCounter {
	out := NewPNCounter()
	for a, v := range c.Inc {
		out.Inc[a] = v
	}
	for a, v := range other.Inc {
		if v > out.Inc[a] {
			out.Inc[a] = v
		}
	}
	for a, v := range c.Dec {
		out.Dec[a] = v
	}
	for a, v := range other.Dec {
		if v > out.Dec[a] {
			out.Dec[a] = v
		}
	}
	return out
}

// awEntry is one element in an add-wins collection: an item survives a
// concurrent add/remove race unless the remove has observed every add tag
// currently known locally (add-wins tombstone rule).
//
// Tags/Tombstone are exported (rather than the usual unexported-field
// convention) so AWSetSnapshot/AWMapSnapshot round-trip through
// encoding/gob (persist) and encoding/json (the sync wire protocol)
// without a parallel hand-written serialization form.
type awEntry struct {
	Tags      map[ids.ID]struct{} // live add-tags
	Tombstone map[ids.ID]struct{} // observed-and-removed add-tags
}

func newAWEntry() *awEntry {
	return &awEntry{Tags: make(map[ids.ID]struct{}), Tombstone: make(map[ids.ID]struct{})}
}

func (e *awEntry) present() bool {
	for t := range e.Tags {
		if _, removed := e.Tombstone[t]; !removed {
			return true
		}
	}
	return false
}

func (e *awEntry) merge(other *awEntry) *awEntry {
	out := newAWEntry()
	for t := range e.Tags {
		out.Tags[t] = struct{}{}
	}
	for t := range other.Tags {
		out.Tags[t] = struct{}{}
	}
	for t := range e.Tombstone {
		out.Tombstone[t] = struct{}{}
	}
	for t := range other.Tombstone {
		out.Tombstone[t] = struct{}{}
	}
	return out
}

// AWSet is an add-wins tombstoned set: membership survives concurrent
// add/remove unless the remove carries every tag the add is known by.
type AWSet struct {
	entries map[string]*awEntry
}

func NewAWSet() *AWSet {
	return &AWSet{entries: make(map[string]*awEntry)}
}

// Add records a new add-tag for member under a fresh delta id, used as the
// tag that a concurrent Remove must observe to win.
func (s *AWSet) Add(member string, tag ids.ID) {
	e, ok := s.entries[member]
	if !ok {
		e = newAWEntry()
		s.entries[member] = e
	}
	e.Tags[tag] = struct{}{}
}

// Remove tombstones every add-tag currently visible locally for member.
func (s *AWSet) Remove(member string) {
	e, ok := s.entries[member]
	if !ok {
		return
	}
	for t := range e.Tags {
		e.Tombstone[t] = struct{}{}
	}
}

func (s *AWSet) Contains(member string) bool {
	e, ok := s.entries[member]
	return ok && e.present()
}

func (s *AWSet) Members() []string {
	out := make([]string, 0, len(s.entries))
	for m, e := range s.entries {
		if e.present() {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (s *AWSet) Merge(other *AWSet) *AWSet {
	out := NewAWSet()
	for m, e := range s.entries {
		out.entries[m] = e
	}
	for m, e := range other.entries {
		if existing, ok := out.entries[m]; ok {
			out.entries[m] = existing.merge(e)
		} else {
			out.entries[m] = e
		}
	}
	return out
}

// AWSetSnapshot is the durable/wire form of an AWSet: the full per-member
// tag/tombstone state, not just the surviving Members(), so a restored set
// keeps merging correctly rather than looking like a set that was never
// concurrently modified.
type AWSetSnapshot struct {
	Entries map[string]*awEntry
}

func (s *AWSet) Snapshot() AWSetSnapshot {
	return AWSetSnapshot{Entries: s.entries}
}

// RestoreAWSet rebuilds a set from a snapshot taken by Snapshot, as read
// back from a persisted record or a snapshot transfer.
func RestoreAWSet(snap AWSetSnapshot) *AWSet {
	s := NewAWSet()
	for m, e := range snap.Entries {
		s.entries[m] = e
	}
	return s
}

// AWMap is an add-wins tombstoned map: same survival rule as AWSet, with a
// value payload carried alongside each key's surviving add-tag.
type AWMap struct {
	entries map[string]*awEntry
	values  map[ids.ID][]byte // tag -> value at time of add
}

func NewAWMap() *AWMap {
	return &AWMap{entries: make(map[string]*awEntry), values: make(map[ids.ID][]byte)}
}

func (m *AWMap) Put(key string, tag ids.ID, value []byte) {
	e, ok := m.entries[key]
	if !ok {
		e = newAWEntry()
		m.entries[key] = e
	}
	e.Tags[tag] = struct{}{}
	m.values[tag] = value
}

func (m *AWMap) Remove(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	for t := range e.Tags {
		e.Tombstone[t] = struct{}{}
	}
}

// Get returns the value of the highest surviving tag for key, or
// (nil, false) if key is absent or fully tombstoned. Concurrent puts to the
// same key are broken by comparing tag bytes, same as LWWRegister's author
// tiebreak, so every replica converges on the same winner.
func (m *AWMap) Get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	var winner ids.ID
	found := false
	for t := range e.Tags {
		if _, removed := e.Tombstone[t]; removed {
			continue
		}
		if !found || bytes.Compare(t[:], winner[:]) > 0 {
			winner = t
			found = true
		}
	}
	if !found {
		return nil, false
	}
	return m.values[winner], true
}

// Keys returns the sorted keys currently present (not fully tombstoned),
// used by Entity.Summary to hash a map field the same deterministic way
// AWSet.Members hashes a set field.
func (m *AWMap) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if e.present() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *AWMap) Merge(other *AWMap) *AWMap {
	out := NewAWMap()
	for k, e := range m.entries {
		out.entries[k] = e
	}
	for k, e := range other.entries {
		if existing, ok := out.entries[k]; ok {
			out.entries[k] = existing.merge(e)
		} else {
			out.entries[k] = e
		}
	}
	for t, v := range m.values {
		out.values[t] = v
	}
	for t, v := range other.values {
		out.values[t] = v
	}
	return out
}

// AWMapSnapshot is the durable/wire form of an AWMap: per-key tag/tombstone
// state plus the tag->value payloads, mirroring AWSetSnapshot.
type AWMapSnapshot struct {
	Entries map[string]*awEntry
	Values  map[ids.ID][]byte
}

func (m *AWMap) Snapshot() AWMapSnapshot {
	return AWMapSnapshot{Entries: m.entries, Values: m.values}
}

// RestoreAWMap rebuilds a map from a snapshot taken by Snapshot.
func RestoreAWMap(snap AWMapSnapshot) *AWMap {
	m := NewAWMap()
	for k, e := range snap.Entries {
		m.entries[k] = e
	}
	for t, v := range snap.Values {
		m.values[t] = v
	}
	return m
}
