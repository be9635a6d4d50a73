// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"sync"

	"github.com/calimero-network/core/ids"
)

// rgaID orders RGA elements by (Timestamp, NodeID): higher timestamp wins,
// NodeID breaks ties, giving every replica the same total order over
// concurrent inserts after the same parent.
type rgaID struct {
	Timestamp uint64
	Node      ids.NodeID
}

func (a rgaID) greater(b rgaID) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return bytesGreater(a.Node[:], b.Node[:])
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// rgaNode is one element of the replicated sequence.
type rgaNode struct {
	id       rgaID
	parentID rgaID
	value    []byte
	deleted  bool
	next     *rgaNode
}

// RGA is a Replicated Growable Array used for the sequence CRDT field type
// (ordered lists of item payloads). Grounded on go-crdt's linked-list-over-
// registry design: a hash map gives O(1) lookup by id while a linked list
// gives the linearized, tombstone-filtered view.
type RGA struct {
	mu             sync.RWMutex
	registry       map[rgaID]*rgaNode
	root           *rgaNode
	pendingOrphans map[rgaID][]RemoteElement
}

func NewRGA() *RGA {
	root := &rgaNode{}
	return &RGA{
		registry:       map[rgaID]*rgaNode{{}: root},
		root:           root,
		pendingOrphans: make(map[rgaID][]RemoteElement),
	}
}

// Insert places value after the element identified by (afterHLC, afterNode)
// — the zero value means "the sequence head" — and tags the new element
// with (ts, author). Every replica that applies the same append (same
// author, ts and left neighbor) assigns it the same identity, so the final
// order no longer depends on local arrival order the way a per-instance
// clock would.
func (r *RGA) Insert(value []byte, author ids.NodeID, ts uint64, afterHLC uint64, afterNode ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := rgaID{Timestamp: ts, Node: author}
	parentID := rgaID{Timestamp: afterHLC, Node: afterNode}
	r.integrate(&rgaNode{id: id, parentID: parentID, value: value})
}

func (r *RGA) Delete(hlcTag uint64, node ids.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.registry[rgaID{Timestamp: hlcTag, Node: node}]; ok {
		n.deleted = true
	}
}

// RemoteElement is the wire shape for a single RGA element as carried in a
// delta payload or snapshot.
type RemoteElement struct {
	HLC        uint64
	Node       ids.NodeID
	ParentHLC  uint64
	ParentNode ids.NodeID
	Value      []byte
	Deleted    bool
}

// Merge incorporates remote elements, buffering any whose parent has not
// yet arrived locally and draining the buffer once that parent lands —
// the same causal-delivery trick as go-crdt's processNode/pendingOrphans.
func (r *RGA) Merge(remote []RemoteElement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range remote {
		id := rgaID{Timestamp: e.HLC, Node: e.Node}
		if existing, ok := r.registry[id]; ok {
			if e.Deleted {
				existing.deleted = true
			}
			continue
		}
		r.processRemote(e)
	}
}

func (r *RGA) processRemote(e RemoteElement) {
	parentID := rgaID{Timestamp: e.ParentHLC, Node: e.ParentNode}
	if _, ok := r.registry[parentID]; !ok {
		r.pendingOrphans[parentID] = append(r.pendingOrphans[parentID], e)
		return
	}
	id := rgaID{Timestamp: e.HLC, Node: e.Node}
	r.integrate(&rgaNode{id: id, parentID: parentID, value: e.Value, deleted: e.Deleted})

	if orphans, ok := r.pendingOrphans[id]; ok {
		for _, child := range orphans {
			r.processRemote(child)
		}
		delete(r.pendingOrphans, id)
	}
}

func (r *RGA) integrate(n *rgaNode) {
	parent, ok := r.registry[n.parentID]
	if !ok {
		parent = r.root
	}

	prev := parent
	cur := parent.next
	for cur != nil && cur.parentID == n.parentID {
		if n.id.greater(cur.id) {
			break
		}
		prev = cur
		cur = cur.next
	}

	n.next = cur
	prev.next = n
	r.registry[n.id] = n
}

// Values returns the linearized, tombstone-filtered sequence.
func (r *RGA) Values() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out [][]byte
	for cur := r.root.next; cur != nil; cur = cur.next {
		if !cur.deleted {
			out = append(out, cur.value)
		}
	}
	return out
}

// Elements returns every element, including tombstoned ones, as the flat
// RemoteElement form snapshot/persist carry and Merge consumes. Order is
// unspecified; RestoreRGA re-derives the linked structure via the same
// orphan-buffering causal-delivery path Merge already uses for remote
// deltas, so any order round-trips correctly.
func (r *RGA) Elements() []RemoteElement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteElement, 0, len(r.registry))
	for id, n := range r.registry {
		if id == (rgaID{}) {
			continue // root sentinel, not a real element
		}
		out = append(out, RemoteElement{
			HLC: n.id.Timestamp, Node: n.id.Node,
			ParentHLC: n.parentID.Timestamp, ParentNode: n.parentID.Node,
			Value: n.value, Deleted: n.deleted,
		})
	}
	return out
}

// RestoreRGA rebuilds a sequence from a flat element list read back from a
// persisted record or a snapshot transfer.
func RestoreRGA(elements []RemoteElement) *RGA {
	r := NewRGA()
	r.Merge(elements)
	return r
}
