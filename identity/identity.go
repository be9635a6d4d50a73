// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity holds the 32-byte Ed25519 identities that participate in
// a context, and the capability bits that gate application-level calls.
//
// Grounded on the teacher's validator-permission pattern (validators
// package): a per-node permission bitset checked before a privileged
// operation runs, adapted here from stake-weighted validator duties to
// per-identity application capabilities.
package identity

import "github.com/calimero-network/core/ids"

// Capability is a bit in an identity's capability set.
type Capability uint8

const (
	CapManageMembers Capability = 1 << iota
	CapManageApplication
	CapProxy
)

// Identity is a context member: its public key id plus granted
// capabilities.
type Identity struct {
	ID           ids.ID
	PublicKey    []byte // raw 32-byte Ed25519 public key
	Capabilities Capability
}

func (i Identity) Has(cap Capability) bool {
	return i.Capabilities&cap != 0
}

// Set is a context's member set: every member holds exactly one Identity.
type Set struct {
	members map[ids.ID]Identity
}

func NewSet() *Set {
	return &Set{members: make(map[ids.ID]Identity)}
}

func (s *Set) Add(id Identity) {
	s.members[id.ID] = id
}

func (s *Set) Remove(id ids.ID) {
	delete(s.members, id)
}

func (s *Set) Get(id ids.ID) (Identity, bool) {
	m, ok := s.members[id]
	return m, ok
}

func (s *Set) IsMember(id ids.ID) bool {
	_, ok := s.members[id]
	return ok
}

// Authorize reports whether id is a member holding cap. Non-members are
// never authorized regardless of capability, matching spec §7's
// ErrNotMember/ErrCapabilityDenied split: callers check IsMember first to
// pick the right error.
func (s *Set) Authorize(id ids.ID, cap Capability) bool {
	m, ok := s.members[id]
	return ok && m.Has(cap)
}

func (s *Set) Len() int { return len(s.members) }

// IDs returns the member ids, used to size gossip fanout / quorum checks.
func (s *Set) IDs() []ids.ID {
	out := make([]ids.ID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out
}
