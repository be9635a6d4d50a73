// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package catchup implements the delta catch-up protocol: given a proper
// superset of heads reported by a peer, fetch the wanted deltas together
// with every ancestor the responder holds, and feed them to the local DAG
// in an order where its parents are always already satisfied. Ancestors
// the initiator already has are sent again and absorbed as duplicates.
//
// Grounded on the same request/response idiom as syncproto/hashcmp
// (itself modeled on networking/sender/sender.go), specialized to the
// spec's `{want: ids}` request and a streamed, reverse-topological
// response instead of a tree walk.
package catchup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calimero-network/core/dag"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/overlay"
)

// MessageKind discriminates the frame shapes of a catch-up session.
type MessageKind uint8

const (
	KindWant MessageKind = iota
	KindDelta
	KindHave
	KindEndSession
)

// Envelope is the wire frame for one catch-up message.
type Envelope struct {
	Kind  MessageKind `json:"kind"`
	Want  []ids.ID    `json:"want,omitempty"`
	Delta *dag.Delta  `json:"delta,omitempty"`
	Have  *ids.ID     `json:"have,omitempty"`
}

// DeltaSource lets the responder walk its own DAG without depending on
// dag.DAG directly, so it can be driven by a node's live DAG or by a test
// double with a fixed delta set.
type DeltaSource interface {
	GetDelta(id ids.ID) (dag.Delta, bool)
	Parents(id ids.ID) []ids.ID
}

// RunInitiator requests the deltas in want from the responder and feeds
// each one to target as it arrives. Responses arrive in reverse
// topological order (parents before children) so every AddDelta call
// should see its parents already applied; re-delivery of an
// already-applied delta is a no-op via dag.Duplicate.
func RunInitiator(ctx context.Context, stream overlay.Stream, want []ids.ID, target *dag.DAG, applier dag.Applier) (int, error) {
	enc := json.NewEncoder(stream)
	dec := json.NewDecoder(stream)

	if err := enc.Encode(Envelope{Kind: KindWant, Want: want}); err != nil {
		return 0, fmt.Errorf("catchup: sending want: %w", err)
	}

	applied := 0
	for {
		var msg Envelope
		if err := dec.Decode(&msg); err != nil {
			return applied, fmt.Errorf("catchup: reading frame: %w", err)
		}
		switch msg.Kind {
		case KindEndSession:
			return applied, nil
		case KindDelta:
			if msg.Delta == nil {
				return applied, fmt.Errorf("catchup: malformed delta frame")
			}
			result, err := target.AddDelta(*msg.Delta, applier)
			if err != nil {
				return applied, fmt.Errorf("catchup: applying delta %s: %w", msg.Delta.ID, err)
			}
			if result == dag.Applied {
				applied++
			}
			// Acknowledge each delta. RunResponder reads these acks, but
			// its send order is fixed before streaming starts, so they do
			// not change what it sends.
			have := msg.Delta.ID
			if err := enc.Encode(Envelope{Kind: KindHave, Have: &have}); err != nil {
				return applied, fmt.Errorf("catchup: sending have: %w", err)
			}
		default:
			return applied, fmt.Errorf("catchup: unexpected frame kind %d", msg.Kind)
		}
	}
}

// RunResponder serves a catch-up session: it reads the initial Want
// frame, then walks source depth-first from the wanted set following
// parent edges (clamped at ids.Empty, the context root sentinel) and
// streams every reachable delta after all of that delta's parents. The
// whole send order is computed before the first delta frame goes out.
// Have acks from the initiator are drained but do not prune the walk, so
// deltas the initiator already holds are streamed again.
func RunResponder(ctx context.Context, stream overlay.Stream, source DeltaSource) error {
	enc := json.NewEncoder(stream)
	dec := json.NewDecoder(stream)

	var want Envelope
	if err := dec.Decode(&want); err != nil {
		return fmt.Errorf("catchup: reading want: %w", err)
	}
	if want.Kind != KindWant {
		return fmt.Errorf("catchup: expected want frame, got kind %d", want.Kind)
	}

	have := make(map[ids.ID]struct{})
	sent := make(map[ids.ID]struct{})

	// order collects ids in reverse-topological (parents-first) order via
	// post-order DFS: visit parents, then emit self.
	var order []ids.ID
	var visit func(id ids.ID)
	visited := make(map[ids.ID]struct{})
	visit = func(id ids.ID) {
		if id == ids.Empty {
			return
		}
		if _, ok := visited[id]; ok {
			return
		}
		visited[id] = struct{}{}
		if _, ok := have[id]; ok {
			return
		}
		for _, p := range source.Parents(id) {
			visit(p)
		}
		if _, ok := sent[id]; !ok {
			order = append(order, id)
			sent[id] = struct{}{}
		}
	}
	for _, id := range want.Want {
		visit(id)
	}

	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		for {
			var ack Envelope
			if err := dec.Decode(&ack); err != nil {
				return
			}
			if ack.Kind == KindHave && ack.Have != nil {
				have[*ack.Have] = struct{}{}
			}
		}
	}()

	for _, id := range order {
		d, ok := source.GetDelta(id)
		if !ok {
			continue
		}
		if err := enc.Encode(Envelope{Kind: KindDelta, Delta: &d}); err != nil {
			return fmt.Errorf("catchup: sending delta %s: %w", id, err)
		}
	}
	if err := enc.Encode(Envelope{Kind: KindEndSession}); err != nil {
		return fmt.Errorf("catchup: sending end session: %w", err)
	}
	return nil
}
