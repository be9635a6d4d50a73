// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package snapshot implements the wire-level bootstrap protocol for
// Uninitialized contexts: the responder streams a manifest plus every
// entity record, the initiator validates the manifest and applies into
// empty storage, then records the delivered DAG heads as its starting
// heads.
//
// Grounded on the teacher's bootstrap/common.go state-sync path (the
// "fetch full state before applying deltas" flow for a node joining
// cold) — adapted from block-range fetch to storage.Manifest plus a
// storage.Record stream.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/overlay"
	"github.com/calimero-network/core/storage"
)

// MessageKind discriminates the frame shapes of a snapshot session.
type MessageKind uint8

const (
	KindManifest MessageKind = iota
	KindRecord
	KindEndSession
)

// Envelope is the wire frame for one snapshot message.
type Envelope struct {
	Kind     MessageKind       `json:"kind"`
	Manifest *storage.Manifest `json:"manifest,omitempty"`
	Record   *storage.Record   `json:"record,omitempty"`
}

// ErrApplicationMismatch is returned when the manifest's application id
// doesn't match what the initiator expected to bootstrap.
var ErrApplicationMismatch = fmt.Errorf("snapshot: manifest application id does not match")

// RunResponder streams tree's full snapshot: one Manifest frame followed
// by one Record frame per entity, then EndSession. headIDs are the
// responder's current DAG heads at the moment the snapshot was taken,
// recorded in the manifest so the initiator knows where its DAG starts.
func RunResponder(ctx context.Context, stream overlay.Stream, tree *storage.Tree, headIDs []ids.ID, applicationID ids.ID) error {
	enc := json.NewEncoder(stream)

	manifest, records := tree.TakeSnapshot(headIDs, applicationID)
	if err := enc.Encode(Envelope{Kind: KindManifest, Manifest: &manifest}); err != nil {
		return fmt.Errorf("snapshot: sending manifest: %w", err)
	}
	for i := range records {
		rec := records[i]
		if err := enc.Encode(Envelope{Kind: KindRecord, Record: &rec}); err != nil {
			return fmt.Errorf("snapshot: sending record: %w", err)
		}
	}
	if err := enc.Encode(Envelope{Kind: KindEndSession}); err != nil {
		return fmt.Errorf("snapshot: sending end session: %w", err)
	}
	return nil
}

// Result reports what a completed snapshot transfer produced: the
// manifest's root hash and the DAG heads the initiator should now
// consider its starting heads.
type Result struct {
	RootHash [32]byte
	Heads    []ids.ID
}

// RunInitiator consumes a snapshot stream into tree, which must be an
// Uninitialized (never-mutated) context — storage.ApplySnapshot enforces
// this and returns calerr.ErrContextNotEmpty otherwise. The manifest's
// application id must equal wantApplicationID or the transfer is
// rejected before anything is applied.
func RunInitiator(ctx context.Context, stream overlay.Stream, tree *storage.Tree, wantApplicationID ids.ID) (Result, error) {
	dec := json.NewDecoder(stream)

	var manifestEnv Envelope
	if err := dec.Decode(&manifestEnv); err != nil {
		return Result{}, fmt.Errorf("snapshot: reading manifest: %w", err)
	}
	if manifestEnv.Kind != KindManifest || manifestEnv.Manifest == nil {
		return Result{}, fmt.Errorf("snapshot: expected manifest frame, got kind %d", manifestEnv.Kind)
	}
	manifest := *manifestEnv.Manifest
	if manifest.ApplicationID != wantApplicationID {
		return Result{}, ErrApplicationMismatch
	}

	var records []storage.Record
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return Result{}, fmt.Errorf("snapshot: reading frame: %w", err)
		}
		switch env.Kind {
		case KindEndSession:
			if err := tree.ApplySnapshot(ctx, manifest, records); err != nil {
				if errors.Is(err, calerr.ErrContextNotEmpty) {
					return Result{}, err
				}
				return Result{}, fmt.Errorf("snapshot: applying: %w", err)
			}
			return Result{RootHash: manifest.RootHash, Heads: manifest.DeltaHeadIDs}, nil
		case KindRecord:
			if env.Record == nil {
				return Result{}, fmt.Errorf("snapshot: malformed record frame")
			}
			records = append(records, *env.Record)
		default:
			return Result{}, fmt.Errorf("snapshot: unexpected frame kind %d", env.Kind)
		}
	}
}
