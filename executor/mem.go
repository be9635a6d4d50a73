// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/calimero-network/core/ids"
)

// MemRuntime is a deterministic in-process Runtime stand-in used by tests
// and the simulation path: instead of running WASM, it hashes the call's
// method, input and author together to produce a new root, so tests can
// assert on application-order effects without a real executor.
type MemRuntime struct {
	mu   sync.Mutex
	apps map[ids.ID][]byte
}

func NewMemRuntime() *MemRuntime {
	return &MemRuntime{apps: make(map[ids.ID][]byte)}
}

func (r *MemRuntime) LoadApplication(_ context.Context, contextID ids.ID, wasmBlob []byte, _ [32]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[contextID] = wasmBlob
	return nil
}

func (r *MemRuntime) Invoke(_ context.Context, call Call, host HostFuncs) (Result, error) {
	h := sha256.New()
	h.Write([]byte(call.Method))
	h.Write(call.Input)
	h.Write(call.Author[:])

	if host != nil {
		if err := host.EmitDelta(call.Input); err != nil {
			return Result{}, err
		}
	}

	var root [32]byte
	copy(root[:], h.Sum(nil))
	return Result{NewRootHash: root, Output: call.Input, FuelUsed: uint64(len(call.Input))}, nil
}
