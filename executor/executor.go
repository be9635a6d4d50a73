// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package executor defines the bridge to the opaque WASM execution
// runtime: given a method name and an input artifact, it returns a new
// root hash plus an outbound artifact, without the core ever interpreting
// WASM itself.
//
// Grounded on the teacher's ChainVM bridge pattern (engine/chain/block/vm.go):
// a narrow interface wrapping an external state-transition engine, called
// by the core with a bounded execution budget and returning a typed
// result the core never has to introspect.
package executor

import (
	"context"
	"time"

	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/ids"
)

// Budget bounds a single invocation's resource consumption.
type Budget struct {
	Fuel    uint64
	Timeout time.Duration
}

// Call is one invocation of application logic.
type Call struct {
	ContextID ids.ID
	Method    string
	Input     []byte
	Author    ids.NodeID
	Budget    Budget
}

// Result is what a successful invocation produces.
type Result struct {
	NewRootHash [32]byte
	Output      []byte
	FuelUsed    uint64
}

// HostFuncs are the capabilities the executor exposes to guest code:
// reading/writing storage entities and emitting the delta payload the
// DAG will broadcast. The runtime calls back into these during Call.
type HostFuncs interface {
	ReadEntity(path string) ([]byte, error)
	WriteEntity(path string, value []byte) error
	EmitDelta(payload []byte) error
}

// Runtime is the opaque WASM execution bridge. The core never interprets
// the module it loads; it only calls Invoke with a bounded budget and
// trusts the returned root hash and fuel accounting.
type Runtime interface {
	// LoadApplication installs a content-addressed WASM module + ABI
	// digest for a context, returning once the module is validated and
	// ready to receive calls.
	LoadApplication(ctx context.Context, contextID ids.ID, wasmBlob []byte, abiDigest [32]byte) error

	// Invoke runs call.Method against the context's loaded application.
	// A non-nil error that is a *calerr.ApplyError with Kind ==
	// calerr.Determinism means the failure is a non-deterministic bug in
	// the application and the caller must not retry; any other error is
	// transient (host I/O, exhausted fuel) and may be retried.
	Invoke(ctx context.Context, call Call, host HostFuncs) (Result, error)
}

// WithHostTimeout wraps ctx with call.Budget.Timeout, giving Runtime
// implementations a single place to derive a deadline instead of each
// reimplementing the zero-timeout-means-no-deadline rule.
func WithHostTimeout(ctx context.Context, budget Budget) (context.Context, context.CancelFunc) {
	if budget.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget.Timeout)
}

// ClassifyError reports whether err from Invoke should be retried.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}
	return calerr.IsTransient(err)
}
