// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/ids"
)

type recordingHost struct {
	emitted [][]byte
}

func (h *recordingHost) ReadEntity(string) ([]byte, error)         { return nil, nil }
func (h *recordingHost) WriteEntity(string, []byte) error          { return nil }
func (h *recordingHost) EmitDelta(payload []byte) error {
	h.emitted = append(h.emitted, payload)
	return nil
}

func TestMemRuntimeInvokeIsDeterministic(t *testing.T) {
	rt := NewMemRuntime()
	ctxID := ids.FromBytes([]byte("ctx"))
	require.NoError(t, rt.LoadApplication(context.Background(), ctxID, []byte("module"), [32]byte{}))

	call := Call{ContextID: ctxID, Method: "set_title", Input: []byte("groceries"), Author: ids.NodeID{1}}
	host := &recordingHost{}

	r1, err := rt.Invoke(context.Background(), call, host)
	require.NoError(t, err)
	r2, err := rt.Invoke(context.Background(), call, host)
	require.NoError(t, err)

	require.Equal(t, r1.NewRootHash, r2.NewRootHash)
	require.Len(t, host.emitted, 2)
}

func TestClassifyErrorTransientByDefault(t *testing.T) {
	require.False(t, ClassifyError(nil))
	require.True(t, ClassifyError(errors.New("io")))
}
