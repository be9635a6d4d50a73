// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package dag

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core/ids"
)

func TestEd25519VerifierAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var author ids.NodeID
	copy(author[:], pub)

	d := Delta{ID: ids.FromBytes([]byte("d1")), Author: author, Timestamp: time.Now(), Payload: []byte("payload")}
	d.Signature = Sign(priv, d)

	require.True(t, Ed25519Verifier{}.Verify(d))
}

func TestEd25519VerifierRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var author ids.NodeID
	copy(author[:], pub)

	d := Delta{ID: ids.FromBytes([]byte("d1")), Author: author, Timestamp: time.Now(), Payload: []byte("payload")}
	d.Signature = Sign(priv, d)

	d.Payload = []byte("tampered")
	require.False(t, Ed25519Verifier{}.Verify(d))
}
