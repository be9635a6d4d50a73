// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package dag

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/calimero-network/core/ids"
)

// Ed25519Verifier is the production SignatureVerifier: a delta's Author
// field doubles as its raw Ed25519 public key (ids.FromPublicKey's
// contract), so no separate key registry is needed to verify a delta's
// signature.
type Ed25519Verifier struct{}

// SigningBytes returns the canonical byte sequence a delta's signature is
// computed over: every field except Signature itself, in a fixed order.
func SigningBytes(d Delta) []byte {
	buf := make([]byte, 0, ids.Len+len(d.Parents)*ids.Len+ids.Len+8+len(d.Payload))
	buf = append(buf, d.ID[:]...)
	for _, p := range d.Parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, d.Author[:]...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(d.Timestamp.UnixNano()))
	buf = append(buf, tsBytes[:]...)
	buf = append(buf, d.Payload...)
	return buf
}

func (Ed25519Verifier) Verify(d Delta) bool {
	if len(d.Author) != ids.Len || len(d.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(d.Author[:]), SigningBytes(d), d.Signature)
}

// Sign produces the signature a delta must carry for Ed25519Verifier to
// accept it, used by node.Node.SubmitActions when it emits a new delta.
func Sign(priv ed25519.PrivateKey, d Delta) []byte {
	return ed25519.Sign(priv, SigningBytes(d))
}
