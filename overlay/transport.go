// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package overlay defines the network transport capability set the sync
// and broadcast layers are built on — an authenticated unicast stream
// primitive, topic-scoped gossip, and content-addressed blob fetch — plus
// a production implementation over libp2p/libp2p-pubsub and an in-memory
// implementation for tests.
//
// Grounded on spec §9's "dynamic dispatch over multiple network
// transports" design note: the protocol layer is parameterized over this
// capability set so the production and simulated paths share every line
// of protocol logic above the boundary.
package overlay

import (
	"context"
	"io"

	"github.com/calimero-network/core/ids"
)

// Stream is a bidirectional authenticated byte stream to one peer.
type Stream interface {
	io.ReadWriteCloser
	Peer() ids.NodeID
}

// Topic is a gossip publish/subscribe channel scoped to one context.
type Topic interface {
	Publish(ctx context.Context, frame []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Transport is the full capability set the sync manager, syncproto
// sessions, and broadcast plane depend on. Any implementation satisfying
// it plugs in without the protocol layer changing.
type Transport interface {
	// OpenStream dials peer and returns an authenticated stream, used by
	// the hash-comparison, catch-up, and snapshot protocols.
	OpenStream(ctx context.Context, peer ids.NodeID) (Stream, error)

	// Accept blocks until a remote peer opens a stream to this node.
	Accept(ctx context.Context) (Stream, error)

	// JoinTopic subscribes to (or creates, if absent) the gossip topic
	// for a context, used by the broadcast plane.
	JoinTopic(ctx context.Context, contextID ids.ID) (Topic, error)

	// FetchBlob retrieves a content-addressed blob by its hash, used for
	// application WASM modules referenced by id rather than inlined.
	FetchBlob(ctx context.Context, hash [32]byte) ([]byte, error)

	Close() error
}
