// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package overlay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core/ids"
)

const protocolID = "/calimero/sync/1.0.0"

// LibP2PTransport is the production Transport: authenticated streams over
// a libp2p host, and topic gossip over libp2p-pubsub, matching the
// dependency pair the wider example pack already pulls in for exactly
// this role.
type LibP2PTransport struct {
	host host.Host
	ps   *pubsub.PubSub

	mu       sync.Mutex
	incoming chan Stream
	topics   map[ids.ID]*pubsub.Topic

	blobFetch func(ctx context.Context, hash [32]byte) ([]byte, error)
}

// NewLibP2PTransport brings up a libp2p host listening on listenAddr
// using the node's Ed25519 identity key, and wires a gossipsub router
// over it.
func NewLibP2PTransport(ctx context.Context, listenAddr string, priv ed25519.PrivateKey, blobFetch func(context.Context, [32]byte) ([]byte, error)) (*LibP2PTransport, error) {
	sk, _, err := crypto.KeyPairFromStdKey(priv)
	if err != nil {
		return nil, fmt.Errorf("overlay: deriving libp2p key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(sk),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("overlay: starting libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("overlay: starting gossipsub: %w", err)
	}

	t := &LibP2PTransport{
		host:      h,
		ps:        ps,
		incoming:  make(chan Stream, 64),
		topics:    make(map[ids.ID]*pubsub.Topic),
		blobFetch: blobFetch,
	}

	h.SetStreamHandler(protocolID, func(s network.Stream) {
		peerID, err := nodeIDFromPeer(s.Conn().RemotePeer())
		if err != nil {
			s.Reset()
			return
		}
		select {
		case t.incoming <- &libp2pStream{Stream: s, peer: peerID}:
		default:
			s.Reset()
		}
	})

	return t, nil
}

func nodeIDFromPeer(p peer.ID) (ids.NodeID, error) {
	pub, err := p.ExtractPublicKey()
	if err != nil {
		var empty ids.NodeID
		return empty, err
	}
	raw, err := pub.Raw()
	if err != nil {
		var empty ids.NodeID
		return empty, err
	}
	id, err := ids.FromPublicKey(raw)
	return ids.NodeID(id), err
}

// libp2pStream adapts a libp2p network.Stream to the overlay.Stream
// interface.
type libp2pStream struct {
	network.Stream
	peer ids.NodeID
}

func (s *libp2pStream) Peer() ids.NodeID { return s.peer }

func (t *LibP2PTransport) OpenStream(ctx context.Context, peerNode ids.NodeID) (Stream, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(peerNode[:])
	if err != nil {
		return nil, fmt.Errorf("overlay: invalid peer public key: %w", err)
	}
	peerID, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("overlay: deriving peer id: %w", err)
	}
	s, err := t.host.NewStream(ctx, peerID, protocolID)
	if err != nil {
		return nil, err
	}
	return &libp2pStream{Stream: s, peer: peerNode}, nil
}

func (t *LibP2PTransport) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-t.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *LibP2PTransport) JoinTopic(_ context.Context, contextID ids.ID) (Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	top, ok := t.topics[contextID]
	if !ok {
		joined, err := t.ps.Join(contextID.String())
		if err != nil {
			return nil, err
		}
		top = joined
		t.topics[contextID] = top
	}
	return &libp2pTopic{topic: top}, nil
}

func (t *LibP2PTransport) FetchBlob(ctx context.Context, hash [32]byte) ([]byte, error) {
	if t.blobFetch == nil {
		return nil, errors.New("overlay: no blob fetch configured")
	}
	return t.blobFetch(ctx, hash)
}

func (t *LibP2PTransport) Close() error {
	return t.host.Close()
}

type libp2pTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

func (h *libp2pTopic) Publish(ctx context.Context, frame []byte) error {
	return h.topic.Publish(ctx, frame)
}

func (h *libp2pTopic) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub, err := h.topic.Subscribe()
	if err != nil {
		return nil, err
	}
	h.sub = sub

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (h *libp2pTopic) Close() error {
	if h.sub != nil {
		h.sub.Cancel()
	}
	return h.topic.Close()
}
