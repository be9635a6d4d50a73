// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

package overlay

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/calimero-network/core/ids"
)

// MemNetwork wires a set of MemTransports together in-process — the
// simulated path named in spec §9: the protocol layer drives a
// MemNetwork exactly like a libp2p-backed one, since both satisfy
// Transport.
type MemNetwork struct {
	mu     sync.Mutex
	nodes  map[ids.NodeID]*MemTransport
	blobs  map[[32]byte][]byte
	topics map[ids.ID]*memTopic
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes:  make(map[ids.NodeID]*MemTransport),
		blobs:  make(map[[32]byte][]byte),
		topics: make(map[ids.ID]*memTopic),
	}
}

func (n *MemNetwork) PutBlob(hash [32]byte, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blobs[hash] = data
}

// NewTransport registers and returns a transport for self on this
// network.
func (n *MemNetwork) NewTransport(self ids.NodeID) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemTransport{self: self, net: n, incoming: make(chan Stream, 16)}
	n.nodes[self] = t
	return t
}

func (n *MemNetwork) topic(contextID ids.ID) *memTopic {
	n.mu.Lock()
	defer n.mu.Unlock()
	top, ok := n.topics[contextID]
	if !ok {
		top = &memTopic{}
		n.topics[contextID] = top
	}
	return top
}

// MemTransport is an in-process Transport implementation.
type MemTransport struct {
	self     ids.NodeID
	net      *MemNetwork
	incoming chan Stream
}

// pipeStream pairs one end of two independent io.Pipes into a Stream: the
// local side's writes feed the remote side's reads and vice versa.
type pipeStream struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	peer ids.NodeID
}

func (s *pipeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *pipeStream) Close() error {
	_ = s.r.Close()
	return s.w.Close()
}
func (s *pipeStream) Peer() ids.NodeID { return s.peer }

func (t *MemTransport) OpenStream(_ context.Context, peer ids.NodeID) (Stream, error) {
	t.net.mu.Lock()
	remote, ok := t.net.nodes[peer]
	t.net.mu.Unlock()
	if !ok {
		return nil, errors.New("overlay: peer not registered on mem network")
	}

	// a/b carries local->remote bytes, c/d carries remote->local bytes.
	a, b := io.Pipe()
	c, d := io.Pipe()
	localSide := &pipeStream{r: c, w: b, peer: peer}
	remoteSide := &pipeStream{r: a, w: d, peer: t.self}

	select {
	case remote.incoming <- remoteSide:
	default:
		return nil, errors.New("overlay: peer's incoming queue is full")
	}
	return localSide, nil
}

func (t *MemTransport) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-t.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemTransport) JoinTopic(_ context.Context, contextID ids.ID) (Topic, error) {
	return &memTopicHandle{topic: t.net.topic(contextID)}, nil
}

func (t *MemTransport) FetchBlob(_ context.Context, hash [32]byte) ([]byte, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	data, ok := t.net.blobs[hash]
	if !ok {
		return nil, errors.New("overlay: blob not found")
	}
	return data, nil
}

func (t *MemTransport) Close() error { return nil }

// memTopic fans out published frames to every subscriber sharing one
// context across the whole network.
type memTopic struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (top *memTopic) publish(frame []byte) {
	top.mu.Lock()
	defer top.mu.Unlock()
	for _, ch := range top.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (top *memTopic) subscribe() <-chan []byte {
	top.mu.Lock()
	defer top.mu.Unlock()
	ch := make(chan []byte, 64)
	top.subs = append(top.subs, ch)
	return ch
}

// memTopicHandle is the per-caller Topic view over a shared memTopic.
type memTopicHandle struct {
	topic *memTopic
}

func (h *memTopicHandle) Publish(_ context.Context, frame []byte) error {
	h.topic.publish(frame)
	return nil
}

func (h *memTopicHandle) Subscribe(_ context.Context) (<-chan []byte, error) {
	return h.topic.subscribe(), nil
}

func (h *memTopicHandle) Close() error { return nil }
