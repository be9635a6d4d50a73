// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package syncmgr coordinates, per context, reconciliation with peers
// using one of three strategies (hash comparison, delta catch-up,
// snapshot transfer), tracks hash heartbeats to detect silent divergence,
// and enforces at-most-one concurrent sync per (context, peer) pair.
//
// Grounded on the teacher's bootstrap state machine (bootstrap/common.go):
// a per-subject state enum driven by peer triggers, with an in-flight
// request set preventing duplicate work — generalized here from one
// bootstrapper per chain to one state machine per context, and from
// chain bootstrap's single linear strategy to a three-way selection.
package syncmgr

import (
	"context"
	"sync"
	"time"

	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/log"
)

// State is a context's sync lifecycle stage.
type State uint8

const (
	Uninitialized State = iota
	Initialized
	Syncing
	Divergent
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Syncing:
		return "syncing"
	case Divergent:
		return "divergent"
	default:
		return "unknown"
	}
}

// Strategy is the reconciliation approach chosen for a sync trigger.
type Strategy uint8

const (
	StrategySnapshot Strategy = iota
	StrategyCatchup
	StrategyHashComparison
)

func (s Strategy) String() string {
	switch s {
	case StrategySnapshot:
		return "snapshot"
	case StrategyCatchup:
		return "catchup"
	case StrategyHashComparison:
		return "hash-comparison"
	default:
		return "unknown"
	}
}

// PeerView is what a node knows about a peer's DAG state, refreshed by
// heartbeats or sync responses.
type PeerView struct {
	Heads     []ids.ID
	RootHash  [32]byte
	Timestamp time.Time
}

// HeadsAncestry answers whether localHeads are all ancestors of the
// peer's DAG (used by step 2 of the selection algorithm) — callers
// supply this from the DAG package, since syncmgr has no DAG access of
// its own. contextID selects which context's DAG to walk.
type HeadsAncestry func(contextID ids.ID, localHeads, peerHeads []ids.ID) bool

// syncSession tracks the one allowed in-flight sync for a (context, peer)
// pair.
type syncSession struct {
	strategy  Strategy
	peer      ids.NodeID
	startedAt time.Time
	deadline  time.Time
	cancel    context.CancelFunc
	resyncDue bool // a new trigger arrived while this session was active
}

// contextState is the per-context bookkeeping the manager mutates under
// its own lock.
type contextState struct {
	state         State
	lastHeartbeat map[ids.NodeID]PeerView
	inflight      map[ids.NodeID]*syncSession
}

// Manager is the sync manager for all contexts known to this node.
type Manager struct {
	mu       sync.Mutex
	contexts map[ids.ID]*contextState
	ancestry HeadsAncestry
	logger   log.Logger
}

func New(ancestry HeadsAncestry, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNoOp()
	}
	return &Manager{
		contexts: make(map[ids.ID]*contextState),
		ancestry: ancestry,
		logger:   logger,
	}
}

func (m *Manager) ensure(contextID ids.ID) *contextState {
	cs, ok := m.contexts[contextID]
	if !ok {
		cs = &contextState{
			state:         Uninitialized,
			lastHeartbeat: make(map[ids.NodeID]PeerView),
			inflight:      make(map[ids.NodeID]*syncSession),
		}
		m.contexts[contextID] = cs
	}
	return cs
}

// SetState forces a context's state, used when storage/DAG bootstrap
// completes outside the sync trigger path (e.g. after local genesis).
func (m *Manager) SetState(contextID ids.ID, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(contextID).state = state
}

func (m *Manager) State(contextID ids.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensure(contextID).state
}

// SelectStrategy implements the spec's three-step selection algorithm.
func (m *Manager) SelectStrategy(contextID ids.ID, localHeads []ids.ID, localRoot [32]byte, peer PeerView) Strategy {
	m.mu.Lock()
	state := m.ensure(contextID).state
	m.mu.Unlock()

	if state == Uninitialized {
		return StrategySnapshot
	}
	if m.ancestry != nil && m.ancestry(contextID, localHeads, peer.Heads) {
		return StrategyCatchup
	}
	return StrategyHashComparison
}

// HeartbeatOutcome classifies a received heartbeat against local state.
type HeartbeatOutcome uint8

const (
	Quiescent HeartbeatOutcome = iota
	SilentDivergence
	OrdinaryDivergence
)

// ObserveHeartbeat records a peer's heartbeat and classifies it relative
// to the local heads/root, per spec §4.3.
func (m *Manager) ObserveHeartbeat(contextID ids.ID, peer ids.NodeID, localHeads []ids.ID, localRoot [32]byte, remote PeerView) HeartbeatOutcome {
	m.mu.Lock()
	cs := m.ensure(contextID)
	cs.lastHeartbeat[peer] = remote
	m.mu.Unlock()

	sameHeads := headSetsEqual(localHeads, remote.Heads)
	sameRoot := localRoot == remote.RootHash

	switch {
	case sameHeads && sameRoot:
		return Quiescent
	case sameHeads && !sameRoot:
		m.mu.Lock()
		cs.state = Divergent
		m.mu.Unlock()
		return SilentDivergence
	default:
		return OrdinaryDivergence
	}
}

func headSetsEqual(a, b []ids.ID) bool {
	if len(a) != len(b) {
		return false
	}
	as := ids.NewSet(a...)
	for _, id := range b {
		if !as.Contains(id) {
			return false
		}
	}
	return true
}

// TryStartSync attempts to begin a sync for (contextID, peer). It returns
// ok=false if a sync with that peer is already active, in which case the
// active session is marked to re-sync once it completes (coalescing,
// spec §4.3 "Concurrency").
func (m *Manager) TryStartSync(parent context.Context, contextID ids.ID, peer ids.NodeID, strategy Strategy, timeout time.Duration) (ctx context.Context, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.ensure(contextID)
	if existing, active := cs.inflight[peer]; active {
		existing.resyncDue = true
		return nil, false
	}

	sctx, cancel := context.WithTimeout(parent, timeout)
	cs.inflight[peer] = &syncSession{
		strategy:  strategy,
		peer:      peer,
		startedAt: time.Now(),
		deadline:  time.Now().Add(timeout),
		cancel:    cancel,
	}
	cs.state = Syncing
	return sctx, true
}

// FinishSync ends the active session for (contextID, peer) and restores
// the context to priorState (Initialized or Divergent). resyncNeeded
// reports whether a re-sync was requested while this session ran, so the
// caller can trigger another round immediately.
func (m *Manager) FinishSync(contextID ids.ID, peer ids.NodeID, priorState State) (resyncNeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.ensure(contextID)
	session, ok := cs.inflight[peer]
	if !ok {
		return false
	}
	session.cancel()
	delete(cs.inflight, peer)
	cs.state = priorState
	return session.resyncDue
}

// CancelSync tears down an in-flight session on timeout, restoring the
// context to priorState — callers are responsible for rolling back any
// partial storage changes before calling this.
func (m *Manager) CancelSync(contextID ids.ID, peer ids.NodeID, priorState State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.ensure(contextID)
	if session, ok := cs.inflight[peer]; ok {
		session.cancel()
		delete(cs.inflight, peer)
	}
	cs.state = priorState
}

// IsSyncing reports whether (contextID, peer) currently has an active
// session.
func (m *Manager) IsSyncing(contextID ids.ID, peer ids.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.ensure(contextID)
	_, ok := cs.inflight[peer]
	return ok
}
