// Copyright (C) 2021-2026, Calimero Network. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node wires storage, the delta DAG, the sync manager, the
// broadcast plane, the executor bridge, and the network overlay together
// per context. A Node holds no state beyond what's reachable from its
// context map: closing it drops every context's in-memory structures,
// matching spec §9's "no global state... dropped on shutdown" note.
//
// Grounded on the teacher's top-level engine wiring (engine/dag's
// DAGConsensus construction pulling together storage, network, and VM
// dependencies into one per-chain object) — generalized here from one
// engine per chain to one handle per context, all hung off a single
// node-wide transport and executor.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calimero-network/core/broadcast"
	"github.com/calimero-network/core/calerr"
	"github.com/calimero-network/core/config"
	"github.com/calimero-network/core/dag"
	"github.com/calimero-network/core/executor"
	"github.com/calimero-network/core/health"
	"github.com/calimero-network/core/hlc"
	"github.com/calimero-network/core/identity"
	"github.com/calimero-network/core/ids"
	"github.com/calimero-network/core/log"
	"github.com/calimero-network/core/metrics"
	"github.com/calimero-network/core/overlay"
	"github.com/calimero-network/core/storage"
	"github.com/calimero-network/core/store"
	"github.com/calimero-network/core/syncmgr"
	"github.com/calimero-network/core/syncproto/catchup"
	"github.com/calimero-network/core/syncproto/hashcmp"
	"github.com/calimero-network/core/syncproto/snapshot"
	"github.com/calimero-network/core/utils/linked"
	"github.com/calimero-network/core/utils/wrappers"
)

var ErrUnknownContext = errors.New("node: unknown context")

// ctxHandle is the per-context state a Node owns.
type ctxHandle struct {
	id            ids.ID
	applicationID ids.ID
	groupKey      [32]byte
	members       *identity.Set

	tree  *storage.Tree
	chain *dag.DAG
}

// Node is one Calimero process's runtime: a set of contexts sharing one
// key-value store, one network transport, one broadcast plane, and one
// executor runtime.
type Node struct {
	cfg    config.Config
	logger log.Logger
	self   ids.NodeID
	priv   ed25519.PrivateKey

	db        store.KVStore
	transport overlay.Transport
	plane     *broadcast.Plane
	runtime   executor.Runtime
	syncMgr   *syncmgr.Manager
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	contexts *linked.Hashmap[ids.ID, *ctxHandle]

	clock *hlc.Clock
	clg   *errgroup.Group
	cctx  context.Context
	stop  context.CancelFunc
}

// New wires a Node from its dependencies. priv is the node's Ed25519
// identity key, used both to derive self (per ids.FromPublicKey's
// "NodeID is a raw Ed25519 public key" contract) and to sign locally
// generated deltas.
func New(cfg config.Config, logger log.Logger, db store.KVStore, transport overlay.Transport, runtime executor.Runtime, priv ed25519.PrivateKey) (*Node, error) {
	if logger == nil {
		logger = log.NewNoOp()
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("node: private key did not yield an ed25519 public key")
	}
	selfID, err := ids.FromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	cctx, stop := context.WithCancel(context.Background())
	grp, _ := errgroup.WithContext(cctx)

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		self:      ids.NodeID(selfID),
		priv:      priv,
		db:        db,
		transport: transport,
		runtime:   runtime,
		contexts:  linked.NewHashmap[ids.ID, *ctxHandle](),
		clock:     hlc.NewClock(),
		clg:       grp,
		cctx:      cctx,
		stop:      stop,
	}
	n.plane = broadcast.New(transport)
	n.syncMgr = syncmgr.New(n.ancestry, logger)

	n.clg.Go(func() error { return n.heartbeatLoop(cctx) })
	n.clg.Go(func() error { return n.cleanupLoop(cctx) })
	return n, nil
}

// Self returns this node's identity.
func (n *Node) Self() ids.NodeID { return n.self }

// SetMetrics attaches a prometheus collector set. Safe to call at most
// once, before any context is created; a nil Node.metrics (the default)
// makes every instrumentation call a no-op.
func (n *Node) SetMetrics(m *metrics.Metrics) { n.metrics = m }

// ancestry is the syncmgr.HeadsAncestry callback: localHeads are all
// ancestors of peerHeads iff every local head is, itself, one of peerHeads
// or a transitive parent of one of them in this context's DAG. A local
// head the DAG has never heard of (e.g. the context hasn't been created
// yet) can't be confirmed as an ancestor, so the conservative answer there
// is "no" — falling through to hash comparison rather than a wrong catchup.
func (n *Node) ancestry(contextID ids.ID, localHeads, peerHeads []ids.ID) bool {
	if len(localHeads) == 0 {
		return false
	}
	h, ok := n.context(contextID)
	if !ok {
		return false
	}
	for _, head := range localHeads {
		if !h.chain.IsAncestor(head, peerHeads) {
			return false
		}
	}
	return true
}

// CreateContext brings up a new context: a fresh entity tree, an empty
// DAG, an application load into the executor runtime, and a broadcast
// subscription. Per spec §4.7, subscribing on creation is mandatory — a
// member that skips this misses every future broadcast.
func (n *Node) CreateContext(ctx context.Context, contextID, applicationID ids.ID, groupKey [32]byte, wasmBlob []byte, abiDigest [32]byte, members ...ids.NodeID) error {
	if err := n.runtime.LoadApplication(ctx, contextID, wasmBlob, abiDigest); err != nil {
		return fmt.Errorf("node: loading application: %w", err)
	}

	h := &ctxHandle{
		id:            contextID,
		applicationID: applicationID,
		groupKey:      groupKey,
		members:       identity.NewSet(),
		tree:          storage.NewTree(contextID, n.self, n.db),
		chain:         dag.New(dag.Ed25519Verifier{}),
	}
	// The creator gets every capability; everyone else joins with just
	// CapProxy, matching the teacher's validator pattern of granting the
	// chain's genesis validator full authority and onboarding the rest
	// with ordinary duties only.
	h.members.Add(identity.Identity{
		ID:           ids.ID(n.self),
		Capabilities: identity.CapManageMembers | identity.CapManageApplication | identity.CapProxy,
	})
	for _, m := range members {
		h.members.Add(identity.Identity{ID: ids.ID(m), Capabilities: identity.CapProxy})
	}

	n.mu.Lock()
	n.contexts.Put(contextID, h)
	n.mu.Unlock()

	n.syncMgr.SetState(contextID, syncmgr.Initialized)

	sink := &contextSink{node: n, contextID: contextID}
	if err := n.plane.JoinContext(ctx, contextID, groupKey, sink); err != nil {
		return fmt.Errorf("node: joining broadcast topic: %w", err)
	}
	return nil
}

// AddMember grants member an identity within contextID, provided caller
// already holds CapManageMembers there. Mirrors spec §7's ErrNotMember /
// ErrCapabilityDenied split: a caller who isn't a member at all gets
// ErrNotMember, one who is a member but lacks the capability gets
// ErrCapabilityDenied.
func (n *Node) AddMember(contextID ids.ID, caller ids.NodeID, member identity.Identity) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}
	if !h.members.IsMember(ids.ID(caller)) {
		return calerr.ErrNotMember
	}
	if !h.members.Authorize(ids.ID(caller), identity.CapManageMembers) {
		return calerr.ErrCapabilityDenied
	}
	h.members.Add(member)
	return nil
}

// RemoveMember revokes member's identity within contextID, provided
// caller holds CapManageMembers there.
func (n *Node) RemoveMember(contextID ids.ID, caller ids.NodeID, member ids.NodeID) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}
	if !h.members.IsMember(ids.ID(caller)) {
		return calerr.ErrNotMember
	}
	if !h.members.Authorize(ids.ID(caller), identity.CapManageMembers) {
		return calerr.ErrCapabilityDenied
	}
	h.members.Remove(ids.ID(member))
	return nil
}

// UpgradeApplication swaps the WASM module backing contextID, provided
// caller holds CapManageApplication there.
func (n *Node) UpgradeApplication(ctx context.Context, contextID ids.ID, caller ids.NodeID, wasmBlob []byte, abiDigest [32]byte) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}
	if !h.members.IsMember(ids.ID(caller)) {
		return calerr.ErrNotMember
	}
	if !h.members.Authorize(ids.ID(caller), identity.CapManageApplication) {
		return calerr.ErrCapabilityDenied
	}
	return n.runtime.LoadApplication(ctx, contextID, wasmBlob, abiDigest)
}

func (n *Node) context(contextID ids.ID) (*ctxHandle, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.contexts.Get(contextID)
	return h, ok
}

// treeApplier bridges dag.Applier to one context's storage.Tree: a
// delta's Payload is a JSON-encoded action batch, applied atomically via
// storage.Tree.ApplyActions.
type treeApplier struct {
	ctx  context.Context
	tree *storage.Tree
}

func (a *treeApplier) Apply(d dag.Delta) (dag.ApplyOutcome, error) {
	var actions []storage.Action
	if err := json.Unmarshal(d.Payload, &actions); err != nil {
		return dag.ApplyOutcome{}, calerr.NewDeterminism(fmt.Errorf("node: decoding delta payload: %w", err))
	}
	root, err := a.tree.ApplyActions(a.ctx, d.Author, hlc.New(d.Timestamp.UnixMilli(), 0), actions)
	if err != nil {
		if errors.Is(err, calerr.ErrPathDeleted) {
			return dag.ApplyOutcome{}, calerr.NewDeterminism(err)
		}
		return dag.ApplyOutcome{}, calerr.NewTransient(err)
	}
	return dag.ApplyOutcome{NewRoot: root}, nil
}

// SubmitActions runs a local write: it wraps actions as a delta parented
// on the context's current heads, adds it to the local DAG (which applies
// the actions to storage directly), and broadcasts it. The executor
// runtime is not invoked.
func (n *Node) SubmitActions(ctx context.Context, contextID ids.ID, actions []storage.Action) (ids.ID, error) {
	h, ok := n.context(contextID)
	if !ok {
		return ids.ID{}, ErrUnknownContext
	}
	if !h.members.Authorize(ids.ID(n.self), identity.CapProxy) {
		return ids.ID{}, calerr.ErrCapabilityDenied
	}

	payload, err := json.Marshal(actions)
	if err != nil {
		return ids.ID{}, err
	}

	heads := h.chain.GetHeads()
	ts := n.clock.Now()
	d := dag.Delta{
		Parents:   heads,
		Author:    n.self,
		Timestamp: time.UnixMilli(ts.Wall()),
		Payload:   payload,
	}
	d.ID = ids.FromBytes(payload, d.Author[:], []byte(ts.String()))
	d.Signature = dag.Sign(n.priv, d)

	applier := &treeApplier{ctx: ctx, tree: h.tree}
	result, err := h.chain.AddDelta(d, applier)
	if err != nil {
		return ids.ID{}, err
	}
	if result != dag.Applied {
		return d.ID, fmt.Errorf("node: locally generated delta did not apply immediately: %s", result)
	}

	if err := n.plane.PublishDelta(ctx, contextID, d, ts); err != nil {
		n.logger.Warn("broadcast publish failed", "context", contextID.String(), "err", err)
	}
	return d.ID, nil
}

// contextSink adapts a Node to broadcast.Sink for one context.
type contextSink struct {
	node      *Node
	contextID ids.ID
}

func (s *contextSink) OnDeltaFrame(f broadcast.DeltaFrame) {
	h, ok := s.node.context(s.contextID)
	if !ok {
		return
	}
	applier := &treeApplier{ctx: s.node.cctx, tree: h.tree}
	result, err := h.chain.AddDelta(f.Delta, applier)
	if err != nil {
		s.node.logger.Warn("rejecting delta frame", "context", s.contextID.String(), "delta", f.Delta.ID.String(), "err", err)
		return
	}
	if s.node.metrics != nil {
		switch result {
		case dag.Applied:
			s.node.metrics.DeltasApplied.WithLabelValues(s.contextID.String()).Inc()
		case dag.Pending:
			s.node.metrics.DeltasPending.WithLabelValues(s.contextID.String()).Inc()
		case dag.Duplicate:
			s.node.metrics.DeltasDuplicate.WithLabelValues(s.contextID.String()).Inc()
		}
	}
}

func (s *contextSink) OnHashHeartbeat(hb broadcast.HashHeartbeat) {
	h, ok := s.node.context(s.contextID)
	if !ok || hb.From == s.node.self {
		return
	}
	localRoot := h.tree.RootHash()
	peerView := syncmgr.PeerView{Heads: hb.Heads, RootHash: hb.RootHash, Timestamp: time.Now()}
	outcome := s.node.syncMgr.ObserveHeartbeat(s.contextID, hb.From, h.chain.GetHeads(), localRoot, peerView)
	if s.node.metrics != nil {
		s.node.metrics.HeartbeatsObserved.WithLabelValues(s.contextID.String(), fmt.Sprint(outcome)).Inc()
	}
	if outcome == syncmgr.Quiescent {
		return
	}
	s.node.logger.Debug("heartbeat divergence observed", "context", s.contextID.String(), "peer", hb.From.String(), "outcome", fmt.Sprint(outcome))
	go func() {
		if err := s.node.ReconcileWithPeer(s.node.cctx, s.contextID, hb.From, peerView); err != nil {
			s.node.logger.Warn("reconciliation failed", "context", s.contextID.String(), "peer", hb.From.String(), "err", err)
		}
	}()
}

// heartbeatLoop publishes this node's hash heartbeat for every context on
// cfg.HeartbeatInterval, fanning out with errgroup so one context's
// publish stall doesn't delay another's.
func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.mu.RLock()
			handles := make([]*ctxHandle, 0, n.contexts.Len())
			n.contexts.Iterate(func(_ ids.ID, h *ctxHandle) bool {
				handles = append(handles, h)
				return true
			})
			n.mu.RUnlock()

			grp, gctx := errgroup.WithContext(ctx)
			for _, h := range handles {
				h := h
				grp.Go(func() error {
					hb := broadcast.HashHeartbeat{
						ContextID: h.id,
						From:      n.self,
						Heads:     h.chain.GetHeads(),
						RootHash:  h.tree.RootHash(),
						HLC:       n.clock.Now(),
					}
					if err := n.plane.PublishHeartbeat(gctx, hb); err != nil {
						n.logger.Warn("heartbeat publish failed", "context", h.id.String(), "err", err)
						return nil
					}
					if n.metrics != nil {
						n.metrics.HeartbeatsSent.WithLabelValues(h.id.String()).Inc()
					}
					return nil
				})
			}
			_ = grp.Wait()
		}
	}
}

// cleanupLoop periodically evicts pending deltas past cfg.PendingTTL.
func (n *Node) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.mu.RLock()
			handles := make([]*ctxHandle, 0, n.contexts.Len())
			n.contexts.Iterate(func(_ ids.ID, h *ctxHandle) bool {
				handles = append(handles, h)
				return true
			})
			n.mu.RUnlock()

			for _, h := range handles {
				evicted := h.chain.CleanupStale(n.cfg.PendingTTL)
				if evicted > 0 {
					n.logger.Debug("evicted stale pending deltas", "context", h.id.String(), "count", evicted)
				}
				if n.metrics != nil {
					n.metrics.ObserveCleanup(h.id, evicted)
					n.metrics.PendingDepth.WithLabelValues(h.id.String()).Set(float64(h.chain.PendingCount()))
				}
			}
		}
	}
}

// ReconcileWithPeer runs one sync session against peer for contextID,
// choosing the strategy the sync manager selects. It is the entry point
// a node calls after an ordinary-divergence or silent-divergence
// heartbeat outcome, or on a fresh join.
func (n *Node) ReconcileWithPeer(ctx context.Context, contextID ids.ID, peer ids.NodeID, peerView syncmgr.PeerView) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}

	localHeads := h.chain.GetHeads()
	localRoot := h.tree.RootHash()
	strategy := n.syncMgr.SelectStrategy(contextID, localHeads, localRoot, peerView)

	priorState := n.syncMgr.State(contextID)
	sctx, ok := n.syncMgr.TryStartSync(ctx, contextID, peer, strategy, n.cfg.SyncTimeout)
	if !ok {
		return nil // coalesced into the already-running session
	}
	if n.metrics != nil {
		n.metrics.SyncStarted.WithLabelValues(contextID.String(), strategy.String()).Inc()
	}
	started := time.Now()

	// restoreState is what the session leaves the context in: Initialized
	// on success (recovering from Divergent or completing an initial
	// bootstrap), priorState unchanged on failure so a Divergent context
	// stays flagged for another attempt rather than silently clearing.
	restoreState := priorState
	var runErr error
	defer func() {
		if runErr == nil {
			restoreState = syncmgr.Initialized
		}
		if n.metrics != nil {
			outcome := "ok"
			if runErr != nil {
				outcome = "error"
			}
			n.metrics.SyncFinished.WithLabelValues(contextID.String(), strategy.String(), outcome).Inc()
			n.metrics.SyncDuration.WithLabelValues(contextID.String(), strategy.String()).Observe(time.Since(started).Seconds())
		}
		if n.syncMgr.FinishSync(contextID, peer, restoreState) {
			go func() { _ = n.ReconcileWithPeer(context.Background(), contextID, peer, peerView) }()
		}
	}()

	stream, err := n.transport.OpenStream(sctx, peer)
	if err != nil {
		runErr = fmt.Errorf("node: opening sync stream: %w", err)
		return runErr
	}
	defer stream.Close()

	switch strategy {
	case syncmgr.StrategySnapshot:
		res, err := snapshot.RunInitiator(sctx, stream, h.tree, h.applicationID)
		if err != nil {
			runErr = err
			return runErr
		}
		for _, head := range res.Heads {
			h.chain.SeedHead(head)
		}
		return nil

	case syncmgr.StrategyCatchup:
		want := make([]ids.ID, 0, len(peerView.Heads))
		localSet := ids.NewSet(localHeads...)
		for _, head := range peerView.Heads {
			if !localSet.Contains(head) {
				want = append(want, head)
			}
		}
		applier := &treeApplier{ctx: sctx, tree: h.tree}
		_, err := catchup.RunInitiator(sctx, stream, want, h.chain, applier)
		runErr = err
		return err

	case syncmgr.StrategyHashComparison:
		_, err := hashcmp.RunInitiator(sctx, stream, h.tree)
		runErr = err
		return err
	}
	return nil
}

// ServeHashComparison, ServeCatchup, and ServeSnapshot are the responder
// entry points for an inbound sync stream, one per protocol. A listener
// dispatches to the right one based on out-of-band knowledge of which
// protocol the initiator selected (e.g. a protocol id in the stream
// handshake), since the three wire frame sets are otherwise disjoint.
func (n *Node) ServeHashComparison(ctx context.Context, contextID ids.ID, stream overlay.Stream) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}
	return hashcmp.RunResponder(ctx, stream, h.tree)
}

func (n *Node) ServeCatchup(ctx context.Context, contextID ids.ID, stream overlay.Stream) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}
	return catchup.RunResponder(ctx, stream, h.chain)
}

func (n *Node) ServeSnapshot(ctx context.Context, contextID ids.ID, stream overlay.Stream, headIDs []ids.ID) error {
	h, ok := n.context(contextID)
	if !ok {
		return ErrUnknownContext
	}
	return snapshot.RunResponder(ctx, stream, h.tree, headIDs, h.applicationID)
}

// HealthCheck implements health.Checker: one Check per context reporting
// its sync state, head count, and pending-delta depth, rolled into a
// single Report that is unhealthy if any context is Divergent.
func (n *Node) HealthCheck(_ context.Context) (interface{}, error) {
	start := time.Now()

	n.mu.RLock()
	handles := make([]*ctxHandle, 0, n.contexts.Len())
	n.contexts.Iterate(func(_ ids.ID, h *ctxHandle) bool {
		handles = append(handles, h)
		return true
	})
	n.mu.RUnlock()

	report := health.Report{Healthy: true, Checks: make([]health.Check, 0, len(handles))}
	for _, h := range handles {
		state := n.syncMgr.State(h.id)
		healthy := state != syncmgr.Divergent
		report.Healthy = report.Healthy && healthy
		report.Checks = append(report.Checks, health.Check{
			Name:    h.id.String(),
			Healthy: healthy,
			Details: map[string]interface{}{
				"state":   state.String(),
				"heads":   len(h.chain.GetHeads()),
				"pending": h.chain.PendingCount(),
			},
		})
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Close tears down every background loop and broadcast subscription. It
// does not close the underlying store or transport, which the caller
// owns.
func (n *Node) Close() error {
	n.stop()
	_ = n.clg.Wait()

	n.mu.Lock()
	contextIDs := make([]ids.ID, 0, n.contexts.Len())
	n.contexts.Iterate(func(id ids.ID, _ *ctxHandle) bool {
		contextIDs = append(contextIDs, id)
		return true
	})
	n.mu.Unlock()

	var errs wrappers.Errs
	for _, id := range contextIDs {
		errs.Add(n.plane.LeaveContext(id))
	}
	return errs.Err()
}
