// internal/hive/hive.go
package hive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/dedup"
	"github.com/hexdaemon/cl-hive-sub001/internal/gossip"
	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/intent"
	"github.com/hexdaemon/cl-hive-sub001/internal/limiter"
	"github.com/hexdaemon/cl-hive-sub001/internal/outbox"
	"github.com/hexdaemon/cl-hive-sub001/internal/peer"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/relay"
	"github.com/hexdaemon/cl-hive-sub001/internal/telemetry"
	"github.com/hexdaemon/cl-hive-sub001/internal/transport"
)

const registryFlushInterval = time.Minute

// ErrNoPeers means a member of a non-trivial fleet cannot currently reach
// anyone, so a lock acquisition would resolve against an empty hold window
// and could conflict with a commit it never saw.
var ErrNoPeers = errors.New("hive: no reachable peers")

// Options tune one node. Zero values fall back to defaults suitable for a
// small fleet on ordinary links.
type Options struct {
	DataDir    string
	ListenAddr string

	HeartbeatInterval time.Duration
	TimestampWindow   time.Duration
	HoldWindow        time.Duration
	RelayTTL          int
	MinSchemaVersion  uint16
	RateLimit         float64
	RateBurst         float64
	Capabilities      []string
}

func (o *Options) fillDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = gossip.DefaultHeartbeatInterval
	}
	if o.TimestampWindow <= 0 {
		o.TimestampWindow = 5 * time.Minute
	}
	if o.HoldWindow <= 0 {
		o.HoldWindow = intent.DefaultHoldWindow
	}
	if o.RelayTTL <= 0 {
		o.RelayTTL = 3
	}
	if o.MinSchemaVersion == 0 {
		o.MinSchemaVersion = proto.SchemaVersion
	}
	if o.RateLimit <= 0 {
		o.RateLimit = limiter.DefaultRate
	}
	if o.RateBurst <= 0 {
		o.RateBurst = limiter.DefaultBurst
	}
}

// Message is a fully verified inbound message as handed to collaborator
// handlers: decoded, rate-admitted, signature-checked and deduplicated.
type Message struct {
	Kind      proto.Kind
	Sender    proto.NodeID
	Timestamp int64
	MsgID     proto.MsgID
	Body      []byte
}

// Handler receives verified messages for one kind. Handlers run on the
// dispatch goroutine; anything slow belongs in the handler's own worker.
type Handler func(Message)

// Node is the coordination substrate: envelope codec, identity, gossip,
// relay, reliability and intent locks behind one collaborator API.
type Node struct {
	self     proto.NodeID
	signer   hivecrypto.Signer
	verifier hivecrypto.Verifier
	opts     Options
	log      *zap.Logger
	metrics  *telemetry.Metrics

	registry *peer.Registry
	invites  *peer.InviteLedger
	guard    *dedup.Guard
	limits   *limiter.Limiter
	gossip   *gossip.Engine
	relays   *relay.Manager
	locks    *intent.Manager
	queue    *outbox.Queue
	tp       transport.Transport

	mu         sync.Mutex
	handlers   map[proto.Kind][]Handler
	pendingHS  map[proto.NodeID]*pendingHandshake
	joinWaiter *joinSession
}

func New(opts Options, signer hivecrypto.Signer, verifier hivecrypto.Verifier, tp transport.Transport, log *zap.Logger) (*Node, error) {
	opts.fillDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	self := proto.DeriveNodeID(signer.PublicKey())
	log = log.With(zap.String("node", self.Hex()[:12]))

	path := func(name string) string {
		if opts.DataDir == "" {
			return ""
		}
		return filepath.Join(opts.DataDir, name)
	}
	registry, err := peer.NewRegistry(path("peers.jsonl"), 0)
	if err != nil {
		return nil, fmt.Errorf("peer registry: %w", err)
	}
	invites, err := peer.NewInviteLedger(path("invites.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("invite ledger: %w", err)
	}
	guard, err := dedup.New(path("dedup.jsonl"), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("dedup guard: %w", err)
	}
	locks, err := intent.New(self, path("fencing.jsonl"), log)
	if err != nil {
		return nil, fmt.Errorf("intent manager: %w", err)
	}
	locks.PendingTTL = opts.HoldWindow + intent.DefaultPendingTTL

	n := &Node{
		self:      self,
		signer:    signer,
		verifier:  verifier,
		opts:      opts,
		log:       log,
		metrics:   telemetry.New(),
		registry:  registry,
		invites:   invites,
		guard:     guard,
		limits:    limiter.New(opts.RateLimit, opts.RateBurst, 0),
		gossip:    gossip.NewEngine(self, log),
		relays:    relay.New(0, 0),
		locks:     locks,
		tp:        tp,
		handlers:  make(map[proto.Kind][]Handler),
		pendingHS: make(map[proto.NodeID]*pendingHandshake),
	}
	n.queue, err = outbox.New(path("outbox.jsonl"), n.sendFrame, log)
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	n.queue.OnFailed = func(e outbox.Entry) {
		n.registry.MarkStale(e.Dest)
		n.log.Warn("delivery abandoned",
			zap.String("dest", e.Dest.Hex()),
			zap.String("msg_id", e.MsgID.Hex()),
			zap.String("reason", e.LastError))
	}
	return n, nil
}

func (n *Node) ID() proto.NodeID            { return n.self }
func (n *Node) PublicKey() []byte           { return n.signer.PublicKey() }
func (n *Node) Registry() *peer.Registry    { return n.registry }
func (n *Node) Metrics() *telemetry.Metrics { return n.metrics }

// Run serves inbound traffic and drives the periodic loops until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.tp.Listen(ctx, n.opts.ListenAddr, n.HandleFrame)
	}()
	go n.queue.Run(ctx)
	go n.heartbeatLoop(ctx)
	go n.sweepLoop(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastHeartbeat(ctx)
		}
	}
}

func (n *Node) broadcastHeartbeat(ctx context.Context) {
	hb, ok := n.gossip.Heartbeat()
	if !ok {
		return
	}
	body, err := proto.EncodeHeartbeatBody(hb)
	if err != nil {
		n.log.Warn("encode heartbeat", zap.Error(err))
		return
	}
	if _, err := n.Publish(ctx, proto.KindHeartbeat, body, nil, false); err != nil {
		n.log.Debug("heartbeat publish", zap.Error(err))
	}
}

func (n *Node) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastFlush := time.Now()
	for {
		select {
		case <-ctx.Done():
			if err := n.registry.Flush(); err != nil {
				n.log.Warn("registry flush", zap.Error(err))
			}
			return
		case now := <-ticker.C:
			if expired := n.locks.Sweep(now); expired > 0 {
				n.metrics.LocksExpired.Add(float64(expired))
			}
			n.registry.MarkStaleBefore(now)
			// Touch updates last-seen in memory only; flush them to disk
			// periodically so a restart starts from a recent view.
			if now.Sub(lastFlush) >= registryFlushInterval {
				lastFlush = now
				if err := n.registry.Flush(); err != nil {
					n.log.Warn("registry flush", zap.Error(err))
				}
			}
		}
	}
}

// OnMessage registers a collaborator handler for one kind. Registering for
// substrate kinds is allowed; the internal handler runs first.
func (n *Node) OnMessage(kind proto.Kind, h Handler) {
	n.mu.Lock()
	n.handlers[kind] = append(n.handlers[kind], h)
	n.mu.Unlock()
}

// SetPayload publishes a new local member snapshot to the fleet. The version
// counter bumps on every call; the heartbeat loop carries it outward.
func (n *Node) SetPayload(ctx context.Context, p proto.MemberPayload) {
	n.gossip.SetLocalPayload(p)
	n.broadcastHeartbeat(ctx)
}

// PeerState returns the gossiped state for one fleet member.
func (n *Node) PeerState(id proto.NodeID) (proto.MemberState, bool) {
	return n.gossip.Map.Get(id)
}

// AggregateHash is the node's current whole-map digest. Two nodes with equal
// hashes hold identical views.
func (n *Node) AggregateHash() [32]byte {
	return n.gossip.Map.AggregateHash()
}

// Publish signs and sends one message. A nil targets slice broadcasts to all
// active peers with relay headroom. Critical messages go through the durable
// outbox and are retried until acked or the retry budget runs out;
// non-critical ones are fire-and-forget.
func (n *Node) Publish(ctx context.Context, kind proto.Kind, body []byte, targets []proto.NodeID, critical bool) (proto.MsgID, error) {
	return n.publishAt(ctx, kind, body, targets, critical, time.Now().UnixMilli())
}

func (n *Node) publishAt(ctx context.Context, kind proto.Kind, body []byte, targets []proto.NodeID, critical bool, ts int64) (proto.MsgID, error) {
	broadcast := targets == nil
	if broadcast {
		targets = n.registry.ActiveIDs(time.Now())
	}
	env := proto.Envelope{
		Version:   proto.SchemaVersion,
		Kind:      kind,
		Sender:    n.self,
		Timestamp: ts,
		MsgID:     proto.ComputeMsgID(kind, n.self, body),
		Body:      body,
	}
	if broadcast {
		env.TTL = n.opts.RelayTTL
	}
	sig, err := n.signer.Sign(proto.SigningDigest(kind, n.self, ts, env.MsgID, body))
	if err != nil {
		return proto.MsgID{}, fmt.Errorf("sign: %w", err)
	}
	env.Sig = sig
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return proto.MsgID{}, err
	}

	var firstErr error
	sent := 0
	for _, target := range targets {
		if target == n.self {
			continue
		}
		if critical {
			err = n.queue.Enqueue(env.MsgID, target, kind, frame)
		} else {
			err = n.sendFrame(target, frame)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == nil {
			sent++
		}
	}
	if critical && sent > 0 {
		go n.queue.Tick(time.Now())
	}
	n.metrics.Published.WithLabelValues(kind.String()).Add(float64(sent))
	if sent == 0 && firstErr != nil {
		return env.MsgID, firstErr
	}
	return env.MsgID, nil
}

func (n *Node) sendFrame(dest proto.NodeID, frame []byte) error {
	m, ok := n.registry.Get(dest)
	if !ok || m.Addr == "" {
		return fmt.Errorf("no address for %s: %w", dest.Hex(), peer.ErrUnknownPeer)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.tp.Send(ctx, m.Addr, frame)
}

// AcquireIntent runs one full distributed acquisition: broadcast the
// request, sit out the hold window collecting competitors, then resolve the
// tie-break. On a win the commit is broadcast and the fencing token
// returned; on a loss the attempt ends with intent.ErrLost.
func (n *Node) AcquireIntent(ctx context.Context, target string, ttl time.Duration) (uint64, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if n.registry.Len() > 0 && len(n.registry.ActiveIDs(time.Now())) == 0 {
		return 0, ErrNoPeers
	}
	requestID := newRequestID()
	ts := time.Now().UnixMilli()
	if err := n.locks.Observe(target, n.self, requestID, ts, ttl, time.Now()); err != nil {
		return 0, err
	}
	body, err := proto.EncodeLockRequestBody(proto.LockRequestBody{
		Target:    target,
		RequestID: requestID,
		TTLSec:    uint32(ttl / time.Second),
	})
	if err != nil {
		return 0, err
	}
	if _, err := n.publishAt(ctx, proto.KindLockRequest, body, nil, true, ts); err != nil {
		n.log.Debug("lock request publish", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(n.opts.HoldWindow):
	}

	token, err := n.locks.Resolve(target, requestID, time.Now())
	if err != nil {
		n.metrics.LocksRejected.Inc()
		return 0, err
	}
	commit, err := proto.EncodeLockCommitBody(proto.LockCommitBody{
		Target:       target,
		RequestID:    requestID,
		FencingToken: token,
		TTLSec:       uint32(ttl / time.Second),
	})
	if err != nil {
		return 0, err
	}
	if _, err := n.Publish(ctx, proto.KindLockCommit, commit, nil, true); err != nil {
		n.log.Debug("lock commit publish", zap.Error(err))
	}
	n.metrics.LocksCommitted.Inc()
	return token, nil
}

// ReleaseIntent frees a lock this node holds and tells the fleet.
func (n *Node) ReleaseIntent(ctx context.Context, target string) error {
	now := time.Now()
	l, ok := n.locks.Holder(target, now)
	if !ok {
		return nil
	}
	if l.Holder != n.self {
		return intent.ErrNotHolder
	}
	if err := n.locks.Release(target, n.self, l.FencingToken, now); err != nil {
		return err
	}
	body, err := proto.EncodeLockReleaseBody(proto.LockReleaseBody{
		Target:       target,
		FencingToken: l.FencingToken,
	})
	if err != nil {
		return err
	}
	if _, err := n.Publish(ctx, proto.KindLockRelease, body, nil, true); err != nil {
		n.log.Debug("lock release publish", zap.Error(err))
	}
	return nil
}

// Locks lists the node's current view of committed locks.
func (n *Node) Locks() []intent.Lock {
	return n.locks.Snapshot(time.Now())
}

// ForceReleaseIntent is the operator escape hatch for a stuck lock.
func (n *Node) ForceReleaseIntent(target string) bool {
	return n.locks.ForceRelease(target)
}
