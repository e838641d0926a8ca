// internal/hive/inbound.go
package hive

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/intent"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/relay"
)

// HandleFrame is the single entry point for inbound traffic. The pipeline
// order is fixed: decode, rate limit, sender gate, timestamp window,
// signature, structural validation, dedup, then dispatch and relay. Nothing
// reaches a state-mutating handler without clearing every stage.
func (n *Node) HandleFrame(frame []byte) {
	env, err := proto.DecodeEnvelope(frame, n.opts.MinSchemaVersion)
	if err != nil {
		n.drop("decode", zap.Error(err))
		return
	}
	if env.Sender == n.self {
		// Own broadcast coming back over a relay path.
		return
	}
	if !n.limits.Allow(env.Sender, env.Kind) {
		n.drop("rate_limit",
			zap.String("sender", env.Sender.Hex()),
			zap.String("kind", env.Kind.String()))
		return
	}

	pub, known := n.registry.PubKey(env.Sender)
	if !known {
		if !env.Kind.Handshake() {
			n.drop("unknown_sender", zap.String("sender", env.Sender.Hex()))
			return
		}
		pub = n.handshakePubKey(env)
		if pub == nil {
			n.drop("handshake_identity", zap.String("kind", env.Kind.String()))
			return
		}
	}

	now := time.Now()
	skew := now.UnixMilli() - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > n.opts.TimestampWindow.Milliseconds() {
		n.drop("replay_suspect",
			zap.String("sender", env.Sender.Hex()),
			zap.Int64("skew_ms", skew))
		return
	}

	digest := proto.SigningDigest(env.Kind, env.Sender, env.Timestamp, env.MsgID, env.Body)
	if !n.verifier.Verify(pub, digest, env.Sig) {
		n.drop("bad_signature", zap.String("sender", env.Sender.Hex()))
		return
	}
	if env.MsgID != proto.ComputeMsgID(env.Kind, env.Sender, env.Body) {
		n.drop("msg_id_mismatch", zap.String("sender", env.Sender.Hex()))
		return
	}
	if err := proto.ValidateBody(env.Kind, env.Body); err != nil {
		n.drop("validation",
			zap.String("sender", env.Sender.Hex()),
			zap.String("kind", env.Kind.String()),
			zap.Error(err))
		return
	}

	// Handshake kinds skip the replay guard: a joiner retrying with the
	// same invite resends a byte-identical HELLO, and the challenge nonce
	// already gives the exchange its freshness.
	if !env.Kind.Handshake() {
		fresh, err := n.guard.MarkIfNew(env.Sender, env.MsgID)
		if err != nil {
			n.log.Warn("dedup persist", zap.Error(err))
		}
		if !fresh {
			// A retransmission of an already-applied critical message
			// usually means our ack was lost; answer it again, apply
			// nothing.
			if ackable(env.Kind) {
				n.sendAck(env)
			}
			n.drop("duplicate", zap.String("msg_id", env.MsgID.Hex()))
			return
		}
	}

	if known {
		n.registry.Touch(env.Sender, now)
	}
	n.metrics.Received.WithLabelValues(env.Kind.String()).Inc()

	n.dispatch(env, now)

	if ackable(env.Kind) {
		n.sendAck(env)
	}
	n.maybeRelay(env)
}

func (n *Node) drop(reason string, fields ...zap.Field) {
	n.metrics.Dropped.WithLabelValues(reason).Inc()
	n.log.Debug("dropped "+reason, fields...)
}

// ackable kinds are the state-changing ones whose senders run a retry loop.
func ackable(k proto.Kind) bool {
	switch k {
	case proto.KindLockRequest, proto.KindLockCommit, proto.KindLockRelease:
		return true
	}
	return k >= proto.KindAppBase
}

func (n *Node) sendAck(env proto.Envelope) {
	body, err := proto.EncodeAckBody(proto.AckBody{AckMsgID: env.MsgID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.Publish(ctx, proto.KindAck, body, []proto.NodeID{env.Sender}, false); err != nil {
		n.log.Debug("ack send", zap.Error(err))
		return
	}
	n.metrics.Acked.Inc()
}

func (n *Node) dispatch(env proto.Envelope, now time.Time) {
	switch env.Kind {
	case proto.KindHello:
		n.onHello(env)
	case proto.KindChallenge:
		n.onChallenge(env)
	case proto.KindAttest:
		n.onAttest(env, now)
	case proto.KindWelcome:
		n.onWelcome(env, now)
	case proto.KindHeartbeat:
		n.onHeartbeat(env)
	case proto.KindStatePull:
		n.onStatePull(env)
	case proto.KindStatePush:
		n.onStatePush(env)
	case proto.KindLockRequest:
		n.onLockRequest(env, now)
	case proto.KindLockCommit:
		n.onLockCommit(env, now)
	case proto.KindLockRelease:
		n.onLockRelease(env, now)
	case proto.KindAck:
		n.onAck(env)
	}

	n.mu.Lock()
	handlers := append([]Handler(nil), n.handlers[env.Kind]...)
	n.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	msg := Message{
		Kind:      env.Kind,
		Sender:    env.Sender,
		Timestamp: env.Timestamp,
		MsgID:     env.MsgID,
		Body:      env.Body,
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (n *Node) maybeRelay(env proto.Envelope) {
	out, ok := n.relays.Prepare(env, n.self)
	if !ok {
		return
	}
	frame, err := proto.EncodeEnvelope(out)
	if err != nil {
		n.log.Warn("relay encode", zap.Error(err))
		return
	}
	for _, id := range n.registry.ActiveIDs(time.Now()) {
		if id == n.self || relay.SkipTarget(out, id) {
			continue
		}
		if err := n.sendFrame(id, frame); err != nil {
			n.log.Debug("relay send", zap.Error(err))
			continue
		}
		n.metrics.Relayed.Inc()
	}
}

func (n *Node) onHeartbeat(env proto.Envelope) {
	body, err := proto.DecodeHeartbeatBody(env.Body)
	if err != nil {
		return
	}
	pull, err := n.gossip.OnHeartbeat(env.Sender, body)
	if err != nil {
		n.drop("heartbeat_owner", zap.String("sender", env.Sender.Hex()))
		return
	}
	n.metrics.GossipApplied.Inc()
	if pull == nil {
		return
	}
	pullBody, err := proto.EncodeStatePullBody(*pull)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.Publish(ctx, proto.KindStatePull, pullBody, []proto.NodeID{env.Sender}, false); err != nil {
		n.log.Debug("state pull send", zap.Error(err))
	}
}

func (n *Node) onStatePull(env proto.Envelope) {
	body, err := proto.DecodeStatePullBody(env.Body)
	if err != nil {
		return
	}
	push := n.gossip.OnStatePull(body)
	if push == nil {
		return
	}
	pushBody, err := proto.EncodeStatePushBody(*push)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.Publish(ctx, proto.KindStatePush, pushBody, []proto.NodeID{env.Sender}, false); err != nil {
		n.log.Debug("state push send", zap.Error(err))
	}
}

func (n *Node) onStatePush(env proto.Envelope) {
	body, err := proto.DecodeStatePushBody(env.Body)
	if err != nil {
		return
	}
	n.gossip.OnStatePush(body)
	n.metrics.GossipApplied.Add(float64(len(body.States)))
}

func (n *Node) onLockRequest(env proto.Envelope, now time.Time) {
	body, err := proto.DecodeLockRequestBody(env.Body)
	if err != nil {
		return
	}
	err = n.locks.Observe(body.Target, env.Sender, body.RequestID,
		env.Timestamp, time.Duration(body.TTLSec)*time.Second, now)
	if errors.Is(err, intent.ErrHeld) {
		// The committed holder's presence is what the requester will
		// discover on its own; a provisional reject is not sent.
		n.log.Debug("lock request against held target",
			zap.String("target", body.Target),
			zap.String("requester", env.Sender.Hex()))
	}
}

func (n *Node) onLockCommit(env proto.Envelope, now time.Time) {
	body, err := proto.DecodeLockCommitBody(env.Body)
	if err != nil {
		return
	}
	err = n.locks.Commit(body.Target, env.Sender, body.RequestID,
		body.FencingToken, env.Timestamp, time.Duration(body.TTLSec)*time.Second, now)
	if err != nil {
		n.log.Debug("lock commit refused",
			zap.String("target", body.Target),
			zap.Error(err))
	}
}

func (n *Node) onLockRelease(env proto.Envelope, now time.Time) {
	body, err := proto.DecodeLockReleaseBody(env.Body)
	if err != nil {
		return
	}
	if err := n.locks.Release(body.Target, env.Sender, body.FencingToken, now); err != nil {
		n.log.Debug("lock release refused",
			zap.String("target", body.Target),
			zap.Error(err))
	}
}

func (n *Node) onAck(env proto.Envelope) {
	body, err := proto.DecodeAckBody(env.Body)
	if err != nil {
		return
	}
	n.queue.Ack(body.AckMsgID, env.Sender)
}
