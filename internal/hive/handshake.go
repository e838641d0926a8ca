// internal/hive/handshake.go
package hive

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/peer"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

const handshakeWindow = 2 * time.Minute

// pendingHandshake is responder-side state between a verified HELLO and the
// matching ATTEST.
type pendingHandshake struct {
	pub     []byte
	nonce   []byte
	addr    string
	invite  proto.InviteCert
	caps    []string
	expires time.Time
}

// joinSession is joiner-side state between HELLO and WELCOME.
type joinSession struct {
	inviterID  proto.NodeID
	inviterPub []byte
	addr       string
	done       chan error
}

func newRequestID() string { return uuid.NewString() }

// handshakePubKey resolves the signing key for a sender that is not in the
// registry yet. HELLO carries its own key; ATTEST uses the key remembered
// from the HELLO; CHALLENGE and WELCOME must come from the inviter named in
// the credential the joiner holds.
func (n *Node) handshakePubKey(env proto.Envelope) []byte {
	switch env.Kind {
	case proto.KindHello:
		body, err := proto.DecodeHelloBody(env.Body)
		if err != nil {
			return nil
		}
		if proto.DeriveNodeID(body.Pub) != env.Sender {
			return nil
		}
		return body.Pub
	case proto.KindAttest:
		n.mu.Lock()
		defer n.mu.Unlock()
		if p, ok := n.pendingHS[env.Sender]; ok && p.expires.After(time.Now()) {
			return p.pub
		}
		return nil
	case proto.KindChallenge, proto.KindWelcome:
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.joinWaiter != nil && n.joinWaiter.inviterID == env.Sender {
			return n.joinWaiter.inviterPub
		}
		return nil
	}
	return nil
}

// Invite issues a single-use credential for a new member's key.
func (n *Node) Invite(inviteePub []byte, scope uint32, validFor time.Duration) (proto.InviteCert, error) {
	return proto.NewInviteCert(n.signer, inviteePub, scope, validFor)
}

// Join runs the joiner's side of the handshake against the inviter at addr
// and blocks until WELCOME lands or ctx ends. On success the registry holds
// the inviter and every peer it introduced.
func (n *Node) Join(ctx context.Context, addr string, invite proto.InviteCert) error {
	if !bytes.Equal(invite.InviteePub, n.signer.PublicKey()) {
		return fmt.Errorf("invite issued for a different key")
	}
	session := &joinSession{
		inviterID:  proto.DeriveNodeID(invite.InviterPub),
		inviterPub: invite.InviterPub,
		addr:       addr,
		done:       make(chan error, 1),
	}
	n.mu.Lock()
	if n.joinWaiter != nil {
		n.mu.Unlock()
		return fmt.Errorf("join already in progress")
	}
	n.joinWaiter = session
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.joinWaiter = nil
		n.mu.Unlock()
	}()

	body, err := proto.EncodeHelloBody(proto.HelloBody{
		Pub:        n.signer.PublicKey(),
		Invite:     invite,
		MinVersion: n.opts.MinSchemaVersion,
		MaxVersion: proto.SchemaVersionMax,
		ListenAddr: n.opts.ListenAddr,
	})
	if err != nil {
		return err
	}
	if err := n.sendTo(ctx, addr, proto.KindHello, body); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-session.done:
		return err
	}
}

// sendTo signs and delivers one message to an explicit address, for the
// handshake phase where neither side has the other in its registry.
func (n *Node) sendTo(ctx context.Context, addr string, kind proto.Kind, body []byte) error {
	ts := time.Now().UnixMilli()
	env := proto.Envelope{
		Version:   proto.SchemaVersion,
		Kind:      kind,
		Sender:    n.self,
		Timestamp: ts,
		MsgID:     proto.ComputeMsgID(kind, n.self, body),
		Body:      body,
	}
	sig, err := n.signer.Sign(proto.SigningDigest(kind, n.self, ts, env.MsgID, body))
	if err != nil {
		return err
	}
	env.Sig = sig
	frame, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return n.tp.Send(ctx, addr, frame)
}

func (n *Node) onHello(env proto.Envelope) {
	body, err := proto.DecodeHelloBody(env.Body)
	if err != nil {
		return
	}
	now := time.Now()
	if err := proto.VerifyInviteCert(n.verifier, body.Invite, now); err != nil {
		n.drop("bad_invite", zap.Error(err))
		return
	}
	if !bytes.Equal(body.Invite.InviteePub, body.Pub) {
		n.drop("invite_key_mismatch", zap.String("sender", env.Sender.Hex()))
		return
	}
	inviterID := proto.DeriveNodeID(body.Invite.InviterPub)
	if inviterID != n.self && !n.registry.Has(inviterID) {
		n.drop("unknown_inviter", zap.String("inviter", inviterID.Hex()))
		return
	}
	if n.invites.Used(body.Invite.InviteID) {
		n.drop("invite_reused", zap.String("invite", body.Invite.InviteID))
		return
	}
	if body.MinVersion > proto.SchemaVersionMax || body.MaxVersion < n.opts.MinSchemaVersion {
		n.drop("version_range", zap.Uint16("peer_min", body.MinVersion))
		return
	}
	if body.ListenAddr == "" {
		n.drop("no_listen_addr", zap.String("sender", env.Sender.Hex()))
		return
	}

	nonce := make([]byte, proto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		n.log.Error("nonce", zap.Error(err))
		return
	}
	n.mu.Lock()
	n.pendingHS[env.Sender] = &pendingHandshake{
		pub:     body.Pub,
		nonce:   nonce,
		addr:    body.ListenAddr,
		invite:  body.Invite,
		expires: now.Add(handshakeWindow),
	}
	n.mu.Unlock()

	challenge, err := proto.EncodeChallengeBody(proto.ChallengeBody{Nonce: nonce})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.sendTo(ctx, body.ListenAddr, proto.KindChallenge, challenge); err != nil {
		n.log.Debug("challenge send", zap.Error(err))
	}
}

func (n *Node) onChallenge(env proto.Envelope) {
	n.mu.Lock()
	session := n.joinWaiter
	n.mu.Unlock()
	if session == nil || session.inviterID != env.Sender {
		return
	}
	body, err := proto.DecodeChallengeBody(env.Body)
	if err != nil {
		return
	}
	manifestSig, err := n.signer.Sign(proto.AttestSigningBytes(
		body.Nonce, n.opts.Capabilities, n.opts.MinSchemaVersion, proto.SchemaVersionMax))
	if err != nil {
		session.done <- err
		return
	}
	attest, err := proto.EncodeAttestBody(proto.AttestBody{
		Nonce:        body.Nonce,
		Capabilities: n.opts.Capabilities,
		MinVersion:   n.opts.MinSchemaVersion,
		MaxVersion:   proto.SchemaVersionMax,
		ManifestSig:  manifestSig,
	})
	if err != nil {
		session.done <- err
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.sendTo(ctx, session.addr, proto.KindAttest, attest); err != nil {
		session.done <- fmt.Errorf("attest: %w", err)
	}
}

func (n *Node) onAttest(env proto.Envelope, now time.Time) {
	n.mu.Lock()
	pending, ok := n.pendingHS[env.Sender]
	n.mu.Unlock()
	if !ok || !pending.expires.After(now) {
		n.drop("attest_no_pending", zap.String("sender", env.Sender.Hex()))
		return
	}
	body, err := proto.DecodeAttestBody(env.Body)
	if err != nil {
		return
	}
	if !bytes.Equal(body.Nonce, pending.nonce) {
		n.drop("nonce_mismatch", zap.String("sender", env.Sender.Hex()))
		return
	}
	digest := proto.AttestSigningBytes(body.Nonce, body.Capabilities, body.MinVersion, body.MaxVersion)
	if !n.verifier.Verify(pending.pub, digest, body.ManifestSig) {
		n.drop("bad_manifest_sig", zap.String("sender", env.Sender.Hex()))
		return
	}
	fresh, err := n.invites.Consume(pending.invite.InviteID)
	if err != nil {
		n.log.Warn("invite ledger", zap.Error(err))
		return
	}
	if !fresh {
		n.drop("invite_reused", zap.String("invite", pending.invite.InviteID))
		return
	}

	member := peer.Member{
		NodeID:       env.Sender,
		Pub:          pending.pub,
		MinVersion:   body.MinVersion,
		MaxVersion:   body.MaxVersion,
		Capabilities: body.Capabilities,
		Addr:         pending.addr,
		LastSeen:     now,
		Active:       true,
	}
	if err := n.registry.Upsert(member, true); err != nil {
		n.log.Warn("admit member", zap.Error(err))
		return
	}
	n.mu.Lock()
	delete(n.pendingHS, env.Sender)
	n.mu.Unlock()
	n.log.Info("member admitted",
		zap.String("member", env.Sender.Hex()),
		zap.Strings("capabilities", body.Capabilities))

	welcome := proto.WelcomeBody{Peers: []proto.PeerInfo{{
		NodeID: n.self,
		Pub:    n.signer.PublicKey(),
		Addr:   n.opts.ListenAddr,
	}}}
	for _, m := range n.registry.List() {
		if m.NodeID == env.Sender || len(welcome.Peers) >= proto.MaxWelcomePeers {
			continue
		}
		welcome.Peers = append(welcome.Peers, proto.PeerInfo{NodeID: m.NodeID, Pub: m.Pub, Addr: m.Addr})
	}
	welcomeBody, err := proto.EncodeWelcomeBody(welcome)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.sendTo(ctx, pending.addr, proto.KindWelcome, welcomeBody); err != nil {
		n.log.Debug("welcome send", zap.Error(err))
	}

	// Introduce the new member to the rest of the fleet; receivers upsert
	// it and start including it in their own fan-outs.
	announce, err := proto.EncodeWelcomeBody(proto.WelcomeBody{Peers: []proto.PeerInfo{{
		NodeID: env.Sender,
		Pub:    pending.pub,
		Addr:   pending.addr,
	}}})
	if err != nil {
		return
	}
	if _, err := n.Publish(ctx, proto.KindWelcome, announce, nil, false); err != nil {
		n.log.Debug("member announce", zap.Error(err))
	}
}

// onWelcome serves two cases: the joiner completing its handshake, and a
// member introduction broadcast from an already-admitted peer.
func (n *Node) onWelcome(env proto.Envelope, now time.Time) {
	n.mu.Lock()
	session := n.joinWaiter
	n.mu.Unlock()
	joining := session != nil && session.inviterID == env.Sender
	if !joining && !n.registry.Has(env.Sender) {
		return
	}
	body, err := proto.DecodeWelcomeBody(env.Body)
	if err != nil {
		if joining {
			session.done <- err
		}
		return
	}
	for _, p := range body.Peers {
		if p.NodeID == n.self {
			continue
		}
		m := peer.Member{
			NodeID:     p.NodeID,
			Pub:        p.Pub,
			MinVersion: proto.SchemaVersion,
			MaxVersion: proto.SchemaVersionMax,
			Addr:       p.Addr,
			LastSeen:   now,
			Active:     true,
		}
		if err := n.registry.Upsert(m, true); err != nil {
			n.log.Warn("welcome peer", zap.Error(err))
		}
	}
	if joining {
		n.log.Info("joined fleet",
			zap.String("inviter", env.Sender.Hex()),
			zap.Int("peers", len(body.Peers)))
		session.done <- nil
	}
}
