package proto

import (
	"testing"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
)

func TestPayloadHashPureFunction(t *testing.T) {
	p1 := MemberPayload{Alias: "alpha", Addresses: []string{"a:1", "b:2"}, CapacitySat: 10, NumChannels: 2, UptimeSec: 99}
	p2 := MemberPayload{Alias: "alpha", Addresses: []string{"a:1", "b:2"}, CapacitySat: 10, NumChannels: 2, UptimeSec: 99}
	if PayloadHash(p1) != PayloadHash(p2) {
		t.Fatalf("identical payloads must hash identically")
	}
	p2.CapacitySat = 11
	if PayloadHash(p1) == PayloadHash(p2) {
		t.Fatalf("distinct payloads must hash differently")
	}
	// Address order is semantic, not incidental.
	p3 := MemberPayload{Alias: "alpha", Addresses: []string{"b:2", "a:1"}, CapacitySat: 10, NumChannels: 2, UptimeSec: 99}
	if PayloadHash(p1) == PayloadHash(p3) {
		t.Fatalf("address order is part of the payload")
	}
}

func TestHeartbeatRejectsContentHashMismatch(t *testing.T) {
	state := MemberState{
		Owner:   makeNodeID(0x01),
		Version: 3,
		Payload: MemberPayload{CapacitySat: 5},
	}
	state.ContentHash = PayloadHash(state.Payload)
	state.ContentHash[0] ^= 0xFF
	data, err := EncodeHeartbeatBody(HeartbeatBody{State: state})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := DecodeHeartbeatBody(data); err == nil {
		t.Fatalf("expected content hash mismatch rejection")
	}
}

func TestInviteCertRoundTripAndVerify(t *testing.T) {
	inviterPub, inviterPriv, err := hivecrypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen inviter: %v", err)
	}
	inviteePub, _, err := hivecrypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen invitee: %v", err)
	}
	signer, err := hivecrypto.NewSigner(inviterPub, inviterPriv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	cert, err := NewInviteCert(signer, inviteePub, InviteScopeAll, time.Hour)
	if err != nil {
		t.Fatalf("new invite: %v", err)
	}
	verifier := hivecrypto.NewVerifier()
	if err := VerifyInviteCert(verifier, cert, time.Now()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := VerifyInviteCert(verifier, cert, time.Now().Add(2*time.Hour)); err == nil {
		t.Fatalf("expected expired invite rejection")
	}
	cert.Scope = InviteScopeGossip
	if err := VerifyInviteCert(verifier, cert, time.Now()); err == nil {
		t.Fatalf("tampered scope must break the signature")
	}
}

func TestAttestSigningBytesBindManifest(t *testing.T) {
	nonce := make([]byte, NonceSize)
	nonce[0] = 7
	d1 := AttestSigningBytes(nonce, []string{"gossip", "lock"}, 1, 2)
	d2 := AttestSigningBytes(nonce, []string{"gossip"}, 1, 2)
	if string(d1) == string(d2) {
		t.Fatalf("capability set must be bound by the attest signature")
	}
}
