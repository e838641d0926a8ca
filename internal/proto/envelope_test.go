package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func makeNodeID(b byte) NodeID {
	var id NodeID
	id[0] = b
	return id
}

func testEnvelope(t *testing.T) Envelope {
	t.Helper()
	sender := makeNodeID(0xAA)
	body := []byte(`{"target":"open:peerX","request_id":"6b1e5c1e-1111-4222-8333-944445555666","ttl_sec":60}`)
	return Envelope{
		Kind:      KindLockRequest,
		Sender:    sender,
		Timestamp: 100,
		MsgID:     ComputeMsgID(KindLockRequest, sender, body),
		Body:      body,
		Sig:       bytes.Repeat([]byte{1}, 64),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	env.TTL = 3
	env.Hops = []NodeID{makeNodeID(0x01)}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	got, err := DecodeEnvelope(frame, SchemaVersion)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if got.Kind != env.Kind || got.Sender != env.Sender || got.MsgID != env.MsgID {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.TTL != 3 || len(got.Hops) != 1 || got.Hops[0] != env.Hops[0] {
		t.Fatalf("relay fields mismatch: %+v", got)
	}
	var a, b any
	if err := json.Unmarshal(env.Body, &a); err != nil {
		t.Fatalf("bad test body: %v", err)
	}
	if err := json.Unmarshal(got.Body, &b); err != nil {
		t.Fatalf("bad decoded body: %v", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	env := testEnvelope(t)
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frame[0] = 'X'
	if _, err := DecodeEnvelope(frame, SchemaVersion); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecodeVersionGate(t *testing.T) {
	env := testEnvelope(t)
	cases := []struct {
		name    string
		version uint16
		floor   uint16
		wantErr error
	}{
		{"current", SchemaVersion, SchemaVersion, nil},
		{"one_ahead", SchemaVersion + 1, SchemaVersion, nil},
		{"below_floor", SchemaVersion, SchemaVersion + 1, ErrUnsupportedVersion},
		{"far_ahead", SchemaVersionMax + 1, SchemaVersion, ErrUnsupportedVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env.Version = tc.version
			frame, err := EncodeEnvelope(env)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			_, err = DecodeEnvelope(frame, tc.floor)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected decode ok, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestDecodeUnknownKindPassesThrough(t *testing.T) {
	sender := makeNodeID(0x02)
	body := []byte(`{"whatever":true}`)
	env := Envelope{
		Kind:      Kind(999),
		Sender:    sender,
		Timestamp: 5,
		MsgID:     ComputeMsgID(Kind(999), sender, body),
		Body:      body,
		Sig:       bytes.Repeat([]byte{2}, 64),
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeEnvelope(frame, SchemaVersion)
	if err != nil {
		t.Fatalf("unknown kind must decode, got %v", err)
	}
	if got.Kind != Kind(999) {
		t.Fatalf("kind mismatch: %v", got.Kind)
	}
	if err := ValidateBody(got.Kind, got.Body); err != nil {
		t.Fatalf("unknown kind must not fail validation, got %v", err)
	}
}

func TestMsgIDStableAcrossTransportFields(t *testing.T) {
	sender := makeNodeID(0x03)
	body := []byte(`{"n":1}`)
	direct := ComputeMsgID(KindHeartbeat, sender, body)
	relayed := ComputeMsgID(KindHeartbeat, sender, body)
	if direct != relayed {
		t.Fatalf("msg id must not depend on transport path")
	}
	other := ComputeMsgID(KindHeartbeat, sender, []byte(`{"n":2}`))
	if direct == other {
		t.Fatalf("distinct bodies must produce distinct msg ids")
	}
	otherKind := ComputeMsgID(KindStatePush, sender, body)
	if direct == otherKind {
		t.Fatalf("distinct kinds must produce distinct msg ids")
	}
}

func TestSigningDigestIgnoresRelayFields(t *testing.T) {
	env := testEnvelope(t)
	d1 := SigningDigest(env.Kind, env.Sender, env.Timestamp, env.MsgID, env.Body)
	env.TTL = 5
	env.Hops = []NodeID{makeNodeID(0x09)}
	d2 := SigningDigest(env.Kind, env.Sender, env.Timestamp, env.MsgID, env.Body)
	if !bytes.Equal(d1, d2) {
		t.Fatalf("signing digest must ignore ttl and hops")
	}
}

func TestVisited(t *testing.T) {
	env := testEnvelope(t)
	env.Hops = []NodeID{makeNodeID(0x01)}
	if !env.Visited(env.Sender) {
		t.Fatalf("sender counts as visited")
	}
	if !env.Visited(makeNodeID(0x01)) {
		t.Fatalf("hop counts as visited")
	}
	if env.Visited(makeNodeID(0x02)) {
		t.Fatalf("fresh node must not count as visited")
	}
}
