package peer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

func testMember(t *testing.T) Member {
	t.Helper()
	pub, _, err := hivecrypto.GenKeypair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	return Member{
		NodeID:     proto.DeriveNodeID(pub),
		Pub:        pub,
		MinVersion: 1,
		MaxVersion: 2,
	}
}

func TestUpsertRejectsForgedID(t *testing.T) {
	r, err := NewRegistry("", time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m := testMember(t)
	m.NodeID[0] ^= 0xFF
	if err := r.Upsert(m, false); err == nil {
		t.Fatalf("expected node_id/pubkey mismatch rejection")
	}
}

func TestUpsertTouchStale(t *testing.T) {
	r, err := NewRegistry("", time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m := testMember(t)
	if err := r.Upsert(m, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Now()
	if ids := r.ActiveIDs(now); len(ids) != 1 || ids[0] != m.NodeID {
		t.Fatalf("expected one active member, got %v", ids)
	}
	r.MarkStale(m.NodeID)
	if ids := r.ActiveIDs(now); len(ids) != 0 {
		t.Fatalf("stale member must not be active, got %v", ids)
	}
	if !r.Has(m.NodeID) {
		t.Fatalf("stale member must remain in the registry")
	}
	r.Touch(m.NodeID, now)
	if ids := r.ActiveIDs(now); len(ids) != 1 {
		t.Fatalf("touched member must be active again, got %v", ids)
	}
}

func TestStalenessHorizon(t *testing.T) {
	r, err := NewRegistry("", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m := testMember(t)
	m.LastSeen = time.Now().Add(-time.Second)
	if err := r.Upsert(m, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if ids := r.ActiveIDs(time.Now()); len(ids) != 0 {
		t.Fatalf("member past horizon must not be active")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.jsonl")
	r, err := NewRegistry(path, time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m := testMember(t)
	m.Capabilities = []string{"gossip", "lock"}
	if err := r.Upsert(m, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r2, err := NewRegistry(path, time.Minute)
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	got, ok := r2.Get(m.NodeID)
	if !ok {
		t.Fatalf("member lost across restart")
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "gossip" {
		t.Fatalf("capabilities lost: %v", got.Capabilities)
	}
}

func TestReloadClampsLastSeenIntoHorizon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.jsonl")
	r, err := NewRegistry(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m := testMember(t)
	m.LastSeen = time.Now().Add(-45 * time.Minute)
	if err := r.Upsert(m, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r2, err := NewRegistry(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	if !r2.Has(m.NodeID) {
		t.Fatalf("member lost across restart")
	}
	// A member admitted long before the restart must still receive
	// broadcasts afterwards; only renewed silence stales it.
	if ids := r2.ActiveIDs(time.Now()); len(ids) != 1 || ids[0] != m.NodeID {
		t.Fatalf("reloaded member absent from ActiveIDs: %v", ids)
	}
}

func TestFlushCapturesTouchedLastSeen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.jsonl")
	r, err := NewRegistry(path, time.Minute)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	m := testMember(t)
	m.LastSeen = time.Now().Add(-time.Hour)
	if err := r.Upsert(m, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	touched := time.Now()
	r.Touch(m.NodeID, touched)
	if err := r.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	recs, err := store.ReadJSONL[diskMember](path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("flush should compact to one record, got %d", len(recs))
	}
	if time.Unix(recs[0].LastSeen, 0).Before(touched.Add(-2 * time.Second)) {
		t.Fatalf("flushed last_seen predates touch: %d vs %v", recs[0].LastSeen, touched)
	}
}

func TestInviteLedgerSingleUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invites.jsonl")
	l, err := NewInviteLedger(path)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ok, err := l.Consume("6b1e5c1e-1111-4222-8333-944445555666")
	if err != nil || !ok {
		t.Fatalf("first consume should succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = l.Consume("6b1e5c1e-1111-4222-8333-944445555666")
	if err != nil || ok {
		t.Fatalf("second consume should fail, got ok=%v err=%v", ok, err)
	}

	l2, err := NewInviteLedger(path)
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	if !l2.Used("6b1e5c1e-1111-4222-8333-944445555666") {
		t.Fatalf("used invite must survive restart")
	}
}
