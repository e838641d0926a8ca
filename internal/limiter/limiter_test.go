package limiter

import (
	"testing"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

func makeNodeID(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func TestBurstThenReject(t *testing.T) {
	l := New(1, 3, time.Minute)
	sender := makeNodeID(1)
	for i := 0; i < 3; i++ {
		if !l.Allow(sender, proto.KindHeartbeat) {
			t.Fatalf("burst message %d should be allowed", i)
		}
	}
	if l.Allow(sender, proto.KindHeartbeat) {
		t.Fatalf("expected rejection past burst")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	a := makeNodeID(1)
	b := makeNodeID(2)
	if !l.Allow(a, proto.KindHeartbeat) {
		t.Fatalf("first message should pass")
	}
	if l.Allow(a, proto.KindHeartbeat) {
		t.Fatalf("second message from same pair should fail")
	}
	if !l.Allow(b, proto.KindHeartbeat) {
		t.Fatalf("other sender must have its own bucket")
	}
	if !l.Allow(a, proto.KindLockRequest) {
		t.Fatalf("other kind must have its own bucket")
	}
}

func TestRefillOverTime(t *testing.T) {
	l := New(100, 1, time.Minute)
	sender := makeNodeID(1)
	if !l.allow(bucketKey(sender, proto.KindHeartbeat), time.Now()) {
		t.Fatalf("first message should pass")
	}
	later := time.Now().Add(time.Second)
	if !l.allow(bucketKey(sender, proto.KindHeartbeat), later) {
		t.Fatalf("bucket should refill after elapsed time")
	}
}

func TestZeroRateAllowsAll(t *testing.T) {
	l := New(0, 0, time.Minute)
	sender := makeNodeID(1)
	for i := 0; i < 100; i++ {
		if !l.Allow(sender, proto.KindHeartbeat) {
			t.Fatalf("zero rate disables limiting")
		}
	}
}
