package dedup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

func makeNodeID(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func makeMsgID(b byte) proto.MsgID {
	var id proto.MsgID
	id[0] = b
	return id
}

func TestMarkIfNew(t *testing.T) {
	g, err := New("", 4, time.Minute)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	sender := makeNodeID(1)
	msgID := makeMsgID(7)
	fresh, err := g.MarkIfNew(sender, msgID)
	if err != nil || !fresh {
		t.Fatalf("expected fresh mark, got fresh=%v err=%v", fresh, err)
	}
	fresh, err = g.MarkIfNew(sender, msgID)
	if err != nil || fresh {
		t.Fatalf("expected duplicate, got fresh=%v err=%v", fresh, err)
	}
	// Same msg id from another sender is a distinct entry.
	fresh, err = g.MarkIfNew(makeNodeID(2), msgID)
	if err != nil || !fresh {
		t.Fatalf("expected fresh mark for other sender, got fresh=%v err=%v", fresh, err)
	}
}

func TestCapacityEviction(t *testing.T) {
	g, err := New("", 2, time.Minute)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	sender := makeNodeID(1)
	for i := byte(0); i < 3; i++ {
		if _, err := g.MarkIfNew(sender, makeMsgID(i)); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if g.Len() != 2 {
		t.Fatalf("expected cap 2, got %d", g.Len())
	}
	if g.Seen(sender, makeMsgID(0)) {
		t.Fatalf("oldest entry should have been evicted")
	}
	if !g.Seen(sender, makeMsgID(2)) {
		t.Fatalf("newest entry should remain")
	}
}

func TestTTLExpiry(t *testing.T) {
	g, err := New("", 4, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	sender := makeNodeID(1)
	if _, err := g.MarkIfNew(sender, makeMsgID(1)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if g.Seen(sender, makeMsgID(1)) {
		t.Fatalf("expired entry must not count as seen")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.jsonl")
	g, err := New(path, 16, time.Minute)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	sender := makeNodeID(3)
	if _, err := g.MarkIfNew(sender, makeMsgID(9)); err != nil {
		t.Fatalf("mark: %v", err)
	}

	g2, err := New(path, 16, time.Minute)
	if err != nil {
		t.Fatalf("reload guard: %v", err)
	}
	fresh, err := g2.MarkIfNew(sender, makeMsgID(9))
	if err != nil {
		t.Fatalf("mark after reload: %v", err)
	}
	if fresh {
		t.Fatalf("restart must not forget recently processed messages")
	}
}
