// internal/outbox/outbox_test.go
package outbox

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

func makeNodeID(b byte) proto.NodeID {
	var id proto.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func makeMsgID(b byte) proto.MsgID {
	var id proto.MsgID
	for i := range id {
		id[i] = b
	}
	return id
}

type fakeSender struct {
	mu    sync.Mutex
	sends []proto.MsgID
	byDst map[proto.NodeID]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{byDst: make(map[proto.NodeID]int)}
}

func (f *fakeSender) send(dest proto.NodeID, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, frameID(frame))
	f.byDst[dest]++
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// Test frames embed the msg id in the first bytes so the sender can report
// what went out.
func frameFor(id proto.MsgID) []byte {
	frame := make([]byte, 64)
	copy(frame, id[:])
	return frame
}

func frameID(frame []byte) (id proto.MsgID) {
	copy(id[:], frame)
	return id
}

func TestSendThenAck(t *testing.T) {
	s := newFakeSender()
	q, err := New("", s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	id := makeMsgID(0x01)
	if err := q.Enqueue(id, makeNodeID(0xAA), proto.KindLockRequest, frameFor(id)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(id, makeNodeID(0xAA), proto.KindLockRequest, frameFor(id)); err != ErrDuplicate {
		t.Fatalf("duplicate enqueue err = %v", err)
	}

	now := time.Now()
	q.Tick(now)
	if s.count() != 1 {
		t.Fatalf("sends = %d, want 1", s.count())
	}

	// Still inside the ack window: no resend.
	q.Tick(now.Add(time.Second))
	if s.count() != 1 {
		t.Fatalf("resent inside ack window")
	}

	q.Ack(id, makeNodeID(0xAA))
	q.Tick(now.Add(q.AckWait + time.Minute))
	if s.count() != 1 {
		t.Fatalf("resent after ack")
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after ack", q.Len())
	}
}

func TestRetryBackoffThenFailed(t *testing.T) {
	s := newFakeSender()
	q, err := New("", s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	q.MaxAttempts = 3
	var failed []Entry
	q.OnFailed = func(e Entry) { failed = append(failed, e) }

	id := makeMsgID(0x02)
	if err := q.Enqueue(id, makeNodeID(0xAA), proto.KindLockRequest, frameFor(id)); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	for i := 0; i < 10; i++ {
		q.Tick(now)
		// Jump past both the ack window and any backoff.
		now = now.Add(q.AckWait + maxBackoff + time.Second)
	}
	if s.count() != 3 {
		t.Fatalf("sends = %d, want 3", s.count())
	}
	if len(failed) != 1 || failed[0].MsgID != id {
		t.Fatalf("failed = %+v", failed)
	}
	if q.Len() != 0 {
		t.Fatal("failed entry still pending")
	}
}

func TestMaxAgeExpires(t *testing.T) {
	s := newFakeSender()
	q, err := New("", s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	q.MaxAge = time.Minute
	var failed []Entry
	q.OnFailed = func(e Entry) { failed = append(failed, e) }

	id := makeMsgID(0x03)
	if err := q.Enqueue(id, makeNodeID(0xAA), proto.KindLockRequest, frameFor(id)); err != nil {
		t.Fatal(err)
	}
	q.Tick(time.Now())
	if s.count() != 1 {
		t.Fatalf("sends = %d, want 1", s.count())
	}

	// Well within the attempt budget, but past the wall-clock budget. The
	// first late tick times out the unacked send and schedules a retry;
	// the next one retires the entry instead of sending it.
	late := time.Now().Add(2 * time.Minute)
	q.Tick(late)
	q.Tick(late.Add(maxBackoff + time.Second))
	if len(failed) != 1 {
		t.Fatalf("failed callbacks = %d, want 1", len(failed))
	}
	if failed[0].Status != StatusExpired {
		t.Fatalf("status = %s, want %s", failed[0].Status, StatusExpired)
	}
	if q.Len() != 0 {
		t.Fatal("expired entry still pending")
	}
}

func TestPendingSnapshot(t *testing.T) {
	s := newFakeSender()
	q, err := New("", s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, b := makeMsgID(0x01), makeMsgID(0x02)
	dest := makeNodeID(0xAA)
	for _, id := range []proto.MsgID{a, b} {
		if err := q.Enqueue(id, dest, proto.KindLockRequest, frameFor(id)); err != nil {
			t.Fatal(err)
		}
	}
	q.Tick(time.Now())
	q.Ack(a, dest)

	pending := q.Pending()
	if len(pending) != 1 || pending[0].MsgID != b {
		t.Fatalf("pending = %+v, want only the unacked entry", pending)
	}
	if pending[0].Status != StatusSent {
		t.Fatalf("status = %s, want %s", pending[0].Status, StatusSent)
	}
}

func TestLoadDropsFramelessEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	// A journal whose frame-bearing enqueue record rotated away leaves only
	// transition records behind.
	rec := entryToDisk(&Entry{
		MsgID:      makeMsgID(0x07),
		Dest:       makeNodeID(0xAA),
		Kind:       proto.KindLockRequest,
		Status:     StatusSent,
		Attempts:   2,
		EnqueuedAt: time.Now(),
	}, false)
	if err := store.AppendJSONL(path, rec); err != nil {
		t.Fatal(err)
	}

	s := newFakeSender()
	q, err := New(path, s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d, frameless entry must not resume", q.Len())
	}
	q.Tick(time.Now())
	if s.count() != 0 {
		t.Fatal("frameless entry produced a send")
	}
}

func TestPerDestinationCap(t *testing.T) {
	s := newFakeSender()
	q, err := New("", s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	q.DestCap = 2

	slow := makeNodeID(0xAA)
	other := makeNodeID(0xBB)
	for b := byte(1); b <= 5; b++ {
		id := makeMsgID(b)
		if err := q.Enqueue(id, slow, proto.KindLockRequest, frameFor(id)); err != nil {
			t.Fatal(err)
		}
	}
	id := makeMsgID(0x10)
	if err := q.Enqueue(id, other, proto.KindLockRequest, frameFor(id)); err != nil {
		t.Fatal(err)
	}

	q.Tick(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byDst[slow] != 2 {
		t.Fatalf("sends to capped dest = %d, want 2", s.byDst[slow])
	}
	if s.byDst[other] != 1 {
		t.Fatalf("sends to other dest = %d, want 1", s.byDst[other])
	}
}

func TestRestartResumesQueued(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	dest := makeNodeID(0xAA)

	s1 := newFakeSender()
	q1, err := New(path, s1.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	ids := []proto.MsgID{makeMsgID(1), makeMsgID(2), makeMsgID(3), makeMsgID(4)}
	for _, id := range ids {
		if err := q1.Enqueue(id, dest, proto.KindLockRequest, frameFor(id)); err != nil {
			t.Fatal(err)
		}
	}
	// One entry gets sent and acked before the crash; one is sent but never
	// acked; two never go out at all.
	q1.Tick(time.Now())
	q1.Ack(ids[0], dest)

	s2 := newFakeSender()
	q2, err := New(path, s2.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if q2.Len() != 3 {
		t.Fatalf("resumed %d entries, want 3", q2.Len())
	}
	q2.Tick(time.Now())
	if s2.count() != 3 {
		t.Fatalf("resent %d entries, want 3", s2.count())
	}
	for _, got := range s2.sends {
		if got == ids[0] {
			t.Fatal("acked entry resent after restart")
		}
	}
}

func TestFlushCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	s := newFakeSender()
	q, err := New(path, s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	live := makeMsgID(0x01)
	done := makeMsgID(0x02)
	for _, id := range []proto.MsgID{live, done} {
		if err := q.Enqueue(id, makeNodeID(0xAA), proto.KindLockRequest, frameFor(id)); err != nil {
			t.Fatal(err)
		}
	}
	q.Tick(time.Now())
	q.Ack(done, makeNodeID(0xAA))
	if err := q.Flush(); err != nil {
		t.Fatal(err)
	}

	q2, err := New(path, s.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if q2.Len() != 1 {
		t.Fatalf("len after flush reload = %d, want 1", q2.Len())
	}
	if _, ok := q2.entries[entryKey{msgID: live, dest: makeNodeID(0xAA)}]; !ok {
		t.Fatal("live entry missing after flush")
	}
}
