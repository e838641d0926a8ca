// internal/outbox/outbox.go
package outbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

const (
	backoffBase    = 1 * time.Second
	backoffJitter  = 1 * time.Second
	maxBackoff     = 2 * time.Minute
	DefaultAckWait = 10 * time.Second

	DefaultMaxAttempts = 12
	DefaultMaxAge      = 1 * time.Hour
	DefaultDestCap     = 8
)

type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusSent    Status = "SENT"
	StatusAcked   Status = "ACKED"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

const flushInterval = 5 * time.Minute

var ErrDuplicate = errors.New("outbox: message already enqueued")

// Entry is one critical message awaiting confirmed delivery to one peer.
// Frame is the fully encoded wire frame, so a retry after restart resends
// byte-identical content under the same msg id.
type Entry struct {
	MsgID      proto.MsgID
	Dest       proto.NodeID
	Kind       proto.Kind
	Frame      []byte
	Status     Status
	Attempts   int
	EnqueuedAt time.Time
	NextTry    time.Time
	AckedAt    time.Time
	LastError  string
}

type diskEntry struct {
	MsgID       string `json:"msg_id"`
	Dest        string `json:"dest"`
	Kind        uint16 `json:"kind"`
	FrameBase64 string `json:"frame_base64,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	EnqueuedAt  int64  `json:"enqueued_at"`
	UpdatedAt   int64  `json:"updated_at"`
	LastError   string `json:"last_error,omitempty"`
}

// SendFunc hands a frame to the transport. A nil error only means the
// transport accepted it; delivery is confirmed by the ack path.
type SendFunc func(dest proto.NodeID, frame []byte) error

// Queue drives at-least-once delivery for critical messages: durable enqueue
// before first send, ack matching, exponential backoff with jitter between
// attempts, and a per-destination cap on unacked sends so one dead peer
// cannot absorb the whole retry budget.
// One logical message fanned out to several peers is several entries: each
// destination acks and retries independently.
type entryKey struct {
	msgID proto.MsgID
	dest  proto.NodeID
}

type Queue struct {
	mu      sync.Mutex
	path    string
	send    SendFunc
	log     *zap.Logger
	rng     *rand.Rand
	entries map[entryKey]*Entry
	// deadlines tracks the ack timeout for entries in StatusSent.
	deadlines map[entryKey]time.Time

	AckWait     time.Duration
	MaxAttempts int
	MaxAge      time.Duration
	DestCap     int

	// OnFailed is called, outside the lock, when an entry fails its
	// attempt budget or exceeds its maximum age.
	OnFailed func(Entry)
}

// New loads persisted entries. Anything non-terminal resumes as QUEUED: a
// SENT entry whose ack never arrived before the crash must be resent.
func New(path string, send SendFunc, log *zap.Logger) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		path:        path,
		send:        send,
		log:         log,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		entries:     make(map[entryKey]*Entry),
		deadlines:   make(map[entryKey]time.Time),
		AckWait:     DefaultAckWait,
		MaxAttempts: DefaultMaxAttempts,
		MaxAge:      DefaultMaxAge,
		DestCap:     DefaultDestCap,
	}
	if path == "" {
		return q, nil
	}
	records, err := store.ReadJSONL[diskEntry](path)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	latest := make(map[entryKey]*Entry)
	for _, rec := range records {
		e, err := entryFromDisk(rec)
		if err != nil {
			q.log.Warn("skipping bad outbox record", zap.Error(err))
			continue
		}
		k := entryKey{msgID: e.MsgID, dest: e.Dest}
		if prev, ok := latest[k]; ok && e.Frame == nil {
			// Transition records omit the frame; carry it forward.
			e.Frame = prev.Frame
		}
		latest[k] = e
	}
	for k, e := range latest {
		switch e.Status {
		case StatusAcked, StatusFailed, StatusExpired:
			continue
		}
		if len(e.Frame) == 0 {
			// The frame-bearing enqueue record rotated away before the
			// entry resolved; nothing sendable remains of it.
			q.log.Warn("dropping outbox entry without frame",
				zap.String("msg_id", e.MsgID.Hex()),
				zap.String("dest", e.Dest.Hex()))
			continue
		}
		e.Status = StatusQueued
		e.NextTry = time.Time{}
		q.entries[k] = e
	}
	return q, nil
}

// Enqueue persists the entry before returning. The caller may crash at any
// point afterwards and the message still goes out on the next start.
func (q *Queue) Enqueue(msgID proto.MsgID, dest proto.NodeID, kind proto.Kind, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := entryKey{msgID: msgID, dest: dest}
	if _, ok := q.entries[k]; ok {
		return ErrDuplicate
	}
	e := &Entry{
		MsgID:      msgID,
		Dest:       dest,
		Kind:       kind,
		Frame:      frame,
		Status:     StatusQueued,
		EnqueuedAt: time.Now(),
	}
	if err := q.persistLocked(e, true); err != nil {
		return err
	}
	q.entries[k] = e
	return nil
}

// Ack resolves one destination's delivery. Unknown or already-resolved
// entries are ignored, so duplicate acks are harmless.
func (q *Queue) Ack(msgID proto.MsgID, dest proto.NodeID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := entryKey{msgID: msgID, dest: dest}
	e, ok := q.entries[k]
	if !ok || e.Status == StatusFailed {
		return
	}
	e.Status = StatusAcked
	e.AckedAt = time.Now()
	delete(q.deadlines, k)
	if err := q.persistLocked(e, false); err != nil {
		q.log.Warn("persist ack", zap.Error(err))
	}
	delete(q.entries, k)
}

// Run drives the retry loop until ctx is done, compacting the journal
// periodically so the frame-bearing enqueue records never rotate away while
// their entries are still unresolved.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	lastFlush := time.Now()
	for {
		select {
		case <-ctx.Done():
			if err := q.Flush(); err != nil {
				q.log.Warn("outbox flush", zap.Error(err))
			}
			return
		case now := <-ticker.C:
			q.Tick(now)
			if now.Sub(lastFlush) >= flushInterval {
				lastFlush = now
				if err := q.Flush(); err != nil {
					q.log.Warn("outbox flush", zap.Error(err))
				}
			}
		}
	}
}

// Tick performs one pass: time out unacked sends, fail exhausted entries,
// and send whatever is due within the per-destination cap.
func (q *Queue) Tick(now time.Time) {
	var failed []Entry
	var sends []*Entry

	q.mu.Lock()
	inflight := make(map[proto.NodeID]int)
	for k, deadline := range q.deadlines {
		e := q.entries[k]
		if e == nil {
			delete(q.deadlines, k)
			continue
		}
		if now.Before(deadline) {
			inflight[e.Dest]++
			continue
		}
		// Ack window elapsed; schedule the next attempt.
		delete(q.deadlines, k)
		e.Status = StatusQueued
		e.NextTry = now.Add(q.backoff(e.Attempts))
		e.LastError = "ack timeout"
		if err := q.persistLocked(e, false); err != nil {
			q.log.Warn("persist retry", zap.Error(err))
		}
	}
	for k, e := range q.entries {
		if e.Status != StatusQueued || now.Before(e.NextTry) {
			continue
		}
		if e.Attempts >= q.MaxAttempts || now.Sub(e.EnqueuedAt) > q.MaxAge {
			if now.Sub(e.EnqueuedAt) > q.MaxAge {
				e.Status = StatusExpired
				e.LastError = "max age exceeded"
			} else {
				e.Status = StatusFailed
				if e.LastError == "" {
					e.LastError = "retry budget exhausted"
				}
			}
			if err := q.persistLocked(e, false); err != nil {
				q.log.Warn("persist failure", zap.Error(err))
			}
			failed = append(failed, *e)
			delete(q.entries, k)
			continue
		}
		if inflight[e.Dest] >= q.DestCap {
			continue
		}
		inflight[e.Dest]++
		e.Status = StatusSent
		e.Attempts++
		q.deadlines[k] = now.Add(q.AckWait)
		if err := q.persistLocked(e, false); err != nil {
			q.log.Warn("persist send", zap.Error(err))
		}
		sends = append(sends, e)
	}
	q.mu.Unlock()

	for _, e := range sends {
		if err := q.send(e.Dest, e.Frame); err != nil {
			q.log.Debug("outbox send",
				zap.String("dest", e.Dest.Hex()),
				zap.String("msg_id", e.MsgID.Hex()),
				zap.Error(err))
		}
	}
	for _, e := range failed {
		q.log.Warn("outbox delivery failed",
			zap.String("dest", e.Dest.Hex()),
			zap.String("msg_id", e.MsgID.Hex()),
			zap.Int("attempts", e.Attempts))
		if q.OnFailed != nil {
			q.OnFailed(e)
		}
	}
}

// Pending returns a snapshot of unresolved entries, for inspection tooling.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Flush compacts the journal down to unresolved entries.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.path == "" {
		return nil
	}
	live := make([]diskEntry, 0, len(q.entries))
	for _, e := range q.entries {
		live = append(live, entryToDisk(e, true))
	}
	return store.RewriteJSONL(q.path, live)
}

func (q *Queue) backoff(attempts int) time.Duration {
	shift := attempts
	if shift > 16 {
		shift = 16
	}
	raw := backoffBase*time.Duration(1<<shift) + time.Duration(q.rng.Int63n(int64(backoffJitter)))
	if raw > maxBackoff {
		return maxBackoff
	}
	return raw
}

func (q *Queue) persistLocked(e *Entry, withFrame bool) error {
	if q.path == "" {
		return nil
	}
	return store.AppendJSONL(q.path, entryToDisk(e, withFrame))
}

func entryToDisk(e *Entry, withFrame bool) diskEntry {
	rec := diskEntry{
		MsgID:      e.MsgID.Hex(),
		Dest:       e.Dest.Hex(),
		Kind:       uint16(e.Kind),
		Status:     string(e.Status),
		Attempts:   e.Attempts,
		EnqueuedAt: e.EnqueuedAt.Unix(),
		UpdatedAt:  time.Now().Unix(),
		LastError:  e.LastError,
	}
	if withFrame {
		rec.FrameBase64 = base64.StdEncoding.EncodeToString(e.Frame)
	}
	return rec
}

func entryFromDisk(rec diskEntry) (*Entry, error) {
	msgID, err := proto.ParseMsgID(rec.MsgID)
	if err != nil {
		return nil, fmt.Errorf("bad msg id: %w", err)
	}
	dest, err := proto.ParseNodeID(rec.Dest)
	if err != nil {
		return nil, fmt.Errorf("bad dest: %w", err)
	}
	e := &Entry{
		MsgID:      msgID,
		Dest:       dest,
		Kind:       proto.Kind(rec.Kind),
		Status:     Status(rec.Status),
		Attempts:   rec.Attempts,
		EnqueuedAt: time.Unix(rec.EnqueuedAt, 0),
		LastError:  rec.LastError,
	}
	if rec.FrameBase64 != "" {
		frame, err := base64.StdEncoding.DecodeString(rec.FrameBase64)
		if err != nil {
			return nil, fmt.Errorf("bad frame: %w", err)
		}
		e.Frame = frame
	}
	return e, nil
}
