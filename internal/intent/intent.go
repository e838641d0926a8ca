// internal/intent/intent.go
package intent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

// DefaultHoldWindow is how long a requester waits for slower peers'
// competing requests before resolving. It must comfortably exceed one-hop
// propagation delay across the fleet.
const DefaultHoldWindow = 3 * time.Second

// DefaultPendingTTL bounds how long an observed contender survives without
// its target being resolved or committed. A contender that crashes between
// request and commit must not sit in every observer's table forever.
const DefaultPendingTTL = 30 * time.Second

type State string

const (
	StatePending   State = "PENDING"
	StateCommitted State = "COMMITTED"
	StateRejected  State = "REJECTED"
	StateReleased  State = "RELEASED"
	StateExpired   State = "EXPIRED"
)

var (
	ErrHeld       = errors.New("intent: target already held")
	ErrLost       = errors.New("intent: lost tie-break")
	ErrNotHolder  = errors.New("intent: not the current holder")
	ErrStaleToken = errors.New("intent: stale fencing token")
)

// Lock is one entry in the local view of the fleet's mutual exclusion state.
// Timestamp is the requester's envelope timestamp, the primary tie-break key.
type Lock struct {
	Target       string
	Holder       proto.NodeID
	RequestID    string
	Timestamp    int64
	TTL          time.Duration
	State        State
	FencingToken uint64
	Deadline     time.Time
}

type fencingRecord struct {
	Target string `json:"target"`
	Token  uint64 `json:"token"`
}

// Manager holds the lock table. It is deliberately network-free: the
// dispatcher feeds it local and remote transitions and broadcasts whatever
// each call tells it to. Every node runs the same resolution rule over the
// same observed requests, so committed outcomes agree without a coordinator.
type Manager struct {
	mu   sync.Mutex
	self proto.NodeID
	path string
	log  *zap.Logger

	// PendingTTL is how long an unresolved contender stays observable.
	// Must exceed the hold window in use. Set before any Observe call.
	PendingTTL time.Duration

	// committed holds at most one live lock per target. pending holds the
	// contenders observed during a hold window, keyed by request id.
	committed map[string]*Lock
	pending   map[string]map[string]*Lock
	fencing   map[string]uint64
}

// New loads persisted fencing counters so tokens stay monotonic across
// restarts. path may be empty for a memory-only manager.
func New(self proto.NodeID, path string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		self:       self,
		path:       path,
		log:        log,
		PendingTTL: DefaultPendingTTL,
		committed:  make(map[string]*Lock),
		pending:    make(map[string]map[string]*Lock),
		fencing:    make(map[string]uint64),
	}
	if path == "" {
		return m, nil
	}
	records, err := store.ReadJSONL[fencingRecord](path)
	if err != nil {
		return nil, fmt.Errorf("load fencing counters: %w", err)
	}
	for _, rec := range records {
		if rec.Token > m.fencing[rec.Target] {
			m.fencing[rec.Target] = rec.Token
		}
	}
	return m, nil
}

// Observe records a lock request, local or remote, as a pending contender.
// It fails with ErrHeld when a live committed lock for the target already
// exists, in which case the request is not recorded at all.
func (m *Manager) Observe(target string, holder proto.NodeID, requestID string, ts int64, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)

	if cur, ok := m.committed[target]; ok {
		if cur.Holder == holder {
			return ErrHeld
		}
		return fmt.Errorf("%w: held by %s", ErrHeld, cur.Holder.Hex())
	}
	contenders := m.pending[target]
	if contenders == nil {
		contenders = make(map[string]*Lock)
		m.pending[target] = contenders
	}
	if _, ok := contenders[requestID]; ok {
		return nil
	}
	contenders[requestID] = &Lock{
		Target:    target,
		Holder:    holder,
		RequestID: requestID,
		Timestamp: ts,
		TTL:       ttl,
		State:     StatePending,
		Deadline:  now.Add(m.PendingTTL),
	}
	return nil
}

// Resolve runs after the hold window. The contender with the earliest
// timestamp wins; at equal timestamps the numerically lower holder id wins,
// so every node that saw the same set of requests picks the same winner.
// When this node's own request wins, the lock commits locally and the next
// fencing token for the target is issued and persisted.
func (m *Manager) Resolve(target, requestID string, now time.Time) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)

	contenders := m.pending[target]
	own, ok := contenders[requestID]
	if !ok {
		if _, held := m.committed[target]; held {
			return 0, ErrHeld
		}
		return 0, fmt.Errorf("intent: unknown request %s", requestID)
	}
	winner := own
	for _, c := range contenders {
		if beats(c, winner) {
			winner = c
		}
	}
	if winner != own {
		delete(contenders, requestID)
		m.log.Debug("lock lost",
			zap.String("target", target),
			zap.String("winner", winner.Holder.Hex()))
		return 0, fmt.Errorf("%w: to %s", ErrLost, winner.Holder.Hex())
	}

	token := m.fencing[target] + 1
	if err := m.persistTokenLocked(target, token); err != nil {
		return 0, err
	}
	m.fencing[target] = token
	own.State = StateCommitted
	own.FencingToken = token
	own.Deadline = now.Add(own.TTL)
	m.committed[target] = own
	delete(m.pending, target)
	m.log.Info("lock committed",
		zap.String("target", target),
		zap.Uint64("token", token),
		zap.Duration("ttl", own.TTL))
	return token, nil
}

func beats(a, b *Lock) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if a.Holder != b.Holder {
		return a.Holder.Less(b.Holder)
	}
	return a.RequestID < b.RequestID
}

// Commit installs a remote winner's committed lock. A token at or below the
// highest already seen for the target is a replay or a superseded holder and
// is refused.
func (m *Manager) Commit(target string, holder proto.NodeID, requestID string, token uint64, ts int64, ttl time.Duration, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)

	if token <= m.fencing[target] {
		return fmt.Errorf("%w: %d <= %d", ErrStaleToken, token, m.fencing[target])
	}
	if cur, ok := m.committed[target]; ok && cur.Holder != holder {
		// Two committed holders for one target means the hold window was
		// too short for the propagation delay. Keep the earlier winner.
		if !beats(&Lock{Timestamp: ts, Holder: holder}, cur) {
			return fmt.Errorf("%w: held by %s", ErrHeld, cur.Holder.Hex())
		}
		m.log.Warn("replacing committed lock on conflicting commit",
			zap.String("target", target),
			zap.String("old", cur.Holder.Hex()),
			zap.String("new", holder.Hex()))
	}
	if err := m.persistTokenLocked(target, token); err != nil {
		return err
	}
	m.fencing[target] = token
	m.committed[target] = &Lock{
		Target:       target,
		Holder:       holder,
		RequestID:    requestID,
		Timestamp:    ts,
		TTL:          ttl,
		State:        StateCommitted,
		FencingToken: token,
		Deadline:     now.Add(ttl),
	}
	delete(m.pending, target)
	return nil
}

// Release frees a committed lock. Only the current holder's token releases;
// anything else is a stray or replayed message.
func (m *Manager) Release(target string, holder proto.NodeID, token uint64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)

	cur, ok := m.committed[target]
	if !ok {
		return nil
	}
	if cur.Holder != holder {
		return ErrNotHolder
	}
	if cur.FencingToken != token {
		return ErrStaleToken
	}
	cur.State = StateReleased
	delete(m.committed, target)
	m.log.Info("lock released", zap.String("target", target), zap.Uint64("token", token))
	return nil
}

// ForceRelease is the recovery escape hatch for a stuck lock: it frees the
// target unconditionally, without holder or token checks.
func (m *Manager) ForceRelease(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.committed[target]; !ok {
		return false
	}
	delete(m.committed, target)
	m.log.Warn("lock force-released", zap.String("target", target))
	return true
}

// Holder reports the live committed lock for target, if any.
func (m *Manager) Holder(target string, now time.Time) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)
	cur, ok := m.committed[target]
	if !ok {
		return Lock{}, false
	}
	return *cur, true
}

// Snapshot lists all live committed locks, sorted by target.
func (m *Manager) Snapshot(now time.Time) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)
	out := make([]Lock, 0, len(m.committed))
	for _, l := range m.committed {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Sweep drops expired committed locks. The dispatcher calls it periodically;
// every read path also expires lazily, so a crashed holder's lock becomes
// acquirable the moment its TTL elapses.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(now)
}

func (m *Manager) expireLocked(now time.Time) int {
	n := 0
	for target, l := range m.committed {
		if l.Deadline.After(now) {
			continue
		}
		l.State = StateExpired
		delete(m.committed, target)
		n++
		m.log.Info("lock expired",
			zap.String("target", target),
			zap.String("holder", l.Holder.Hex()))
	}
	// Contenders whose requester never resolved or committed, a crashed
	// node for example, age out too so the pending table stays bounded.
	for target, contenders := range m.pending {
		for id, l := range contenders {
			if !l.Deadline.After(now) {
				delete(contenders, id)
			}
		}
		if len(contenders) == 0 {
			delete(m.pending, target)
		}
	}
	return n
}

func (m *Manager) persistTokenLocked(target string, token uint64) error {
	if m.path == "" {
		return nil
	}
	return store.AppendJSONL(m.path, fencingRecord{Target: target, Token: token})
}
