// internal/relay/relay.go
package relay

import (
	"container/list"
	"sync"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

const (
	DefaultCap = 4096
	// Records only need to outlive the flood itself, not the dedup horizon.
	DefaultTTL = 5 * time.Minute
)

// Manager decides whether an inbound, already-verified envelope should be
// forwarded to peers beyond the direct link. Loop prevention is structural:
// a bounded record of relayed msg ids plus the hop list carried in the
// envelope. The msg id is never touched, so a relayed copy stays a duplicate
// of the original everywhere it lands.
type Manager struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	records  map[proto.MsgID]*list.Element
}

type record struct {
	msgID   proto.MsgID
	expires time.Time
}

func New(capacity int, ttl time.Duration) *Manager {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		records:  make(map[proto.MsgID]*list.Element),
	}
}

// Prepare returns the forwardable copy of env, or false when the message
// must not travel further: TTL exhausted after decrement, this node already
// on the hop list, or this node has relayed the msg id before. On success the
// copy has its TTL decremented and this node appended to the hop list, and
// the msg id is recorded so a late duplicate arriving over another path is
// not relayed a second time.
func (m *Manager) Prepare(env proto.Envelope, self proto.NodeID) (proto.Envelope, bool) {
	if env.TTL <= 1 {
		return proto.Envelope{}, false
	}
	if env.Sender == self || env.Visited(self) {
		return proto.Envelope{}, false
	}
	if len(env.Hops) >= proto.MaxHops {
		return proto.Envelope{}, false
	}
	if !m.markIfNew(env.MsgID, time.Now()) {
		return proto.Envelope{}, false
	}
	out := env
	out.TTL = env.TTL - 1
	out.Hops = make([]proto.NodeID, 0, len(env.Hops)+1)
	out.Hops = append(out.Hops, env.Hops...)
	out.Hops = append(out.Hops, self)
	return out, true
}

// SkipTarget reports whether peer must be excluded from the fan-out for a
// prepared envelope: the original sender and every visited hop already hold
// the message.
func SkipTarget(env proto.Envelope, peer proto.NodeID) bool {
	return peer == env.Sender || env.Visited(peer)
}

func (m *Manager) markIfNew(id proto.MsgID, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.records[id]; ok {
		if el.Value.(*record).expires.After(now) {
			return false
		}
		m.order.Remove(el)
		delete(m.records, id)
	}
	m.evict(now)
	m.records[id] = m.order.PushBack(&record{msgID: id, expires: now.Add(m.ttl)})
	return true
}

func (m *Manager) evict(now time.Time) {
	for m.order.Len() > 0 {
		front := m.order.Front()
		rec := front.Value.(*record)
		if rec.expires.After(now) && m.order.Len() < m.capacity {
			return
		}
		m.order.Remove(front)
		delete(m.records, rec.msgID)
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
