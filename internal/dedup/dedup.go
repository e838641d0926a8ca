// internal/dedup/dedup.go
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

const (
	DefaultCap = 8192
	// The horizon must exceed the worst-case relay propagation delay or a
	// late duplicate would be re-processed.
	DefaultTTL = 30 * time.Minute
)

type key struct {
	sender proto.NodeID
	msgID  proto.MsgID
}

// Guard is the bounded replay cache of processed message identifiers. It is
// single-owner: all mutation goes through MarkIfNew under the internal lock.
type Guard struct {
	mu       sync.Mutex
	path     string
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[key]*list.Element
}

type entry struct {
	key     key
	expires time.Time
}

type diskEntry struct {
	Sender      string `json:"sender_id"`
	MsgID       string `json:"msg_id"`
	FirstSeenAt int64  `json:"first_seen_at"`
}

// New loads the persisted table so a restart does not re-apply messages seen
// shortly before the crash. path may be empty for a memory-only guard.
func New(path string, capacity int, ttl time.Duration) (*Guard, error) {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{
		path:     path,
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  make(map[key]*list.Element),
	}
	if path != "" {
		recs, err := store.ReadJSONL[diskEntry](path)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		for _, rec := range recs {
			sender, err := proto.ParseNodeID(rec.Sender)
			if err != nil {
				continue
			}
			msgID, err := proto.ParseMsgID(rec.MsgID)
			if err != nil {
				continue
			}
			expires := time.Unix(rec.FirstSeenAt, 0).Add(ttl)
			if !expires.After(now) {
				continue
			}
			g.addLocked(key{sender: sender, msgID: msgID}, expires)
		}
	}
	return g, nil
}

// Seen reports whether the pair is in the cache without marking it.
func (g *Guard) Seen(sender proto.NodeID, msgID proto.MsgID) bool {
	if g == nil {
		return false
	}
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	_, ok := g.entries[key{sender: sender, msgID: msgID}]
	return ok
}

// MarkIfNew atomically records the pair, returning false when it was already
// present. The durable append happens before the caller proceeds, so a crash
// right after cannot double-apply on restart.
func (g *Guard) MarkIfNew(sender proto.NodeID, msgID proto.MsgID) (bool, error) {
	if g == nil {
		return true, nil
	}
	now := time.Now()
	k := key{sender: sender, msgID: msgID}
	g.mu.Lock()
	g.pruneLocked(now)
	if el, ok := g.entries[k]; ok {
		g.order.MoveToFront(el)
		g.mu.Unlock()
		return false, nil
	}
	g.addLocked(k, now.Add(g.ttl))
	g.mu.Unlock()
	if g.path == "" {
		return true, nil
	}
	rec := diskEntry{Sender: sender.Hex(), MsgID: msgID.Hex(), FirstSeenAt: now.Unix()}
	return true, store.AppendJSONL(g.path, rec)
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(time.Now())
	return len(g.entries)
}

func (g *Guard) addLocked(k key, expires time.Time) {
	if el, ok := g.entries[k]; ok {
		el.Value.(*entry).expires = expires
		g.order.MoveToFront(el)
		return
	}
	el := g.order.PushFront(&entry{key: k, expires: expires})
	g.entries[k] = el
	for g.capacity > 0 && len(g.entries) > g.capacity {
		back := g.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry)
		delete(g.entries, old.key)
		g.order.Remove(back)
	}
}

func (g *Guard) pruneLocked(now time.Time) {
	for el := g.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.expires.After(now) {
			el = prev
			continue
		}
		delete(g.entries, ent.key)
		g.order.Remove(el)
		el = prev
	}
}
