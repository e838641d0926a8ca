// internal/gossip/hivemap.go
package gossip

import (
	"bytes"
	"sort"
	"sync"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

const aggHashDomain = "hive:agghash:v1"

// HiveMap holds the latest known MemberState per owner. It is the single
// owner of that data: all mutation funnels through Apply under the internal
// lock and readers receive copies. The aggregate hash is derived lazily and
// is a pure, order-independent function of the member hashes, so any two
// nodes holding the same entries advertise the same digest.
type HiveMap struct {
	mu      sync.Mutex
	entries map[proto.NodeID]proto.MemberState
	agg     [32]byte
	aggOK   bool
}

func NewHiveMap() *HiveMap {
	return &HiveMap{entries: make(map[proto.NodeID]proto.MemberState)}
}

// Apply merges an incoming state under the convergence rules: strictly newer
// versions win; at equal versions the higher content hash wins, giving all
// holders the same total order even under duplicate concurrent updates.
// Out-of-order delivery can never regress an entry. Returns true when the
// map changed.
func (h *HiveMap) Apply(s proto.MemberState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.entries[s.Owner]
	if ok {
		if s.Version < cur.Version {
			return false
		}
		if s.Version == cur.Version && bytes.Compare(s.ContentHash[:], cur.ContentHash[:]) <= 0 {
			return false
		}
	}
	h.entries[s.Owner] = s
	h.aggOK = false
	return true
}

func (h *HiveMap) Get(owner proto.NodeID) (proto.MemberState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.entries[owner]
	return s, ok
}

// Snapshot returns all entries in stable owner order.
func (h *HiveMap) Snapshot() []proto.MemberState {
	h.mu.Lock()
	out := make([]proto.MemberState, 0, len(h.entries))
	for _, s := range h.entries {
		out = append(out, s)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.Less(out[j].Owner)
	})
	return out
}

// Summaries lists (owner, version, hash) for every entry, stable order.
func (h *HiveMap) Summaries() []proto.StateSummary {
	states := h.Snapshot()
	out := make([]proto.StateSummary, 0, len(states))
	for _, s := range states {
		out = append(out, proto.StateSummary{
			Owner:       s.Owner,
			Version:     s.Version,
			ContentHash: s.ContentHash,
		})
	}
	return out
}

// AggregateHash digests the sorted (owner, content hash) pairs.
func (h *HiveMap) AggregateHash() [32]byte {
	h.mu.Lock()
	if h.aggOK {
		agg := h.agg
		h.mu.Unlock()
		return agg
	}
	owners := make([]proto.NodeID, 0, len(h.entries))
	for owner := range h.entries {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		return owners[i].Less(owners[j])
	})
	buf := make([]byte, 0, len(aggHashDomain)+len(owners)*64)
	buf = append(buf, []byte(aggHashDomain)...)
	for _, owner := range owners {
		s := h.entries[owner]
		buf = append(buf, owner[:]...)
		buf = append(buf, s.ContentHash[:]...)
	}
	copy(h.agg[:], hivecrypto.SHA3_256(buf))
	h.aggOK = true
	agg := h.agg
	h.mu.Unlock()
	return agg
}

func (h *HiveMap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
