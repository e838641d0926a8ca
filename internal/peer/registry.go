// internal/peer/registry.go
package peer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

const (
	DefaultStaleAfter = 30 * time.Minute
)

var ErrUnknownPeer = errors.New("unknown peer")

// Member is one registry entry. Entries are created on a completed handshake
// and never deleted; a peer that stops talking goes stale and is eventually
// marked inactive, but its identity binding survives restarts.
type Member struct {
	NodeID       proto.NodeID
	Pub          []byte
	MinVersion   uint16
	MaxVersion   uint16
	Capabilities []string
	Addr         string
	LastSeen     time.Time
	Active       bool
}

type diskMember struct {
	NodeID       string   `json:"node_id"`
	Pub          string   `json:"pub"`
	MinVersion   uint16   `json:"min_version"`
	MaxVersion   uint16   `json:"max_version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Addr         string   `json:"addr,omitempty"`
	LastSeen     int64    `json:"last_seen"`
	Active       bool     `json:"active"`
}

// Registry is the single owner of the membership table. Readers get copies.
type Registry struct {
	mu         sync.Mutex
	path       string
	staleAfter time.Duration
	members    map[proto.NodeID]*Member
}

func NewRegistry(path string, staleAfter time.Duration) (*Registry, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	r := &Registry{
		path:       path,
		staleAfter: staleAfter,
		members:    make(map[proto.NodeID]*Member),
	}
	if path != "" {
		recs, err := store.ReadJSONL[diskMember](path)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		for _, rec := range recs {
			m, err := memberFromDisk(rec)
			if err != nil {
				continue
			}
			// Clamp last-seen forward on load: the on-disk value dates
			// from the last flush, and an active member admitted long
			// before a restart must not start outside the staleness
			// horizon with broadcasts skipping it. The sweep re-stales
			// it if it stays silent.
			if m.Active && m.LastSeen.Before(now) {
				m.LastSeen = now
			}
			r.members[m.NodeID] = &m
		}
	}
	return r, nil
}

// Upsert registers or refreshes a member. The node id must be derived from
// the pubkey; a mismatch is an identity forgery attempt and is rejected.
func (r *Registry) Upsert(m Member, persist bool) error {
	if m.NodeID.IsZero() {
		return fmt.Errorf("missing node_id")
	}
	if !hivecrypto.IsPublicKey(m.Pub) {
		return fmt.Errorf("missing pubkey")
	}
	if proto.DeriveNodeID(m.Pub) != m.NodeID {
		return fmt.Errorf("node_id/pubkey mismatch")
	}
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	m.Active = true
	pub := make([]byte, len(m.Pub))
	copy(pub, m.Pub)
	m.Pub = pub

	r.mu.Lock()
	if existing, ok := r.members[m.NodeID]; ok {
		if m.Addr == "" {
			m.Addr = existing.Addr
		}
		if len(m.Capabilities) == 0 {
			m.Capabilities = existing.Capabilities
		}
	}
	stored := m
	r.members[m.NodeID] = &stored
	r.mu.Unlock()

	if !persist || r.path == "" {
		return nil
	}
	return store.AppendJSONL(r.path, memberToDisk(m))
}

// Touch refreshes last-seen on every verified inbound message and revives an
// inactive entry. Not persisted per message; Flush captures it.
func (r *Registry) Touch(id proto.NodeID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		m.LastSeen = now
		m.Active = true
	}
}

// MarkStale flags a member that exhausted delivery retries. It stays in the
// registry and revives on its next verified message.
func (r *Registry) MarkStale(id proto.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		m.Active = false
	}
}

// MarkStaleBefore deactivates every member silent past the staleness
// horizon. Called from the node's periodic sweep.
func (r *Registry) MarkStaleBefore(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.staleAfter)
	for _, m := range r.members {
		if m.Active && m.LastSeen.Before(cutoff) {
			m.Active = false
		}
	}
}

func (r *Registry) Get(id proto.NodeID) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return Member{}, false
	}
	return copyMember(*m), true
}

// PubKey returns the signature-verification key bound to id.
func (r *Registry) PubKey(id proto.NodeID) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	pub := make([]byte, len(m.Pub))
	copy(pub, m.Pub)
	return pub, true
}

func (r *Registry) Has(id proto.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// List snapshots all members, active and inactive, in stable id order.
func (r *Registry) List() []Member {
	r.mu.Lock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, copyMember(*m))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID.Less(out[j].NodeID)
	})
	return out
}

// ActiveIDs lists members considered reachable: active and seen within the
// staleness horizon.
func (r *Registry) ActiveIDs(now time.Time) []proto.NodeID {
	r.mu.Lock()
	out := make([]proto.NodeID, 0, len(r.members))
	for id, m := range r.members {
		if m.Active && now.Sub(m.LastSeen) <= r.staleAfter {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Less(out[j])
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Flush compacts the on-disk table to the current in-memory state, capturing
// last-seen updates accumulated since the last flush.
func (r *Registry) Flush() error {
	if r.path == "" {
		return nil
	}
	members := r.List()
	recs := make([]diskMember, 0, len(members))
	for _, m := range members {
		recs = append(recs, memberToDisk(m))
	}
	return store.RewriteJSONL(r.path, recs)
}

func copyMember(m Member) Member {
	pub := make([]byte, len(m.Pub))
	copy(pub, m.Pub)
	m.Pub = pub
	caps := make([]string, len(m.Capabilities))
	copy(caps, m.Capabilities)
	m.Capabilities = caps
	return m
}

func memberToDisk(m Member) diskMember {
	return diskMember{
		NodeID:       m.NodeID.Hex(),
		Pub:          hex.EncodeToString(m.Pub),
		MinVersion:   m.MinVersion,
		MaxVersion:   m.MaxVersion,
		Capabilities: m.Capabilities,
		Addr:         m.Addr,
		LastSeen:     m.LastSeen.Unix(),
		Active:       m.Active,
	}
}

func memberFromDisk(rec diskMember) (Member, error) {
	id, err := proto.ParseNodeID(rec.NodeID)
	if err != nil {
		return Member{}, err
	}
	pub, err := hex.DecodeString(rec.Pub)
	if err != nil || !hivecrypto.IsPublicKey(pub) {
		return Member{}, fmt.Errorf("bad pubkey")
	}
	if proto.DeriveNodeID(pub) != id {
		return Member{}, fmt.Errorf("node_id/pubkey mismatch")
	}
	return Member{
		NodeID:       id,
		Pub:          pub,
		MinVersion:   rec.MinVersion,
		MaxVersion:   rec.MaxVersion,
		Capabilities: rec.Capabilities,
		Addr:         rec.Addr,
		LastSeen:     time.Unix(rec.LastSeen, 0),
		Active:       rec.Active,
	}, nil
}
