// internal/peer/invites.go
package peer

import (
	"sync"

	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

// InviteLedger records consumed invite ids so a credential admits exactly
// one peer. Append-only; reloaded on restart.
type InviteLedger struct {
	mu   sync.Mutex
	path string
	used map[string]struct{}
}

type diskInvite struct {
	InviteID string `json:"invite_id"`
}

func NewInviteLedger(path string) (*InviteLedger, error) {
	l := &InviteLedger{path: path, used: make(map[string]struct{})}
	if path != "" {
		recs, err := store.ReadJSONL[diskInvite](path)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.InviteID != "" {
				l.used[rec.InviteID] = struct{}{}
			}
		}
	}
	return l, nil
}

// Consume marks the invite used, returning false when it already was.
func (l *InviteLedger) Consume(inviteID string) (bool, error) {
	if inviteID == "" {
		return false, nil
	}
	l.mu.Lock()
	if _, ok := l.used[inviteID]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.used[inviteID] = struct{}{}
	l.mu.Unlock()
	if l.path == "" {
		return true, nil
	}
	return true, store.AppendJSONL(l.path, diskInvite{InviteID: inviteID})
}

func (l *InviteLedger) Used(inviteID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.used[inviteID]
	return ok
}
