// internal/gossip/engine.go
package gossip

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Engine owns this node's view of the fleet state and implements the
// anti-entropy protocol logic. It never touches the network: the dispatcher
// feeds it inbound bodies and sends whatever it returns.
type Engine struct {
	self proto.NodeID
	log  *zap.Logger

	mu      sync.Mutex
	payload proto.MemberPayload
	version uint64

	Map *HiveMap
}

func NewEngine(self proto.NodeID, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{self: self, log: log, Map: NewHiveMap()}
}

// SetLocalPayload bumps the local version counter and folds the new snapshot
// into the map. The version only moves forward, even across equal payloads,
// so every change is observable by peers.
func (e *Engine) SetLocalPayload(p proto.MemberPayload) proto.MemberState {
	e.mu.Lock()
	if have, ok := e.Map.Get(e.self); ok && have.Version > e.version {
		e.version = have.Version
	}
	e.version++
	e.payload = p
	state := proto.MemberState{
		Owner:       e.self,
		Version:     e.version,
		Payload:     p,
		ContentHash: proto.PayloadHash(p),
	}
	e.mu.Unlock()
	e.Map.Apply(state)
	return state
}

// reassert handles an echo of this node's own entry arriving from a peer.
// Most echoes lose to the current map entry and are ignored. One that would
// win means the local counter restarted behind the fleet's view of us: jump
// past it and re-advertise the current payload so the stale entry cannot
// displace it anywhere.
func (e *Engine) reassert(s proto.MemberState) {
	if cur, ok := e.Map.Get(e.self); ok {
		have := proto.StateSummary{Owner: cur.Owner, Version: cur.Version, ContentHash: cur.ContentHash}
		if !supersedes(s, have) {
			return
		}
	}
	e.mu.Lock()
	if e.version == 0 {
		// Nothing set locally this run yet: adopt the fleet's view and
		// continue the counter from it.
		e.version = s.Version
		e.payload = s.Payload
		e.mu.Unlock()
		e.Map.Apply(s)
		return
	}
	e.version = s.Version + 1
	state := proto.MemberState{
		Owner:       e.self,
		Version:     e.version,
		Payload:     e.payload,
		ContentHash: proto.PayloadHash(e.payload),
	}
	e.mu.Unlock()
	e.Map.Apply(state)
	e.log.Debug("reasserted local state over stale echo",
		zap.Uint64("echo_version", s.Version),
		zap.Uint64("version", state.Version))
}

// Heartbeat builds the periodic broadcast body: own latest state plus the
// current aggregate hash.
func (e *Engine) Heartbeat() (proto.HeartbeatBody, bool) {
	state, ok := e.Map.Get(e.self)
	if !ok {
		return proto.HeartbeatBody{}, false
	}
	return proto.HeartbeatBody{State: state, AggHash: e.Map.AggregateHash()}, true
}

// OnHeartbeat merges the sender's state. When the advertised aggregate hash
// still disagrees afterwards the views have diverged beyond this one entry,
// and the returned pull body asks the sender for exactly the difference.
func (e *Engine) OnHeartbeat(sender proto.NodeID, body proto.HeartbeatBody) (*proto.StatePullBody, error) {
	if body.State.Owner != sender {
		// Third-party states travel via StatePush; a heartbeat only ever
		// carries the sender's own entry.
		return nil, proto.ErrValidation
	}
	if e.Map.Apply(body.State) {
		e.log.Debug("gossip state updated",
			zap.String("owner", body.State.Owner.Hex()),
			zap.Uint64("version", body.State.Version))
	}
	if e.Map.AggregateHash() == body.AggHash {
		return nil, nil
	}
	return &proto.StatePullBody{Summaries: e.Map.Summaries()}, nil
}

// OnStatePull answers with every entry that supersedes the requester's
// summary or covers an owner missing from it.
func (e *Engine) OnStatePull(body proto.StatePullBody) *proto.StatePushBody {
	known := make(map[proto.NodeID]proto.StateSummary, len(body.Summaries))
	for _, s := range body.Summaries {
		known[s.Owner] = s
	}
	var push proto.StatePushBody
	for _, s := range e.Map.Snapshot() {
		have, ok := known[s.Owner]
		if ok && !supersedes(s, have) {
			continue
		}
		push.States = append(push.States, s)
		if len(push.States) == proto.MaxPushStates {
			break
		}
	}
	if len(push.States) == 0 {
		return nil
	}
	return &push
}

// OnStatePush merges pushed entries under the usual rules. Entries owned by
// this node never merge directly; they go through reassert.
func (e *Engine) OnStatePush(body proto.StatePushBody) {
	for _, s := range body.States {
		if s.Owner == e.self {
			e.reassert(s)
			continue
		}
		if e.Map.Apply(s) {
			e.log.Debug("gossip state pulled",
				zap.String("owner", s.Owner.Hex()),
				zap.Uint64("version", s.Version))
		}
	}
}

func supersedes(s proto.MemberState, have proto.StateSummary) bool {
	if s.Version != have.Version {
		return s.Version > have.Version
	}
	for i := range s.ContentHash {
		if s.ContentHash[i] != have.ContentHash[i] {
			return s.ContentHash[i] > have.ContentHash[i]
		}
	}
	return false
}
