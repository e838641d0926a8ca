// internal/proto/gossip.go
package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
)

const (
	MaxAliasLen      = 64
	MaxAddresses     = 8
	MaxAddrLen       = 128
	MaxPullOwners    = 256
	MaxPushStates    = 256
	memberHashDomain = "hive:memberstate:v1"
)

// MemberPayload is the snapshot a node gossips about itself.
type MemberPayload struct {
	Alias       string   `json:"alias,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
	CapacitySat uint64   `json:"capacity_sat"`
	NumChannels int      `json:"num_channels"`
	UptimeSec   uint64   `json:"uptime_sec"`
}

// MemberState is one entry of the hive map: a peer's latest payload with its
// version counter and content hash.
type MemberState struct {
	Owner       NodeID
	Version     uint64
	Payload     MemberPayload
	ContentHash [32]byte
}

type memberStateWire struct {
	Owner       string        `json:"owner"`
	Version     uint64        `json:"version"`
	Payload     MemberPayload `json:"payload"`
	ContentHash string        `json:"content_hash"`
}

// PayloadHash is a pure function of the payload: any two holders of a
// byte-identical payload compute the same hash. Encoding is length-prefixed
// binary, not JSON, so map ordering and whitespace cannot leak in.
func PayloadHash(p MemberPayload) [32]byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, []byte(memberHashDomain)...)
	buf = appendLenPrefixed(buf, []byte(p.Alias))
	tmp4 := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp4, uint32(len(p.Addresses)))
	buf = append(buf, tmp4...)
	for _, a := range p.Addresses {
		buf = appendLenPrefixed(buf, []byte(a))
	}
	tmp8 := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp8, p.CapacitySat)
	buf = append(buf, tmp8...)
	binary.BigEndian.PutUint64(tmp8, uint64(p.NumChannels))
	buf = append(buf, tmp8...)
	binary.BigEndian.PutUint64(tmp8, p.UptimeSec)
	buf = append(buf, tmp8...)
	var out [32]byte
	copy(out[:], hivecrypto.SHA3_256(buf))
	return out
}

func appendLenPrefixed(buf, b []byte) []byte {
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, uint16(len(b)))
	buf = append(buf, tmp...)
	return append(buf, b...)
}

func validateMemberPayload(p MemberPayload) error {
	if len(p.Alias) > MaxAliasLen {
		return fmt.Errorf("%w: alias too long", ErrValidation)
	}
	if len(p.Addresses) > MaxAddresses {
		return fmt.Errorf("%w: too many addresses", ErrValidation)
	}
	for _, a := range p.Addresses {
		if a == "" || len(a) > MaxAddrLen {
			return fmt.Errorf("%w: bad address", ErrValidation)
		}
	}
	if p.NumChannels < 0 {
		return fmt.Errorf("%w: negative channel count", ErrValidation)
	}
	return nil
}

func memberStateToWire(s MemberState) memberStateWire {
	return memberStateWire{
		Owner:       s.Owner.Hex(),
		Version:     s.Version,
		Payload:     s.Payload,
		ContentHash: hex.EncodeToString(s.ContentHash[:]),
	}
}

func memberStateFromWire(w memberStateWire) (MemberState, error) {
	owner, err := ParseNodeID(w.Owner)
	if err != nil {
		return MemberState{}, fmt.Errorf("%w: bad owner", ErrValidation)
	}
	if w.Version == 0 {
		return MemberState{}, fmt.Errorf("%w: zero version", ErrValidation)
	}
	if err := validateMemberPayload(w.Payload); err != nil {
		return MemberState{}, err
	}
	hashBytes, err := hex.DecodeString(w.ContentHash)
	if err != nil || len(hashBytes) != 32 {
		return MemberState{}, fmt.Errorf("%w: bad content hash", ErrValidation)
	}
	s := MemberState{Owner: owner, Version: w.Version, Payload: w.Payload}
	copy(s.ContentHash[:], hashBytes)
	if s.ContentHash != PayloadHash(s.Payload) {
		return MemberState{}, fmt.Errorf("%w: content hash mismatch", ErrValidation)
	}
	return s, nil
}

// HeartbeatBody carries the sender's own state plus its current aggregate
// hash for anti-entropy comparison.
type HeartbeatBody struct {
	State   MemberState
	AggHash [32]byte
}

type heartbeatWire struct {
	State   memberStateWire `json:"state"`
	AggHash string          `json:"agg_hash"`
}

func EncodeHeartbeatBody(b HeartbeatBody) ([]byte, error) {
	return json.Marshal(heartbeatWire{
		State:   memberStateToWire(b.State),
		AggHash: hex.EncodeToString(b.AggHash[:]),
	})
}

func DecodeHeartbeatBody(data []byte) (HeartbeatBody, error) {
	var w heartbeatWire
	if err := json.Unmarshal(data, &w); err != nil {
		return HeartbeatBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	state, err := memberStateFromWire(w.State)
	if err != nil {
		return HeartbeatBody{}, err
	}
	aggBytes, err := hex.DecodeString(w.AggHash)
	if err != nil || len(aggBytes) != 32 {
		return HeartbeatBody{}, fmt.Errorf("%w: bad agg hash", ErrValidation)
	}
	out := HeartbeatBody{State: state}
	copy(out.AggHash[:], aggBytes)
	return out, nil
}

// StateSummary is one line of a pull request: what the requester currently
// holds for an owner. The responder pushes back only entries that supersede
// a summary line or cover owners the requester has never heard of, bounding
// reconciliation cost to the actual divergence.
type StateSummary struct {
	Owner       NodeID
	Version     uint64
	ContentHash [32]byte
}

type stateSummaryWire struct {
	Owner       string `json:"owner"`
	Version     uint64 `json:"version"`
	ContentHash string `json:"content_hash"`
}

type StatePullBody struct {
	Summaries []StateSummary
}

type statePullWire struct {
	Summaries []stateSummaryWire `json:"summaries"`
}

func EncodeStatePullBody(b StatePullBody) ([]byte, error) {
	w := statePullWire{Summaries: make([]stateSummaryWire, 0, len(b.Summaries))}
	for _, s := range b.Summaries {
		w.Summaries = append(w.Summaries, stateSummaryWire{
			Owner:       s.Owner.Hex(),
			Version:     s.Version,
			ContentHash: hex.EncodeToString(s.ContentHash[:]),
		})
	}
	return json.Marshal(w)
}

func DecodeStatePullBody(data []byte) (StatePullBody, error) {
	var w statePullWire
	if err := json.Unmarshal(data, &w); err != nil {
		return StatePullBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(w.Summaries) > MaxPullOwners {
		return StatePullBody{}, fmt.Errorf("%w: too many summaries", ErrValidation)
	}
	out := StatePullBody{Summaries: make([]StateSummary, 0, len(w.Summaries))}
	for _, sw := range w.Summaries {
		owner, err := ParseNodeID(sw.Owner)
		if err != nil {
			return StatePullBody{}, fmt.Errorf("%w: bad owner", ErrValidation)
		}
		hashBytes, err := hex.DecodeString(sw.ContentHash)
		if err != nil || len(hashBytes) != 32 {
			return StatePullBody{}, fmt.Errorf("%w: bad summary hash", ErrValidation)
		}
		s := StateSummary{Owner: owner, Version: sw.Version}
		copy(s.ContentHash[:], hashBytes)
		out.Summaries = append(out.Summaries, s)
	}
	return out, nil
}

// StatePushBody answers a pull with the requested entries.
type StatePushBody struct {
	States []MemberState
}

type statePushWire struct {
	States []memberStateWire `json:"states"`
}

func EncodeStatePushBody(b StatePushBody) ([]byte, error) {
	w := statePushWire{States: make([]memberStateWire, 0, len(b.States))}
	for _, s := range b.States {
		w.States = append(w.States, memberStateToWire(s))
	}
	return json.Marshal(w)
}

func DecodeStatePushBody(data []byte) (StatePushBody, error) {
	var w statePushWire
	if err := json.Unmarshal(data, &w); err != nil {
		return StatePushBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(w.States) == 0 || len(w.States) > MaxPushStates {
		return StatePushBody{}, fmt.Errorf("%w: bad state count", ErrValidation)
	}
	out := StatePushBody{States: make([]MemberState, 0, len(w.States))}
	for _, sw := range w.States {
		s, err := memberStateFromWire(sw)
		if err != nil {
			return StatePushBody{}, err
		}
		out.States = append(out.States, s)
	}
	return out, nil
}
