// internal/proto/envelope.go
package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Magic distinguishes hive traffic from anything else sharing the transport's
// experimental message range.
var Magic = [4]byte{'H', 'V', 'E', '1'}

const (
	headerSize = 6 // magic(4) + schema_version(2)
	MaxHops    = 16
)

// Envelope is the decoded wire frame. Body stays raw JSON; per-kind decoding
// happens after identity and dedup checks.
type Envelope struct {
	Version   uint16
	Kind      Kind
	Sender    NodeID
	Timestamp int64
	MsgID     MsgID
	Body      []byte
	Sig       []byte
	TTL       int
	Hops      []NodeID
}

type envelopeWire struct {
	Kind      uint16          `json:"kind"`
	Sender    string          `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	MsgID     string          `json:"msg_id"`
	Body      json.RawMessage `json:"body"`
	Sig       string          `json:"sig"`
	TTL       int             `json:"ttl,omitempty"`
	Hops      []string        `json:"hops,omitempty"`
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Sender.IsZero() {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedEnvelope)
	}
	if env.MsgID.IsZero() {
		return nil, fmt.Errorf("%w: missing msg id", ErrMalformedEnvelope)
	}
	if len(env.Sig) == 0 {
		return nil, fmt.Errorf("%w: missing sig", ErrMalformedEnvelope)
	}
	if len(env.Hops) > MaxHops {
		return nil, fmt.Errorf("%w: too many hops", ErrMalformedEnvelope)
	}
	version := env.Version
	if version == 0 {
		version = SchemaVersion
	}
	wire := envelopeWire{
		Kind:      uint16(env.Kind),
		Sender:    env.Sender.Hex(),
		Timestamp: env.Timestamp,
		MsgID:     env.MsgID.Hex(),
		Body:      json.RawMessage(env.Body),
		Sig:       hex.EncodeToString(env.Sig),
		TTL:       env.TTL,
	}
	if len(env.Body) == 0 {
		wire.Body = json.RawMessage("{}")
	}
	for _, hop := range env.Hops {
		wire.Hops = append(wire.Hops, hop.Hex())
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if headerSize+len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame too large", ErrMalformedEnvelope)
	}
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[:4], Magic[:])
	binary.BigEndian.PutUint16(out[4:6], version)
	return append(out, payload...), nil
}

// DecodeEnvelope parses and shape-checks a frame. minVersion is the local
// floor: frames below it fail with ErrUnsupportedVersion, frames above
// SchemaVersionMax fail the same way, and everything in between decodes even
// when the kind is unknown to this build.
func DecodeEnvelope(frame []byte, minVersion uint16) (Envelope, error) {
	if len(frame) < headerSize {
		return Envelope{}, fmt.Errorf("%w: truncated frame", ErrMalformedEnvelope)
	}
	if len(frame) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: frame too large", ErrMalformedEnvelope)
	}
	if [4]byte(frame[:4]) != Magic {
		return Envelope{}, fmt.Errorf("%w: bad magic", ErrMalformedEnvelope)
	}
	version := binary.BigEndian.Uint16(frame[4:6])
	if version < minVersion || version > SchemaVersionMax {
		return Envelope{}, fmt.Errorf("%w: version %d outside [%d,%d]", ErrUnsupportedVersion, version, minVersion, SchemaVersionMax)
	}
	var wire envelopeWire
	if err := json.Unmarshal(frame[headerSize:], &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	sender, err := ParseNodeID(wire.Sender)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad sender_id", ErrMalformedEnvelope)
	}
	msgID, err := ParseMsgID(wire.MsgID)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad msg_id", ErrMalformedEnvelope)
	}
	sig, err := hex.DecodeString(wire.Sig)
	if err != nil || len(sig) == 0 {
		return Envelope{}, fmt.Errorf("%w: bad sig", ErrMalformedEnvelope)
	}
	if len(wire.Body) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing body", ErrMalformedEnvelope)
	}
	kind := Kind(wire.Kind)
	if maxSize := MaxSizeForKind(kind); maxSize > 0 && len(wire.Body) > maxSize {
		return Envelope{}, fmt.Errorf("%w: body too large for %s", ErrMalformedEnvelope, kind)
	}
	if wire.TTL < 0 || len(wire.Hops) > MaxHops {
		return Envelope{}, fmt.Errorf("%w: bad relay fields", ErrMalformedEnvelope)
	}
	env := Envelope{
		Version:   version,
		Kind:      kind,
		Sender:    sender,
		Timestamp: wire.Timestamp,
		MsgID:     msgID,
		Body:      []byte(wire.Body),
		Sig:       sig,
		TTL:       wire.TTL,
	}
	for _, raw := range wire.Hops {
		hop, err := ParseNodeID(raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: bad hop", ErrMalformedEnvelope)
		}
		env.Hops = append(env.Hops, hop)
	}
	return env, nil
}

// Visited reports whether id already appears in the hop list or is the
// original sender.
func (e Envelope) Visited(id NodeID) bool {
	if id == e.Sender {
		return true
	}
	for _, hop := range e.Hops {
		if hop == id {
			return true
		}
	}
	return false
}
