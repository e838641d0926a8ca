// internal/proto/proto.go
package proto

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
)

// Wire schema versioning. Peers within [min floor, SchemaVersionMax] keep
// exchanging traffic; SchemaVersionMax runs one ahead of current so a node
// can talk to the next release during a rolling upgrade.
const (
	SchemaVersion    uint16 = 1
	SchemaVersionMax uint16 = SchemaVersion + 1
)

const (
	MaxFrameSize = 1 << 20

	nodeIDDomain = "hive:nodeid:v1"
	msgIDDomain  = "hive:msgid:v1"
	sigDomain    = "hive:sig:v1"
)

// Kind identifies the semantic message type. Collaborator-registered types
// start at KindAppBase; anything a node does not recognize decodes as-is and
// is handed to the dispatcher as unknown rather than dropped.
type Kind uint16

const (
	KindUnknown Kind = 0

	KindHello     Kind = 1
	KindChallenge Kind = 2
	KindAttest    Kind = 3
	KindWelcome   Kind = 4

	KindHeartbeat Kind = 10
	KindStatePull Kind = 11
	KindStatePush Kind = 12

	KindLockRequest Kind = 20
	KindLockCommit  Kind = 21
	KindLockRelease Kind = 22

	KindAck Kind = 30

	KindAppBase Kind = 40
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindChallenge:
		return "challenge"
	case KindAttest:
		return "attest"
	case KindWelcome:
		return "welcome"
	case KindHeartbeat:
		return "heartbeat"
	case KindStatePull:
		return "state_pull"
	case KindStatePush:
		return "state_push"
	case KindLockRequest:
		return "lock_request"
	case KindLockCommit:
		return "lock_commit"
	case KindLockRelease:
		return "lock_release"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind_%d", uint16(k))
	}
}

// Handshake returns true for kinds a node accepts from senders that are not
// yet in the registry.
func (k Kind) Handshake() bool {
	return k == KindHello || k == KindChallenge || k == KindAttest || k == KindWelcome
}

// MaxSizeForKind caps the body size before JSON decode cost is paid.
func MaxSizeForKind(k Kind) int {
	switch k {
	case KindHello, KindAttest, KindWelcome:
		return 32 << 10
	case KindChallenge, KindAck, KindLockRequest, KindLockCommit, KindLockRelease:
		return 2 << 10
	case KindHeartbeat:
		return 8 << 10
	case KindStatePull, KindStatePush:
		return 256 << 10
	default:
		return 128 << 10
	}
}

type NodeID [32]byte

func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) IsZero() bool {
	var zero NodeID
	return id == zero
}

// Less is the stable ordering used for tie-breaks and aggregate hashing.
func (id NodeID) Less(other NodeID) bool {
	for i := 0; i < len(id); i++ {
		if id[i] == other[i] {
			continue
		}
		return id[i] < other[i]
	}
	return false
}

func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("bad node id")
	}
	copy(id[:], b)
	return id, nil
}

func DeriveNodeID(pub []byte) NodeID {
	buf := make([]byte, 0, len(nodeIDDomain)+len(pub))
	buf = append(buf, []byte(nodeIDDomain)...)
	buf = append(buf, pub...)
	var id NodeID
	copy(id[:], hivecrypto.SHA3_256(buf))
	return id
}

type MsgID [32]byte

func (m MsgID) Hex() string {
	return hex.EncodeToString(m[:])
}

func (m MsgID) IsZero() bool {
	var zero MsgID
	return m == zero
}

func ParseMsgID(s string) (MsgID, error) {
	var id MsgID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("bad msg id")
	}
	copy(id[:], b)
	return id, nil
}

// ComputeMsgID digests the semantic content of a message: kind, sender and
// body. Transport fields (ttl, hops) and the send attempt are excluded, so
// the same logical event keeps one msg id across direct sends, retries and
// every relay path.
func ComputeMsgID(kind Kind, sender NodeID, body []byte) MsgID {
	bodyHash := hivecrypto.SHA3_256(body)
	buf := make([]byte, 0, len(msgIDDomain)+2+32+32)
	buf = append(buf, []byte(msgIDDomain)...)
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, uint16(kind))
	buf = append(buf, tmp...)
	buf = append(buf, sender[:]...)
	buf = append(buf, bodyHash...)
	var id MsgID
	copy(id[:], hivecrypto.SHA3_256(buf))
	return id
}

// SigningDigest is the canonical payload an envelope signature covers. It is
// built only from semantic fields, never from ttl or hop lists, so relaying
// cannot invalidate a signature.
func SigningDigest(kind Kind, sender NodeID, timestamp int64, msgID MsgID, body []byte) []byte {
	bodyHash := hivecrypto.SHA3_256(body)
	buf := make([]byte, 0, len(sigDomain)+2+32+8+32+32)
	buf = append(buf, []byte(sigDomain)...)
	tmp2 := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp2, uint16(kind))
	buf = append(buf, tmp2...)
	buf = append(buf, sender[:]...)
	tmp8 := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp8, uint64(timestamp))
	buf = append(buf, tmp8...)
	buf = append(buf, msgID[:]...)
	buf = append(buf, bodyHash...)
	return hivecrypto.SHA3_256(buf)
}
