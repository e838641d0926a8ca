// internal/proto/ack.go
package proto

import (
	"encoding/json"
	"fmt"
)

// AckBody acknowledges durable application of the referenced message. Acks
// are fire-and-forget; the sender's retry loop supplies the redundancy.
type AckBody struct {
	AckMsgID MsgID
}

type ackWire struct {
	AckMsgID string `json:"ack_msg_id"`
}

func EncodeAckBody(b AckBody) ([]byte, error) {
	return json.Marshal(ackWire{AckMsgID: b.AckMsgID.Hex()})
}

func DecodeAckBody(data []byte) (AckBody, error) {
	var w ackWire
	if err := json.Unmarshal(data, &w); err != nil {
		return AckBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	id, err := ParseMsgID(w.AckMsgID)
	if err != nil {
		return AckBody{}, fmt.Errorf("%w: bad ack_msg_id", ErrValidation)
	}
	return AckBody{AckMsgID: id}, nil
}

// ValidateBody runs the structural checks for kinds the substrate itself
// understands. Unknown and app kinds only get the size cap already enforced
// by DecodeEnvelope.
func ValidateBody(kind Kind, body []byte) error {
	var err error
	switch kind {
	case KindHello:
		_, err = DecodeHelloBody(body)
	case KindChallenge:
		_, err = DecodeChallengeBody(body)
	case KindAttest:
		_, err = DecodeAttestBody(body)
	case KindWelcome:
		_, err = DecodeWelcomeBody(body)
	case KindHeartbeat:
		_, err = DecodeHeartbeatBody(body)
	case KindStatePull:
		_, err = DecodeStatePullBody(body)
	case KindStatePush:
		_, err = DecodeStatePushBody(body)
	case KindLockRequest:
		_, err = DecodeLockRequestBody(body)
	case KindLockCommit:
		_, err = DecodeLockCommitBody(body)
	case KindLockRelease:
		_, err = DecodeLockReleaseBody(body)
	case KindAck:
		_, err = DecodeAckBody(body)
	}
	return err
}
