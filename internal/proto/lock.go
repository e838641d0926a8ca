// internal/proto/lock.go
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	MaxTargetLen  = 128
	MaxLockTTLSec = 3600
	MinLockTTLSec = 1
)

// LockRequestBody announces an acquisition attempt. RequestID makes each
// attempt a distinct logical event: retransmissions of one attempt share a
// msg id, a fresh attempt gets a new one.
type LockRequestBody struct {
	Target    string `json:"target"`
	RequestID string `json:"request_id"`
	TTLSec    uint32 `json:"ttl_sec"`
}

func EncodeLockRequestBody(b LockRequestBody) ([]byte, error) {
	return json.Marshal(b)
}

func DecodeLockRequestBody(data []byte) (LockRequestBody, error) {
	var b LockRequestBody
	if err := json.Unmarshal(data, &b); err != nil {
		return LockRequestBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateTarget(b.Target); err != nil {
		return LockRequestBody{}, err
	}
	if _, err := uuid.Parse(b.RequestID); err != nil {
		return LockRequestBody{}, fmt.Errorf("%w: bad request_id", ErrValidation)
	}
	if b.TTLSec < MinLockTTLSec || b.TTLSec > MaxLockTTLSec {
		return LockRequestBody{}, fmt.Errorf("%w: ttl out of range", ErrValidation)
	}
	return b, nil
}

// LockCommitBody is broadcast by a winner after its hold window resolves.
type LockCommitBody struct {
	Target       string `json:"target"`
	RequestID    string `json:"request_id"`
	FencingToken uint64 `json:"fencing_token"`
	TTLSec       uint32 `json:"ttl_sec"`
}

func EncodeLockCommitBody(b LockCommitBody) ([]byte, error) {
	return json.Marshal(b)
}

func DecodeLockCommitBody(data []byte) (LockCommitBody, error) {
	var b LockCommitBody
	if err := json.Unmarshal(data, &b); err != nil {
		return LockCommitBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateTarget(b.Target); err != nil {
		return LockCommitBody{}, err
	}
	if _, err := uuid.Parse(b.RequestID); err != nil {
		return LockCommitBody{}, fmt.Errorf("%w: bad request_id", ErrValidation)
	}
	if b.FencingToken == 0 {
		return LockCommitBody{}, fmt.Errorf("%w: zero fencing token", ErrValidation)
	}
	if b.TTLSec < MinLockTTLSec || b.TTLSec > MaxLockTTLSec {
		return LockCommitBody{}, fmt.Errorf("%w: ttl out of range", ErrValidation)
	}
	return b, nil
}

// LockReleaseBody frees a committed lock before its TTL elapses.
type LockReleaseBody struct {
	Target       string `json:"target"`
	FencingToken uint64 `json:"fencing_token"`
}

func EncodeLockReleaseBody(b LockReleaseBody) ([]byte, error) {
	return json.Marshal(b)
}

func DecodeLockReleaseBody(data []byte) (LockReleaseBody, error) {
	var b LockReleaseBody
	if err := json.Unmarshal(data, &b); err != nil {
		return LockReleaseBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateTarget(b.Target); err != nil {
		return LockReleaseBody{}, err
	}
	return b, nil
}

func validateTarget(target string) error {
	if target == "" || len(target) > MaxTargetLen {
		return fmt.Errorf("%w: bad target", ErrValidation)
	}
	return nil
}
