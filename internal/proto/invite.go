// internal/proto/invite.go
package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
)

const (
	InviteCertV       = uint16(1)
	InviteScopeGossip = uint32(1 << 0)
	InviteScopeLock   = uint32(1 << 1)
	InviteScopeAll    = InviteScopeGossip | InviteScopeLock
)

// InviteCert is the credential a joining peer presents in its HELLO. It is
// the sole trust anchor for first contact: the inviter must already be an
// active fleet member and the invitee pubkey must match the hello sender.
type InviteCert struct {
	V          uint16
	InviterPub []byte
	InviteePub []byte
	InviteID   string
	IssuedAt   uint64
	ExpiresAt  uint64
	Scope      uint32
	Sig        []byte
}

type inviteCertWire struct {
	V          uint16 `json:"v"`
	InviterPub string `json:"inviter_pub"`
	InviteePub string `json:"invitee_pub"`
	InviteID   string `json:"invite_id"`
	IssuedAt   uint64 `json:"issued_at"`
	ExpiresAt  uint64 `json:"expires_at"`
	Scope      uint32 `json:"scope"`
	Sig        string `json:"sig"`
}

func inviteCertToWire(c InviteCert) inviteCertWire {
	return inviteCertWire{
		V:          c.V,
		InviterPub: hex.EncodeToString(c.InviterPub),
		InviteePub: hex.EncodeToString(c.InviteePub),
		InviteID:   c.InviteID,
		IssuedAt:   c.IssuedAt,
		ExpiresAt:  c.ExpiresAt,
		Scope:      c.Scope,
		Sig:        hex.EncodeToString(c.Sig),
	}
}

// EncodeInviteCert serializes a credential for handing to the invitee out
// of band (a file, a pasted blob).
func EncodeInviteCert(c InviteCert) ([]byte, error) {
	return json.Marshal(inviteCertToWire(c))
}

func DecodeInviteCert(data []byte) (InviteCert, error) {
	var w inviteCertWire
	if err := json.Unmarshal(data, &w); err != nil {
		return InviteCert{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return inviteCertFromWire(w)
}

func inviteCertFromWire(w inviteCertWire) (InviteCert, error) {
	inviterPub, err := hex.DecodeString(w.InviterPub)
	if err != nil || !hivecrypto.IsPublicKey(inviterPub) {
		return InviteCert{}, fmt.Errorf("%w: bad inviter_pub", ErrValidation)
	}
	inviteePub, err := hex.DecodeString(w.InviteePub)
	if err != nil || !hivecrypto.IsPublicKey(inviteePub) {
		return InviteCert{}, fmt.Errorf("%w: bad invitee_pub", ErrValidation)
	}
	if _, err := uuid.Parse(w.InviteID); err != nil {
		return InviteCert{}, fmt.Errorf("%w: bad invite_id", ErrValidation)
	}
	sig, err := hex.DecodeString(w.Sig)
	if err != nil || len(sig) == 0 {
		return InviteCert{}, fmt.Errorf("%w: bad invite sig", ErrValidation)
	}
	return InviteCert{
		V:          w.V,
		InviterPub: inviterPub,
		InviteePub: inviteePub,
		InviteID:   w.InviteID,
		IssuedAt:   w.IssuedAt,
		ExpiresAt:  w.ExpiresAt,
		Scope:      w.Scope,
		Sig:        sig,
	}, nil
}

// InviteCertSigningBytes is the deterministic encoding the inviter signs.
func InviteCertSigningBytes(c InviteCert) ([]byte, error) {
	if len(c.InviterPub) == 0 || len(c.InviteePub) == 0 {
		return nil, fmt.Errorf("missing invite keys")
	}
	if c.InviteID == "" {
		return nil, fmt.Errorf("missing invite_id")
	}
	buf := make([]byte, 0, 2+2+len(c.InviterPub)+2+len(c.InviteePub)+2+len(c.InviteID)+8+8+4)
	tmp2 := make([]byte, 2)
	tmp4 := make([]byte, 4)
	tmp8 := make([]byte, 8)
	binary.BigEndian.PutUint16(tmp2, c.V)
	buf = append(buf, tmp2...)
	buf = appendLenPrefixed(buf, c.InviterPub)
	buf = appendLenPrefixed(buf, c.InviteePub)
	buf = appendLenPrefixed(buf, []byte(c.InviteID))
	binary.BigEndian.PutUint64(tmp8, c.IssuedAt)
	buf = append(buf, tmp8...)
	binary.BigEndian.PutUint64(tmp8, c.ExpiresAt)
	buf = append(buf, tmp8...)
	binary.BigEndian.PutUint32(tmp4, c.Scope)
	buf = append(buf, tmp4...)
	return buf, nil
}

// NewInviteCert issues a credential for inviteePub, signed by the inviter.
func NewInviteCert(signer hivecrypto.Signer, inviteePub []byte, scope uint32, validFor time.Duration) (InviteCert, error) {
	now := time.Now().UTC()
	cert := InviteCert{
		V:          InviteCertV,
		InviterPub: signer.PublicKey(),
		InviteePub: inviteePub,
		InviteID:   uuid.NewString(),
		IssuedAt:   uint64(now.Unix()),
		ExpiresAt:  uint64(now.Add(validFor).Unix()),
		Scope:      scope,
	}
	raw, err := InviteCertSigningBytes(cert)
	if err != nil {
		return InviteCert{}, err
	}
	sig, err := signer.Sign(hivecrypto.SHA3_256(raw))
	if err != nil {
		return InviteCert{}, err
	}
	cert.Sig = sig
	return cert, nil
}

// VerifyInviteCert checks the signature and validity window. Membership of
// the inviter is the caller's concern.
func VerifyInviteCert(verifier hivecrypto.Verifier, c InviteCert, now time.Time) error {
	raw, err := InviteCertSigningBytes(c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !verifier.Verify(c.InviterPub, hivecrypto.SHA3_256(raw), c.Sig) {
		return fmt.Errorf("%w: invite signature invalid", ErrValidation)
	}
	ts := uint64(now.Unix())
	if c.ExpiresAt != 0 && ts > c.ExpiresAt {
		return fmt.Errorf("%w: invite expired", ErrValidation)
	}
	if c.IssuedAt != 0 && c.IssuedAt > ts+300 {
		return fmt.Errorf("%w: invite issued in the future", ErrValidation)
	}
	return nil
}
