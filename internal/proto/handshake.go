// internal/proto/handshake.go
package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
)

const (
	MaxCapabilities  = 16
	MaxCapabilityLen = 64
	NonceSize        = 32
	attestSigDomain  = "hive:attest:v1"
)

// HelloBody opens the handshake: the joining peer presents its pubkey, the
// invite credential and its supported schema range.
type HelloBody struct {
	Pub        []byte
	Invite     InviteCert
	MinVersion uint16
	MaxVersion uint16
	ListenAddr string
}

type helloWire struct {
	Pub        string         `json:"pub"`
	Invite     inviteCertWire `json:"invite"`
	MinVersion uint16         `json:"min_version"`
	MaxVersion uint16         `json:"max_version"`
	ListenAddr string         `json:"listen_addr,omitempty"`
}

func EncodeHelloBody(b HelloBody) ([]byte, error) {
	return json.Marshal(helloWire{
		Pub:        hex.EncodeToString(b.Pub),
		Invite:     inviteCertToWire(b.Invite),
		MinVersion: b.MinVersion,
		MaxVersion: b.MaxVersion,
		ListenAddr: b.ListenAddr,
	})
}

func DecodeHelloBody(data []byte) (HelloBody, error) {
	var w helloWire
	if err := json.Unmarshal(data, &w); err != nil {
		return HelloBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	pub, err := hex.DecodeString(w.Pub)
	if err != nil || !hivecrypto.IsPublicKey(pub) {
		return HelloBody{}, fmt.Errorf("%w: bad pub", ErrValidation)
	}
	invite, err := inviteCertFromWire(w.Invite)
	if err != nil {
		return HelloBody{}, err
	}
	if w.MinVersion == 0 || w.MaxVersion < w.MinVersion {
		return HelloBody{}, fmt.Errorf("%w: bad version range", ErrValidation)
	}
	if len(w.ListenAddr) > MaxAddrLen {
		return HelloBody{}, fmt.Errorf("%w: listen_addr too long", ErrValidation)
	}
	return HelloBody{
		Pub:        pub,
		Invite:     invite,
		MinVersion: w.MinVersion,
		MaxVersion: w.MaxVersion,
		ListenAddr: w.ListenAddr,
	}, nil
}

// ChallengeBody carries a random nonce the joining peer must sign back.
type ChallengeBody struct {
	Nonce []byte
}

type challengeWire struct {
	Nonce string `json:"nonce"`
}

func EncodeChallengeBody(b ChallengeBody) ([]byte, error) {
	return json.Marshal(challengeWire{Nonce: hex.EncodeToString(b.Nonce)})
}

func DecodeChallengeBody(data []byte) (ChallengeBody, error) {
	var w challengeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ChallengeBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	nonce, err := hex.DecodeString(w.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return ChallengeBody{}, fmt.Errorf("%w: bad nonce", ErrValidation)
	}
	return ChallengeBody{Nonce: nonce}, nil
}

// AttestBody answers a challenge: the nonce and capability manifest signed
// together under the attest domain.
type AttestBody struct {
	Nonce        []byte
	Capabilities []string
	MinVersion   uint16
	MaxVersion   uint16
	ManifestSig  []byte
}

type attestWire struct {
	Nonce        string   `json:"nonce"`
	Capabilities []string `json:"capabilities,omitempty"`
	MinVersion   uint16   `json:"min_version"`
	MaxVersion   uint16   `json:"max_version"`
	ManifestSig  string   `json:"manifest_sig"`
}

func EncodeAttestBody(b AttestBody) ([]byte, error) {
	return json.Marshal(attestWire{
		Nonce:        hex.EncodeToString(b.Nonce),
		Capabilities: b.Capabilities,
		MinVersion:   b.MinVersion,
		MaxVersion:   b.MaxVersion,
		ManifestSig:  hex.EncodeToString(b.ManifestSig),
	})
}

func DecodeAttestBody(data []byte) (AttestBody, error) {
	var w attestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return AttestBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	nonce, err := hex.DecodeString(w.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return AttestBody{}, fmt.Errorf("%w: bad nonce", ErrValidation)
	}
	if len(w.Capabilities) > MaxCapabilities {
		return AttestBody{}, fmt.Errorf("%w: too many capabilities", ErrValidation)
	}
	for _, c := range w.Capabilities {
		if c == "" || len(c) > MaxCapabilityLen {
			return AttestBody{}, fmt.Errorf("%w: bad capability", ErrValidation)
		}
	}
	if w.MinVersion == 0 || w.MaxVersion < w.MinVersion {
		return AttestBody{}, fmt.Errorf("%w: bad version range", ErrValidation)
	}
	sig, err := hex.DecodeString(w.ManifestSig)
	if err != nil || len(sig) == 0 {
		return AttestBody{}, fmt.Errorf("%w: bad manifest sig", ErrValidation)
	}
	return AttestBody{
		Nonce:        nonce,
		Capabilities: w.Capabilities,
		MinVersion:   w.MinVersion,
		MaxVersion:   w.MaxVersion,
		ManifestSig:  sig,
	}, nil
}

// AttestSigningBytes binds the challenge nonce to the capability manifest.
func AttestSigningBytes(nonce []byte, capabilities []string, minVersion, maxVersion uint16) []byte {
	buf := make([]byte, 0, len(attestSigDomain)+len(nonce)+64)
	buf = append(buf, []byte(attestSigDomain)...)
	buf = appendLenPrefixed(buf, nonce)
	for _, c := range capabilities {
		buf = appendLenPrefixed(buf, []byte(c))
	}
	buf = append(buf, byte(minVersion>>8), byte(minVersion), byte(maxVersion>>8), byte(maxVersion))
	return hivecrypto.SHA3_256(buf)
}

// WelcomeBody completes the handshake and seeds the new peer's registry.
type WelcomeBody struct {
	Peers []PeerInfo
}

type PeerInfo struct {
	NodeID NodeID
	Pub    []byte
	Addr   string
}

type peerInfoWire struct {
	NodeID string `json:"node_id"`
	Pub    string `json:"pub"`
	Addr   string `json:"addr,omitempty"`
}

type welcomeWire struct {
	Peers []peerInfoWire `json:"peers"`
}

const MaxWelcomePeers = 256

func EncodeWelcomeBody(b WelcomeBody) ([]byte, error) {
	w := welcomeWire{Peers: make([]peerInfoWire, 0, len(b.Peers))}
	for _, p := range b.Peers {
		w.Peers = append(w.Peers, peerInfoWire{
			NodeID: p.NodeID.Hex(),
			Pub:    hex.EncodeToString(p.Pub),
			Addr:   p.Addr,
		})
	}
	return json.Marshal(w)
}

func DecodeWelcomeBody(data []byte) (WelcomeBody, error) {
	var w welcomeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return WelcomeBody{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(w.Peers) > MaxWelcomePeers {
		return WelcomeBody{}, fmt.Errorf("%w: too many peers", ErrValidation)
	}
	out := WelcomeBody{Peers: make([]PeerInfo, 0, len(w.Peers))}
	for _, pw := range w.Peers {
		id, err := ParseNodeID(pw.NodeID)
		if err != nil {
			return WelcomeBody{}, fmt.Errorf("%w: bad peer node_id", ErrValidation)
		}
		pub, err := hex.DecodeString(pw.Pub)
		if err != nil || !hivecrypto.IsPublicKey(pub) {
			return WelcomeBody{}, fmt.Errorf("%w: bad peer pub", ErrValidation)
		}
		if len(pw.Addr) > MaxAddrLen {
			return WelcomeBody{}, fmt.Errorf("%w: peer addr too long", ErrValidation)
		}
		out.Peers = append(out.Peers, PeerInfo{NodeID: id, Pub: pub, Addr: pw.Addr})
	}
	return out, nil
}
