// internal/hivecrypto/hivecrypto.go
package hivecrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// Fixed suite: ed25519 signatures over SHA3-256 digests. Key management
// beyond local keypair files is external to the substrate.

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Signer produces detached signatures over 32-byte digests. The node's own
// key satisfies it; remote signing oracles can too.
type Signer interface {
	PublicKey() []byte
	Sign(digest []byte) ([]byte, error)
}

// Verifier checks a detached signature over a 32-byte digest.
type Verifier interface {
	Verify(pub, digest, sig []byte) bool
}

func GenKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

type localSigner struct {
	pub  []byte
	priv ed25519.PrivateKey
}

func NewSigner(pub, priv []byte) (Signer, error) {
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("bad key size")
	}
	return &localSigner{pub: pub, priv: ed25519.PrivateKey(priv)}, nil
}

func (s *localSigner) PublicKey() []byte {
	return s.pub
}

func (s *localSigner) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.New("bad digest size")
	}
	return ed25519.Sign(s.priv, digest), nil
}

type ed25519Verifier struct{}

func NewVerifier() Verifier {
	return ed25519Verifier{}
}

func (ed25519Verifier) Verify(pub, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(digest) != 32 || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

func IsPublicKey(pub []byte) bool {
	return len(pub) == ed25519.PublicKeySize
}

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, "pub.hex"), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "priv.hex"), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) ([]byte, []byte, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, "pub.hex"))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, "priv.hex"))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad pub.hex")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad priv.hex")
	}
	return pub, priv, nil
}

// LoadOrCreateKeypair reuses an existing on-disk keypair or generates and
// persists a fresh one.
func LoadOrCreateKeypair(dir string) ([]byte, []byte, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = GenKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
