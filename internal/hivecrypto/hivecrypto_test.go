// internal/hivecrypto/hivecrypto_test.go
package hivecrypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	signer, err := NewSigner(pub, priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	v := NewVerifier()

	digest := SHA3_256([]byte("payload"))
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !v.Verify(pub, digest, sig) {
		t.Fatal("valid signature rejected")
	}
	if v.Verify(pub, SHA3_256([]byte("other payload")), sig) {
		t.Fatal("signature accepted for a different digest")
	}
	otherPub, _, _ := GenKeypair()
	if v.Verify(otherPub, digest, sig) {
		t.Fatal("signature accepted under a different key")
	}
}

func TestSignRejectsBadDigestSize(t *testing.T) {
	pub, priv, _ := GenKeypair()
	signer, _ := NewSigner(pub, priv)
	if _, err := signer.Sign([]byte("short")); err == nil {
		t.Fatal("expected error for non-32-byte digest")
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	pub, priv, _ := GenKeypair()
	signer, _ := NewSigner(pub, priv)
	digest := SHA3_256([]byte("x"))
	sig, _ := signer.Sign(digest)
	v := NewVerifier()

	cases := []struct {
		name             string
		pub, digest, sig []byte
	}{
		{"truncated pub", pub[:16], digest, sig},
		{"truncated digest", pub, digest[:16], sig},
		{"truncated sig", pub, digest, sig[:32]},
		{"nil sig", pub, digest, nil},
	}
	for _, tc := range cases {
		if v.Verify(tc.pub, tc.digest, tc.sig) {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestNewSignerRejectsBadKeySizes(t *testing.T) {
	pub, priv, _ := GenKeypair()
	if _, err := NewSigner(pub[:8], priv); err == nil {
		t.Fatal("expected error for short public key")
	}
	if _, err := NewSigner(pub, priv[:8]); err == nil {
		t.Fatal("expected error for short private key")
	}
}

func TestKeypairFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		t.Fatalf("save: %v", err)
	}
	gotPub, gotPriv, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(gotPub, pub) || !bytes.Equal(gotPriv, priv) {
		t.Fatal("loaded keypair differs from saved one")
	}
}

func TestLoadOrCreateReusesExisting(t *testing.T) {
	dir := t.TempDir()
	pub1, _, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	pub2, _, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Fatal("second call generated a fresh keypair")
	}
}
