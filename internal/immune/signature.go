package immune

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Digest algorithms accepted for the signed canonical hash.
const (
	DigestSHA256     = "sha256"
	DigestBLAKE2b256 = "blake2b-256"
)

// DigestFunc hashes canonical envelope bytes.
type DigestFunc func([]byte) []byte

// NewDigest returns the named digest. An empty name selects SHA-256.
func NewDigest(name string) (DigestFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DigestSHA256:
		return func(b []byte) []byte {
			sum := sha256.Sum256(b)
			return sum[:]
		}, nil
	case DigestBLAKE2b256:
		return func(b []byte) []byte {
			sum := blake2b.Sum256(b)
			return sum[:]
		}, nil
	default:
		return nil, fmt.Errorf("unknown digest %q", name)
	}
}

// VerifySignature checks an Ed25519 signature over digest. sourceAgent is
// the hex-encoded public key and signature is base64url with or without padding.
func VerifySignature(sourceAgent string, digest []byte, signature string) bool {
	key, err := hex.DecodeString(sourceAgent)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(signature, "="))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), digest, sig)
}

// EncodeSignature renders a signature the way VerifySignature expects it.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}
