// Package crypto holds the signing primitives used to prove that heartbeat
// trace events were produced by this process.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SigPrefixEd25519 prefixes the algorithm tag of Ed25519 signatures.
const SigPrefixEd25519 = "ed25519"

// ErrEmptySeed is returned when key derivation is given no master seed.
var ErrEmptySeed = errors.New("crypto: master seed must not be empty")

// Signer signs opaque byte payloads. Implementations must be safe for
// concurrent use.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	Algorithm() string
}

// ErrInvalidKey is returned by Verify for a malformed public key.
var ErrInvalidKey = errors.New("crypto: invalid ed25519 public key")

// Ed25519Signer signs with an in-memory key that never leaves the process.
type Ed25519Signer struct {
	key   ed25519.PrivateKey
	KeyID string
}

// NewEd25519Signer generates a fresh random key pair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", keyID, err)
	}
	return &Ed25519Signer{key: key, KeyID: keyID}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{key: priv, KeyID: keyID}
}

// DeriveEd25519Signer derives a deterministic Ed25519 key from a master
// seed using HKDF-SHA256. info binds the key to one purpose (for example
// "sentinel/heartbeat"), so the same master seed never yields the same key
// for two components.
func DeriveEd25519Signer(masterSeed []byte, info, keyID string) (*Ed25519Signer, error) {
	if len(masterSeed) == 0 {
		return nil, ErrEmptySeed
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSeed, nil, []byte(info)), seed); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", keyID, err)
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed), KeyID: keyID}, nil
}

// Sign returns the hex encoded signature of data.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, data)), nil
}

// PublicKey returns the hex encoded public key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Algorithm returns "ed25519:<key id>".
func (s *Ed25519Signer) Algorithm() string {
	return SigPrefixEd25519 + ":" + s.KeyID
}

// Verify checks a hex signature against a hex public key. A well-formed but
// wrong signature is (false, nil).
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: %q", ErrInvalidKey, pubKeyHex)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}
