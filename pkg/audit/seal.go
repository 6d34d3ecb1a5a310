package audit

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedTooShort = errors.New("audit: sealed value too short")

// Sealer encrypts sensitive audit fields at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

// ChaChaSealer seals with XChaCha20-Poly1305. Output is
// base64(nonce || ciphertext).
type ChaChaSealer struct {
	aead cipher.AEAD
}

// NewChaChaSealer expects a 32-byte key.
func NewChaChaSealer(key []byte) (*ChaChaSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("audit sealer: %w", err)
	}
	return &ChaChaSealer{aead: aead}, nil
}

func (s *ChaChaSealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("audit sealer nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *ChaChaSealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("audit sealer decode: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}
