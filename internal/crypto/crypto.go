// Package crypto provides the authenticated encryption service used to
// protect stored tool-server credentials, plus OAuth expiry checks.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrTokenExpired is returned when an OAuth credential is past (or within
// the safety buffer of) its expiry. Token refresh is intentionally not
// implemented; callers surface this to the user.
var ErrTokenExpired = errors.New("oauth token expired")

// expiryBuffer treats tokens expiring within this window as already stale.
const expiryBuffer = 5 * time.Minute

// Service encrypts and decrypts JSON payloads with AES-256-GCM.
type Service struct {
	aead cipher.AEAD
}

// NewService builds a Service from a hex-encoded 32-byte key.
func NewService(hexKey string) (*Service, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Service{aead: aead}, nil
}

// Encrypt marshals v to JSON and seals it with a fresh random nonce.
// The nonce is prepended to the ciphertext before base64 encoding.
func (s *Service) Encrypt(v interface{}) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt and unmarshals it into v.
// Any malformed or tampered ciphertext fails closed with an error.
func (s *Service) Decrypt(ciphertext string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return errors.New("ciphertext too short")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("open ciphertext: %w", err)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// IsTokenExpired reports whether an OAuth expiry timestamp is stale,
// applying the 5-minute safety buffer. A nil expiry never expires.
func IsTokenExpired(expiry *time.Time, now time.Time) bool {
	if expiry == nil {
		return false
	}
	return !now.Add(expiryBuffer).Before(*expiry)
}
