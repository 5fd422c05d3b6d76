// Package cipher implements the session-wide authenticated encryption
// envelope: AES-256-GCM-SIV, a synthetic-IV AEAD. Every participant in a
// session shares one key, transmitted out-of-band; this package never
// coordinates nonces between sender and receiver, so nonce-misuse
// resistance is what bounds the damage from accidental reuse under
// real-time scheduling pressure.
package cipher

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead/subtle"
	"github.com/l1g4v/tSVoI/internal/wire"
)

// KeySize is the raw AES-256-GCM-SIV key length in bytes.
const KeySize = 32

// Cipher encrypts and decrypts messages for one session key.
type Cipher struct {
	keyB64 string
	aead   *subtle.AESGCMSIV
}

// New builds a Cipher from an existing base64 (no padding) encoded key.
func New(keyB64 string) (*Cipher, error) {
	raw, err := base64.RawStdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("cipher: decode key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("cipher: key must be %d bytes, got %d", KeySize, len(raw))
	}
	aead, err := subtle.NewAESGCMSIV(raw)
	if err != nil {
		return nil, fmt.Errorf("cipher: new aead: %w", err)
	}
	return &Cipher{keyB64: keyB64, aead: aead}, nil
}

// NewRandom generates a fresh 256-bit key and returns a ready Cipher.
func NewRandom() (*Cipher, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("cipher: generate key: %w", err)
	}
	keyB64 := base64.RawStdEncoding.EncodeToString(raw)
	aead, err := subtle.NewAESGCMSIV(raw)
	if err != nil {
		return nil, fmt.Errorf("cipher: new aead: %w", err)
	}
	return &Cipher{keyB64: keyB64, aead: aead}, nil
}

// KeyB64 returns the base64 (no padding) text of the raw key bytes, as
// printed by the signaling host at startup for out-of-band distribution.
func (c *Cipher) KeyB64() string {
	return c.keyB64
}

// Encrypt returns nonce‖ciphertext‖tag. The nonce is sampled fresh for
// every call by the underlying AEAD; output length is always
// 12 + len(plaintext) + 16.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	out, err := c.aead.Encrypt(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: encrypt: %w", err)
	}
	return out, nil
}

// Decrypt splits the leading 12 bytes of b as the nonce and authenticates
// the remainder. Returns wire.ErrDecryptAuth on any failure, including an
// input shorter than 28 bytes, so callers can drop the packet without
// distinguishing why (anti-flood: never log at error for this).
func (c *Cipher) Decrypt(b []byte) ([]byte, error) {
	if len(b) < 12+16 {
		return nil, wire.ErrDecryptAuth
	}
	out, err := c.aead.Decrypt(b, nil)
	if err != nil {
		return nil, wire.ErrDecryptAuth
	}
	return out, nil
}
