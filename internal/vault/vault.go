// Package vault seals custodial key material at rest.
//
// Secrets are encrypted with XChaCha20-Poly1305 under a 256-bit host key
// supplied by the deployment environment. Each Seal draws a fresh random
// nonce. Open fails closed: any authentication failure returns
// ErrDecryptionFailed and no plaintext.
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required host key length in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	ErrDecryptionFailed = errors.New("vault: decryption failed")
	ErrInvalidKey       = errors.New("vault: host key must be 32 bytes")
	ErrMalformed        = errors.New("vault: malformed sealed secret")
)

// Sealed is the only durable form of a custodial secret.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
}

// Key is a process-wide host encryption key. It is read-only after
// construction.
type Key struct {
	b [KeySize]byte
}

// NewKey copies raw into a Key.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	k := &Key{}
	copy(k.b[:], raw)
	return k, nil
}

// ParseHexKey decodes a 64-character hex key, with or without 0x prefix.
func ParseHexKey(s string) (*Key, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("vault: decode host key: %w", ErrInvalidKey)
	}
	defer Wipe(raw)
	return NewKey(raw)
}

// GenerateKey returns a random host key. Intended for tests and tooling.
func GenerateKey() (*Key, error) {
	k := &Key{}
	if _, err := rand.Read(k.b[:]); err != nil {
		return nil, fmt.Errorf("vault: generate key: %w", err)
	}
	return k, nil
}

// String never reveals key bytes.
func (k *Key) String() string { return "vault.Key(redacted)" }

// Seal encrypts plaintext under key. The caller still owns plaintext and is
// responsible for wiping it.
func Seal(plaintext []byte, key *Key) (Sealed, error) {
	if key == nil {
		return Sealed{}, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key.b[:])
	if err != nil {
		return Sealed{}, fmt.Errorf("vault: init cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("vault: nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - aead.Overhead()
	return Sealed{
		Ciphertext: out[:split:split],
		IV:         nonce,
		AuthTag:    append([]byte(nil), out[split:]...),
	}, nil
}

// Open authenticates and decrypts s. On any failure it returns
// ErrDecryptionFailed and a nil slice.
func Open(s Sealed, key *Key) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidKey
	}
	if len(s.IV) != chacha20poly1305.NonceSizeX || len(s.AuthTag) != chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(key.b[:])
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	buf := make([]byte, 0, len(s.Ciphertext)+len(s.AuthTag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.AuthTag...)

	plain, err := aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
