// Package cryptox seals short secrets, such as storage secret keys, before
// they are written to the database.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	KeySize = 32

	sealedPrefix = "v1:"
)

var ErrNotSealed = errors.New("value is not sealed")

// DeriveKey stretches the server secret into an AES-256 key. The same
// secret and salt always give the same key, so sealed values survive
// restarts.
func DeriveKey(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, KeySize)
}

// Sealer encrypts with AES-GCM. Every value is bound to a scope (for example
// the owning tenant), so a sealed value copied to another row does not open.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealer key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns "v1:" followed by base64(nonce || ciphertext). The empty
// string stays empty.
func (s *Sealer) Seal(plaintext, scope string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	// nonce
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal for the same scope.
func (s *Sealer) Open(sealed, scope string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	enc, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("sealed value too short: %w", ErrNotSealed)
	}
	plaintext, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(scope))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plaintext), nil
}
