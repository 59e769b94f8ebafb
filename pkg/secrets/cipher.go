// Package secrets stores and resolves build secrets. Plaintext only ever
// exists in memory: the local backend encrypts at rest with AES-GCM, the
// vault backend delegates storage entirely.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// minKeyLength is the smallest accepted encryption key.
const minKeyLength = 32

var (
	// ErrKeyTooShort is returned for encryption keys under 32 bytes.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrCiphertextInvalid is returned when decryption fails, whether
	// from truncation, corruption, or a wrong key.
	ErrCiphertextInvalid = errors.New("ciphertext invalid or key mismatch")
)

// Cipher seals and opens secret values.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// aesCipher is AES-256-GCM with a random nonce prepended to the
// ciphertext.
type aesCipher struct {
	aead cipher.AEAD
}

// NewAESCipher builds the local at-rest cipher. The key is hashed to the
// AES-256 size, so any input of at least 32 bytes works.
func NewAESCipher(key []byte) (Cipher, error) {
	if len(key) < minKeyLength {
		return nil, ErrKeyTooShort
	}
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise GCM: %w", err)
	}
	return &aesCipher{aead: aead}, nil
}

func (c *aesCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aesCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, ErrCiphertextInvalid
	}
	plain, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, ErrCiphertextInvalid
	}
	return plain, nil
}

// ValueHash is the fingerprint stored alongside ciphertext; it lets the
// engine compare values without decrypting.
func ValueHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
