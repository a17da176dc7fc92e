// Package crypto seals values that leave the process. Signed URLs are bearer
// capabilities for private objects, so when they are written to the shared
// Redis tier they are encrypted with AES-256-GCM: a Redis snapshot or a
// MONITOR session must not hand out object access.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32
	// MinSaltSize is the shortest salt accepted for key derivation
	MinSaltSize = 16

	defaultIterations = 100000
)

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly KeySize bytes
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when sealed data is too short to hold a nonce
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when authentication fails: wrong key,
	// tampered data or data sealed for another context
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when a derivation salt is under MinSaltSize bytes
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

// Cipher seals and opens byte strings with AES-256-GCM
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a raw 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// DeriveCipher derives the key from a passphrase with PBKDF2-SHA256.
// Iterations below 10000 are raised to a secure default.
func DeriveCipher(passphrase string, salt []byte, iterations int) (*Cipher, error) {
	if len(salt) < MinSaltSize {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = defaultIterations
	}
	return NewCipher(pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New))
}

// FromConfig builds a cipher from configuration strings. With a salt, key is
// a passphrase; without one it must be a standard base64 encoding of 32 bytes.
// An empty key means encryption is off and returns (nil, nil).
func FromConfig(key, salt string) (*Cipher, error) {
	if key == "" {
		return nil, nil
	}
	if salt != "" {
		return DeriveCipher(key, []byte(salt), 0)
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: key is not base64 and no salt is set for passphrase derivation: %w", err)
	}
	return NewCipher(raw)
}

// Seal encrypts plaintext. aad is authenticated but not encrypted: data
// sealed for one aad cannot be opened under another.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts data produced by Seal with the same aad
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n+c.aead.Overhead() {
		return nil, ErrCiphertextCorrupted
	}
	plaintext, err := c.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateKey returns a random key in the base64 form FromConfig accepts
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
