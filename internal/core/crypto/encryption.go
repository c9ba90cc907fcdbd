// Package crypto seals generated parameters so they survive between runs.
// This is part of the Functional Core - all functions are pure with no I/O
// apart from reading randomness.
//
// A sealed value is base64(salt || nonce || AES-256-GCM ciphertext). The key
// is derived from an operator passphrase with scrypt and a per-value salt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyPassphrase is returned when sealing or opening without a passphrase.
	ErrEmptyPassphrase = errors.New("seal passphrase is empty")

	// ErrInvalidCiphertext is returned when a sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid sealed value")

	// ErrDecryptionFailed is returned when the passphrase is wrong or the value was altered.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// Key Derivation
// =============================================================================

const (
	saltSize = 16
	keySize  = 32

	// scrypt cost parameters (interactive login strength).
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt.
// The same inputs always yield the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
}

// =============================================================================
// Seal / Open
// =============================================================================

// Seal encrypts plaintext under passphrase and returns the base64 encoding.
// Every call uses a fresh salt and nonce.
func Seal(plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func Open(sealed, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < saltSize {
		return nil, ErrInvalidCiphertext
	}

	salt, rest := raw[:saltSize], raw[saltSize:]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
