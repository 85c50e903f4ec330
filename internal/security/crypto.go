// Package security provides the cryptographic primitives sentryd relies on:
// salted password digests, constant-time comparison, and secure randomness.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrInvalidSaltSize     = errors.New("security: invalid salt size")
)

// SaltSize is the size of password salts in bytes.
const SaltSize = 16

// DigestSize is the size of password digests in bytes.
const DigestSize = 32

// Argon2id parameters tuned for interactive verification on low-power devices.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// GenerateSecureRandom fills the given slice with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// NewSalt generates a fresh random password salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if err := GenerateSecureRandom(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// HashPassword computes the Argon2id digest of a password under the given salt.
func HashPassword(password string, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSaltSize, len(salt), SaltSize)
	}
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, DigestSize), nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
// Returns true if they are equal.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites sensitive data in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
