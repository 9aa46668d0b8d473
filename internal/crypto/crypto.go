// Package crypto holds the only cryptographic primitives the server needs:
// unguessable identifiers and one-way password hashes. Payload encryption is
// done by clients.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultIDLength = 12
	minIDLength     = 8
)

// IDGenerator returns a fresh identifier on every call.
type IDGenerator func() (string, error)

// NewIDGenerator returns a generator producing base64url encodings of length
// random bytes.
func NewIDGenerator(length int) IDGenerator {
	if length < minIDLength {
		length = defaultIDLength
	}
	return func() (string, error) {
		b := make([]byte, length)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		return base64.RawURLEncoding.EncodeToString(b), nil
	}
}

// GenerateID uses the default identifier length.
func GenerateID() (string, error) {
	return NewIDGenerator(defaultIDLength)()
}

// PasswordHasher derives and checks one-way password hashes.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) (bool, error)
}

// BcryptHasher is a salted, deliberately slow PasswordHasher.
type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Compare returns false with a nil error on a plain mismatch; an error means
// the stored hash itself is unusable.
func (h *BcryptHasher) Compare(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("compare password: %w", err)
	}
}
