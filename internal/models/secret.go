package models

import "time"

// Secret is the durable record of one encrypted payload and its lifecycle state.
// Ciphertext and IV are never interpreted by the server.
type Secret struct {
	ID           string     `json:"id" validate:"required,max=64"`
	Ciphertext   []byte     `json:"-" validate:"required,min=1"`
	IV           []byte     `json:"-" validate:"required,min=1"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at" validate:"required"`
	ExpiresAt    time.Time  `json:"expires_at" validate:"required,gtfield=CreatedAt"`
	AccessedAt   *time.Time `json:"accessed_at,omitempty"`
	AccessCount  int        `json:"access_count" validate:"gte=0"`
}

// PasswordProtected reports whether a password must be presented before delivery.
func (s *Secret) PasswordProtected() bool {
	return s.PasswordHash != ""
}

// Available is true iff the secret was never delivered and has not expired at now.
func (s *Secret) Available(now time.Time) bool {
	return s.AccessedAt == nil && now.Before(s.ExpiresAt)
}

// Payload is what a winning fetch hands back to the caller.
type Payload struct {
	Ciphertext []byte
	IV         []byte
}

// CacheEntry is the cached projection of a secret's payload.
type CacheEntry struct {
	Ciphertext       []byte `json:"ciphertext"`
	IV               []byte `json:"iv"`
	PasswordRequired bool   `json:"passwordRequired"`
}
