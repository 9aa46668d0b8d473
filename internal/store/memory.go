package store

import (
	"context"
	"sync"
	"time"

	"onetime.secret/internal/models"
)

// Compile-time interface check
var (
	_ Store    = (*MemoryStore)(nil)
	_ AuditLog = (*MemoryStore)(nil)
)

// MemoryStore keeps records in process memory. The access transition runs
// under the write lock, so it is only authoritative for a single process.
type MemoryStore struct {
	secrets map[string]*models.Secret
	events  []models.AuditEvent
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]*models.Secret),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, secret *models.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secrets == nil {
		return ErrClosed
	}
	if _, exists := s.secrets[secret.ID]; exists {
		return ErrDuplicateID
	}

	s.secrets[secret.ID] = cloneSecret(secret)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.secrets == nil {
		return nil, ErrClosed
	}
	secret, ok := s.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}

	return cloneSecret(secret), nil
}

func (s *MemoryStore) MarkAccessed(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secrets == nil {
		return false, ErrClosed
	}
	secret, ok := s.secrets[id]
	if !ok {
		return false, nil
	}
	if secret.AccessedAt != nil || !now.Before(secret.ExpiresAt) {
		return false, nil
	}

	at := now
	secret.AccessedAt = &at
	secret.AccessCount++
	return true, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secrets == nil {
		return 0, ErrClosed
	}

	var n int64
	for id, secret := range s.secrets {
		if !secret.ExpiresAt.After(before) {
			delete(s.secrets, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, event models.AuditEvent) error {
	if err := validateEvent(&event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secrets == nil {
		return ErrClosed
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of recorded audit events in insertion order.
func (s *MemoryStore) Events() []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets = nil
	s.events = nil
	return nil
}

func cloneSecret(src *models.Secret) *models.Secret {
	dst := *src
	dst.Ciphertext = append([]byte(nil), src.Ciphertext...)
	dst.IV = append([]byte(nil), src.IV...)
	if src.AccessedAt != nil {
		at := *src.AccessedAt
		dst.AccessedAt = &at
	}
	return &dst
}
