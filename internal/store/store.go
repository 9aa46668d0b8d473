package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"onetime.secret/internal/models"
)

var (
	ErrNotFound    = errors.New("secret not found")
	ErrDuplicateID = errors.New("secret id already exists")
	ErrClosed      = errors.New("store is closed")
)

// Store is the durable, authoritative record of every secret.
type Store interface {
	// Insert writes a new record. It never overwrites: an existing id yields
	// ErrDuplicateID.
	Insert(ctx context.Context, secret *models.Secret) error
	Get(ctx context.Context, id string) (*models.Secret, error)
	// MarkAccessed atomically sets accessed_at and bumps access_count, but only
	// while accessed_at is null and now is before expires_at. It reports
	// whether this call performed the transition.
	MarkAccessed(ctx context.Context, id string, now time.Time) (bool, error)
	// DeleteExpired purges records whose expires_at is at or before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// AuditLog appends lifecycle events.
type AuditLog interface {
	RecordEvent(ctx context.Context, event models.AuditEvent) error
}

var validate = validator.New()

func validateSecret(secret *models.Secret) error {
	if secret == nil {
		return errors.New("nil secret")
	}
	if err := validate.Struct(secret); err != nil {
		return fmt.Errorf("secret %q is not valid: %w", secret.ID, err)
	}
	return nil
}

func validateEvent(event *models.AuditEvent) error {
	if err := validate.Struct(event); err != nil {
		return fmt.Errorf("audit event for %q is not valid: %w", event.SecretID, err)
	}
	return nil
}
