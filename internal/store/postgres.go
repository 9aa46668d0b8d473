package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"onetime.secret/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

var (
	_ Store    = (*PostgresStore)(nil)
	_ AuditLog = (*PostgresStore)(nil)
)

type PostgresOptions struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore is the production durable store. The access transition is a
// single conditional UPDATE, so any number of processes may share one database.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("pgx", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables and indexes if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, secret *models.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO secrets (secret_id, encrypted_content, iv, password_hash, created_at, expires_at, access_count)
VALUES ($1, $2, $3, $4, $5, $6, 0)
ON CONFLICT (secret_id) DO NOTHING`,
		secret.ID,
		secret.Ciphertext,
		secret.IV,
		sql.NullString{String: secret.PasswordHash, Valid: secret.PasswordHash != ""},
		secret.CreatedAt,
		secret.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert secret rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	var (
		sec          models.Secret
		passwordHash sql.NullString
		accessedAt   sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, `
SELECT secret_id, encrypted_content, iv, password_hash, created_at, expires_at, accessed_at, access_count
FROM secrets
WHERE secret_id = $1`,
		id,
	).Scan(
		&sec.ID,
		&sec.Ciphertext,
		&sec.IV,
		&passwordHash,
		&sec.CreatedAt,
		&sec.ExpiresAt,
		&accessedAt,
		&sec.AccessCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}

	sec.PasswordHash = passwordHash.String
	if accessedAt.Valid {
		at := accessedAt.Time
		sec.AccessedAt = &at
	}
	return &sec, nil
}

func (s *PostgresStore) MarkAccessed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE secrets
SET accessed_at = $2, access_count = access_count + 1
WHERE secret_id = $1
  AND accessed_at IS NULL
  AND expires_at > $2`,
		id,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("mark accessed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark accessed rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows affected: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, event models.AuditEvent) error {
	if err := validateEvent(&event); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_logs (id, secret_id, event_type, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		event.SecretID,
		string(event.Type),
		sql.NullString{String: event.IPAddress, Valid: event.IPAddress != ""},
		sql.NullString{String: event.UserAgent, Valid: event.UserAgent != ""},
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
