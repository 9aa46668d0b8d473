package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"onetime.secret/internal/models"
)

var (
	_ Store    = (*SQLiteStore)(nil)
	_ AuditLog = (*SQLiteStore)(nil)
)

// secretRow is the gorm mapping of the secrets table.
type secretRow struct {
	SecretID         string     `gorm:"column:secret_id;primaryKey"`
	EncryptedContent []byte     `gorm:"column:encrypted_content;not null"`
	IV               []byte     `gorm:"column:iv;not null"`
	PasswordHash     *string    `gorm:"column:password_hash"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	ExpiresAt        time.Time  `gorm:"column:expires_at;not null;index"`
	AccessedAt       *time.Time `gorm:"column:accessed_at"`
	AccessCount      int        `gorm:"column:access_count;not null"`
}

func (secretRow) TableName() string { return "secrets" }

type auditRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	SecretID  string    `gorm:"column:secret_id;not null;index"`
	EventType string    `gorm:"column:event_type;not null"`
	IPAddress *string   `gorm:"column:ip_address"`
	UserAgent *string   `gorm:"column:user_agent"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

func (auditRow) TableName() string { return "audit_logs" }

// SQLiteStore is a single-file durable store. Writes go through one
// connection, and timestamps are stored in UTC so they compare in order.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens the database file, creating it when missing, and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)),
		&gorm.Config{
			Logger:                 logger.Default.LogMode(logger.Silent),
			SkipDefaultTransaction: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&secretRow{}, &auditRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, secret *models.Secret) error {
	if err := validateSecret(secret); err != nil {
		return err
	}

	row := secretRow{
		SecretID:         secret.ID,
		EncryptedContent: secret.Ciphertext,
		IV:               secret.IV,
		PasswordHash:     optionalString(secret.PasswordHash),
		CreatedAt:        secret.CreatedAt.UTC(),
		ExpiresAt:        secret.ExpiresAt.UTC(),
	}

	tmp := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if tmp.Error != nil {
		return fmt.Errorf("insert secret: %w", tmp.Error)
	}
	if tmp.RowsAffected == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	var row secretRow
	err := s.db.WithContext(ctx).Where("secret_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}

	sec := &models.Secret{
		ID:          row.SecretID,
		Ciphertext:  row.EncryptedContent,
		IV:          row.IV,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
		AccessedAt:  row.AccessedAt,
		AccessCount: row.AccessCount,
	}
	if row.PasswordHash != nil {
		sec.PasswordHash = *row.PasswordHash
	}
	return sec, nil
}

func (s *SQLiteStore) MarkAccessed(ctx context.Context, id string, now time.Time) (bool, error) {
	now = now.UTC()
	tmp := s.db.WithContext(ctx).
		Model(&secretRow{}).
		Where("secret_id = ? AND accessed_at IS NULL AND expires_at > ?", id, now).
		Updates(map[string]interface{}{
			"accessed_at":  now,
			"access_count": gorm.Expr("access_count + 1"),
		})
	if tmp.Error != nil {
		return false, fmt.Errorf("mark accessed: %w", tmp.Error)
	}
	return tmp.RowsAffected == 1, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tmp := s.db.WithContext(ctx).Where("expires_at <= ?", before.UTC()).Delete(&secretRow{})
	if tmp.Error != nil {
		return 0, fmt.Errorf("delete expired: %w", tmp.Error)
	}
	return tmp.RowsAffected, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, event models.AuditEvent) error {
	if err := validateEvent(&event); err != nil {
		return err
	}

	row := auditRow{
		ID:        event.ID,
		SecretID:  event.SecretID,
		EventType: string(event.Type),
		IPAddress: optionalString(event.IPAddress),
		UserAgent: optionalString(event.UserAgent),
		CreatedAt: event.CreatedAt.UTC(),
	}
	if tmp := s.db.WithContext(ctx).Create(&row); tmp.Error != nil {
		return fmt.Errorf("insert audit event: %w", tmp.Error)
	}
	return nil
}

// ListEvents returns the audit trail of one secret, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, secretID string) ([]models.AuditEvent, error) {
	var rows []auditRow
	tmp := s.db.WithContext(ctx).Where("secret_id = ?", secretID).Order("created_at").Find(&rows)
	if tmp.Error != nil {
		return nil, fmt.Errorf("list audit events: %w", tmp.Error)
	}

	result := []models.AuditEvent{}
	for _, row := range rows {
		ev := models.AuditEvent{
			ID:        row.ID,
			SecretID:  row.SecretID,
			Type:      models.EventType(row.EventType),
			CreatedAt: row.CreatedAt,
		}
		if row.IPAddress != nil {
			ev.IPAddress = *row.IPAddress
		}
		if row.UserAgent != nil {
			ev.UserAgent = *row.UserAgent
		}
		result = append(result, ev)
	}
	return result, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
