package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"onetime.secret/internal/models"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgresMigrate(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS secrets").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, st.Migrate(context.Background()))
}

func TestPostgresInsert(t *testing.T) {
	st, mock := newMockPostgres(t)
	sec := newTestSecret("abc")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO secrets")).
		WithArgs("abc", sec.Ciphertext, sec.IV, nil, sec.CreatedAt, sec.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, st.Insert(context.Background(), sec))
}

func TestPostgresInsertConflict(t *testing.T) {
	st, mock := newMockPostgres(t)
	sec := newTestSecret("abc")
	sec.PasswordHash = "$2a$10$hash"

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (secret_id) DO NOTHING")).
		WithArgs("abc", sec.Ciphertext, sec.IV, "$2a$10$hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, st.Insert(context.Background(), sec), ErrDuplicateID)
}

func TestPostgresInsertFailure(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO secrets").WillReturnError(errors.New("connection refused"))

	err := st.Insert(context.Background(), newTestSecret("abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert secret")
}

func TestPostgresGet(t *testing.T) {
	st, mock := newMockPostgres(t)
	accessed := baseTime.Add(time.Minute)

	rows := sqlmock.NewRows([]string{
		"secret_id", "encrypted_content", "iv", "password_hash",
		"created_at", "expires_at", "accessed_at", "access_count",
	}).AddRow("abc", []byte("c"), []byte("iv"), "$2a$10$hash", baseTime, baseTime.Add(time.Hour), accessed, int64(1))
	mock.ExpectQuery("SELECT (.+) FROM secrets").WithArgs("abc").WillReturnRows(rows)

	got, err := st.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got.Ciphertext)
	assert.Equal(t, []byte("iv"), got.IV)
	assert.Equal(t, "$2a$10$hash", got.PasswordHash)
	require.NotNil(t, got.AccessedAt)
	assert.True(t, accessed.Equal(*got.AccessedAt))
	assert.Equal(t, 1, got.AccessCount)
}

func TestPostgresGetNullColumns(t *testing.T) {
	st, mock := newMockPostgres(t)

	rows := sqlmock.NewRows([]string{
		"secret_id", "encrypted_content", "iv", "password_hash",
		"created_at", "expires_at", "accessed_at", "access_count",
	}).AddRow("abc", []byte("c"), []byte("iv"), nil, baseTime, baseTime.Add(time.Hour), nil, int64(0))
	mock.ExpectQuery("SELECT (.+) FROM secrets").WithArgs("abc").WillReturnRows(rows)

	got, err := st.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Empty(t, got.PasswordHash)
	assert.Nil(t, got.AccessedAt)
}

func TestPostgresGetNotFound(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT (.+) FROM secrets").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := st.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresMarkAccessed(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := baseTime.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("AND accessed_at IS NULL")).
		WithArgs("abc", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("AND accessed_at IS NULL")).
		WithArgs("abc", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := st.MarkAccessed(context.Background(), "abc", now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = st.MarkAccessed(context.Background(), "abc", now)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestPostgresMarkAccessedFailure(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec("UPDATE secrets").WillReturnError(errors.New("timeout"))

	_, err := st.MarkAccessed(context.Background(), "abc", baseTime)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark accessed")
}

func TestPostgresDeleteExpired(t *testing.T) {
	st, mock := newMockPostgres(t)
	mock.ExpectExec("DELETE FROM secrets WHERE expires_at").
		WithArgs(baseTime).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.DeleteExpired(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPostgresRecordEvent(t *testing.T) {
	st, mock := newMockPostgres(t)
	ev := models.AuditEvent{
		ID:        "01HZX0000000000000000000AA",
		SecretID:  "abc",
		Type:      models.EventAccessed,
		UserAgent: "curl/8",
		CreatedAt: baseTime,
	}
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(ev.ID, "abc", "accessed", nil, "curl/8", baseTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, st.RecordEvent(context.Background(), ev))
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	st, err := OpenPostgres(ctx, PostgresOptions{URL: dsn, MaxOpenConns: 20, MaxIdleConns: 20})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	defer st.Close()

	// Ids are namespaced per sub-test so the suite can share a database.
	runStoreSuite(t, func(t *testing.T) backend {
		return prefixedBackend{PostgresStore: st, prefix: ulid.Make().String()}
	})
}

// prefixedBackend rewrites ids so each sub-test works on its own rows.
type prefixedBackend struct {
	*PostgresStore
	prefix string
}

func (b prefixedBackend) Insert(ctx context.Context, secret *models.Secret) error {
	cp := *secret
	cp.ID = b.prefix + ":" + secret.ID
	return b.PostgresStore.Insert(ctx, &cp)
}

func (b prefixedBackend) Get(ctx context.Context, id string) (*models.Secret, error) {
	return b.PostgresStore.Get(ctx, b.prefix+":"+id)
}

func (b prefixedBackend) MarkAccessed(ctx context.Context, id string, now time.Time) (bool, error) {
	return b.PostgresStore.MarkAccessed(ctx, b.prefix+":"+id, now)
}

func (b prefixedBackend) RecordEvent(ctx context.Context, event models.AuditEvent) error {
	event.ID = ulid.Make().String()
	return b.PostgresStore.RecordEvent(ctx, event)
}

func (b prefixedBackend) Close() error { return nil }
