package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"onetime.secret/internal/models"
)

type backend interface {
	Store
	AuditLog
}

var baseTime = time.Date(2026, time.January, 2, 15, 4, 5, 0, time.UTC)

func newTestSecret(id string) *models.Secret {
	return &models.Secret{
		ID:          id,
		Ciphertext:  []byte{0x00, 0x01, 0xfe, 0xff},
		IV:          []byte("0123456789ab"),
		CreatedAt:   baseTime,
		ExpiresAt:   baseTime.Add(time.Hour),
		AccessCount: 0,
	}
}

// runStoreSuite exercises the durable store contract against one backend.
func runStoreSuite(t *testing.T, newBackend func(t *testing.T) backend) {
	t.Run("insert and get round trip", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()

		sec := newTestSecret("roundtrip")
		sec.PasswordHash = "$2a$04$hash"
		require.NoError(t, st.Insert(ctx, sec))

		got, err := st.Get(ctx, "roundtrip")
		require.NoError(t, err)
		assert.Equal(t, sec.Ciphertext, got.Ciphertext)
		assert.Equal(t, sec.IV, got.IV)
		assert.Equal(t, sec.PasswordHash, got.PasswordHash)
		assert.True(t, sec.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, sec.ExpiresAt.Equal(got.ExpiresAt))
		assert.Nil(t, got.AccessedAt)
		assert.Equal(t, 0, got.AccessCount)
	})

	t.Run("get unknown", func(t *testing.T) {
		st := newBackend(t)
		_, err := st.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate id is never overwritten", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()

		require.NoError(t, st.Insert(ctx, newTestSecret("dup")))

		other := newTestSecret("dup")
		other.Ciphertext = []byte("other")
		assert.ErrorIs(t, st.Insert(ctx, other), ErrDuplicateID)

		got, err := st.Get(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff}, got.Ciphertext)
	})

	t.Run("invalid record rejected", func(t *testing.T) {
		st := newBackend(t)
		sec := newTestSecret("invalid")
		sec.IV = nil
		assert.Error(t, st.Insert(context.Background(), sec))
	})

	t.Run("mark accessed is write once", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		require.NoError(t, st.Insert(ctx, newTestSecret("once")))

		won, err := st.MarkAccessed(ctx, "once", baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, won)

		won, err = st.MarkAccessed(ctx, "once", baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, won)

		got, err := st.Get(ctx, "once")
		require.NoError(t, err)
		require.NotNil(t, got.AccessedAt)
		assert.True(t, baseTime.Add(time.Minute).Equal(*got.AccessedAt))
		assert.Equal(t, 1, got.AccessCount)
	})

	t.Run("mark accessed refuses expired", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		require.NoError(t, st.Insert(ctx, newTestSecret("late")))

		won, err := st.MarkAccessed(ctx, "late", baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, won)

		got, err := st.Get(ctx, "late")
		require.NoError(t, err)
		assert.Nil(t, got.AccessedAt)
		assert.Equal(t, 0, got.AccessCount)
	})

	t.Run("mark accessed unknown id", func(t *testing.T) {
		st := newBackend(t)
		won, err := st.MarkAccessed(context.Background(), "ghost", baseTime)
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("concurrent mark accessed has one winner", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		require.NoError(t, st.Insert(ctx, newTestSecret("race")))

		const n = 16
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := st.MarkAccessed(ctx, "race", baseTime.Add(time.Second))
				assert.NoError(t, err)
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		got, err := st.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, 1, got.AccessCount)
	})

	t.Run("delete expired", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()

		short := newTestSecret("short")
		short.ExpiresAt = baseTime.Add(time.Minute)
		require.NoError(t, st.Insert(ctx, short))
		require.NoError(t, st.Insert(ctx, newTestSecret("long")))

		n, err := st.DeleteExpired(ctx, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = st.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.Get(ctx, "long")
		assert.NoError(t, err)
	})

	t.Run("record event", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()

		assert.NoError(t, st.RecordEvent(ctx, models.AuditEvent{
			ID:        "01HZX0000000000000000000AA",
			SecretID:  "s1",
			Type:      models.EventCreated,
			IPAddress: "10.0.0.1",
			CreatedAt: baseTime,
		}))
		assert.Error(t, st.RecordEvent(ctx, models.AuditEvent{
			ID:        "01HZX0000000000000000000AB",
			SecretID:  "s1",
			Type:      "viewed",
			CreatedAt: baseTime,
		}))
	})
}
