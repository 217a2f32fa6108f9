package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

func TestIdempotencyRepository_PostgresCreateGetAndMarkDone(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, "settle-key-1", "req-hash-1", ttl)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	require.NoError(t, repo.MarkDone(ctx, "settle-key-1", []byte(`{"status":"completed"}`), 200))

	got, err := repo.Get(ctx, "settle-key-1")
	require.NoError(t, err)
	require.Equal(t, "req-hash-1", got.RequestHash)
	require.Equal(t, domain.IdempotencyStatusDone, got.Status)
	require.Equal(t, 200, got.HTTPStatus)
	require.JSONEq(t, `{"status":"completed"}`, string(got.ResponseBody))
	require.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)
}

func TestIdempotencyRepository_PostgresConflictAndHashMismatch(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing(ctx, "checkout-key", "hash-a", ttl)
	require.NoError(t, err)

	existing, err := repo.CreateProcessing(ctx, "checkout-key", "hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	require.Equal(t, "checkout-key", existing.Key)

	_, err = repo.CreateProcessing(ctx, "checkout-key", "hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	require.True(t, domain.IsIdempotencyConflict(err))
}

func TestIdempotencyRepository_PostgresExpiredKeyIsTakenOver(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	_, err := repo.CreateProcessing(ctx, "stale-key", "old-hash", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, repo.MarkDone(ctx, "stale-key", []byte(`{}`), 200))

	fresh, err := repo.CreateProcessing(ctx, "stale-key", "new-hash", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusProcessing, fresh.Status)

	got, err := repo.Get(ctx, "stale-key")
	require.NoError(t, err)
	require.Equal(t, "new-hash", got.RequestHash)
	require.Empty(t, got.ResponseBody)
}

func TestIdempotencyRepository_PostgresDeleteAndDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, offset := range []time.Duration{-5 * time.Minute, -4 * time.Minute, -3 * time.Minute} {
		_, err := repo.CreateProcessing(ctx, "expired-"+string(rune('a'+i)), "h", now.Add(offset))
		require.NoError(t, err)
	}
	_, err := repo.CreateProcessing(ctx, "active", "h", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	require.NoError(t, repo.Delete(ctx, "active"))
	_, err = repo.Get(ctx, "active")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}
