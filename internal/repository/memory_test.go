package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/key-broker/internal/model"
)

func TestCredentialStoreMemory_Lifecycle(t *testing.T) {
	s := NewCredentialStoreMemory()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "k1", "sk-1", model.TierFree, 10))
	assert.ErrorIs(t, s.Add(ctx, "k1", "sk-other", model.TierPaid, 5), ErrCredentialExists)

	c, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, c.Tier)
	assert.False(t, c.Revoked())

	require.NoError(t, s.UpdateTier(ctx, "k1", model.TierPaid))
	require.NoError(t, s.UpdateSecret(ctx, "k1", "sk-rotated"))
	c, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.TierPaid, c.Tier)
	assert.Equal(t, "sk-rotated", c.Secret)

	require.NoError(t, s.MarkRevoked(ctx, "k1"))
	c, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, c.Revoked())
	revokedAt := c.RevokedAt.Time

	// repeat revocation keeps the original timestamp
	require.NoError(t, s.MarkRevoked(ctx, "k1"))
	c, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, revokedAt, c.RevokedAt.Time)

	require.NoError(t, s.ClearRevoked(ctx, "k1"))
	c, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, c.Revoked())

	require.NoError(t, s.Delete(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "k1"), ErrCredentialNotFound)
}

func TestCredentialStoreMemory_ListOrder(t *testing.T) {
	s := NewCredentialStoreMemory()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "b", "sk", model.TierFree, 20))
	require.NoError(t, s.Add(ctx, "c", "sk", model.TierFree, 10))
	require.NoError(t, s.Add(ctx, "a", "sk", model.TierFree, 20))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].ID) // lowest priority first
	assert.Equal(t, "a", list[1].ID) // ties break on id
	assert.Equal(t, "b", list[2].ID)
}

func TestLedgerStoreMemory_ApplySuccess(t *testing.T) {
	s := NewLedgerStoreMemory()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	rec, err := s.ApplySuccess(ctx, "k1", "gen-v1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.WindowRequests)
	assert.Equal(t, int64(100), rec.WindowTokens)
	assert.Equal(t, 1, rec.DayRequests)
	assert.Equal(t, "2025-03-10", rec.DayKey)

	rec, err = s.ApplySuccess(ctx, "k1", "gen-v1", 50, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.WindowRequests)
	assert.Equal(t, int64(150), rec.WindowTokens)
	assert.Equal(t, 2, rec.DayRequests)

	// stale window resets counters but the day carries on
	rec, err = s.ApplySuccess(ctx, "k1", "gen-v1", 25, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.WindowRequests)
	assert.Equal(t, int64(25), rec.WindowTokens)
	assert.Equal(t, 3, rec.DayRequests)

	// new UTC day resets the daily counter
	rec, err = s.ApplySuccess(ctx, "k1", "gen-v1", 10, now.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DayRequests)
	assert.Equal(t, "2025-03-11", rec.DayKey)
}

func TestLedgerStoreMemory_SuccessClearsPenalty(t *testing.T) {
	s := NewLedgerStoreMemory()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.ApplyPenalty(ctx, "k1", "gen-v1", 3, now.Add(300*time.Second), now))

	rec, err := s.Get(ctx, "k1", "gen-v1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Strikes)
	assert.Equal(t, now.Add(300*time.Second).Unix(), rec.ReleaseAt)

	rec2, err := s.ApplySuccess(ctx, "k1", "gen-v1", 10, now.Add(301*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, rec2.Strikes)
	assert.Equal(t, int64(0), rec2.ReleaseAt)
}

func TestLedgerStoreMemory_ResetStrikes(t *testing.T) {
	s := NewLedgerStoreMemory()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.ApplyPenalty(ctx, "k1", "gen-a", 2, now.Add(time.Minute), now))
	require.NoError(t, s.ApplyPenalty(ctx, "k1", "gen-b", 4, now.Add(time.Hour), now))
	require.NoError(t, s.ApplyPenalty(ctx, "k2", "gen-a", 1, now.Add(10*time.Second), now))

	require.NoError(t, s.ResetStrikes(ctx, "k1"))

	for _, target := range []string{"gen-a", "gen-b"} {
		rec, err := s.Get(ctx, "k1", target)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Zero(t, rec.Strikes)
		assert.Zero(t, rec.ReleaseAt)
	}

	rec, err := s.Get(ctx, "k2", "gen-a")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Strikes)
}

func TestLedgerStoreMemory_GetUnknownIsNil(t *testing.T) {
	s := NewLedgerStoreMemory()
	rec, err := s.Get(context.Background(), "nope", "gen-v1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
