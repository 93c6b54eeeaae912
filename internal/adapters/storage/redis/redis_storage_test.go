package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client), mr
}

func TestStorage_IncrementSetsExpiry(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	n, err := s.Increment(ctx, "quota:user:u1:w", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Increment(ctx, "quota:user:u1:w", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, time.Minute, mr.TTL("quota:user:u1:w"))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "quota:user:u1:w")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestStorage_SeedIfAbsentDoesNotOverwrite(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.SeedIfAbsent(ctx, "k", 7, time.Minute))
	require.NoError(t, s.SeedIfAbsent(ctx, "k", 99, time.Minute))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestStorage_BlockLifecycle(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	blocked, err := s.IsBlocked(ctx, "b")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.SetBlock(ctx, "b", time.Minute))
	blocked, err = s.IsBlocked(ctx, "b")
	require.NoError(t, err)
	assert.True(t, blocked)

	require.NoError(t, s.SetBlock(ctx, "b", 0))
	assert.False(t, mr.Exists("b"))
}

func TestStorage_DeleteMatching(t *testing.T) {
	s, mr := newTestStorage(t)
	ctx := context.Background()

	for _, key := range []string{"quota:user:a:w1", "quota:user:b:w1", "quota:user:a:w2"} {
		require.NoError(t, mr.Set(key, "1"))
	}

	n, err := s.DeleteMatching(ctx, "quota:user:*:w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("quota:user:a:w2"))
}

func TestStorage_QueueOrdersByScore(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "q", "late", 30))
	require.NoError(t, s.Push(ctx, "q", "first", 10))
	require.NoError(t, s.Push(ctx, "q", "second", 20))

	size, err := s.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	members, err := s.PopMin(ctx, "q", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, members)

	require.NoError(t, s.Remove(ctx, "q", "late"))
	size, err = s.Len(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestStorage_PromoteDueMovesOnlyDueMembers(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.Schedule(ctx, "delayed", "due", now.Add(-time.Second), 5))
	require.NoError(t, s.Schedule(ctx, "delayed", "later", now.Add(time.Hour), 1))

	n, err := s.PromoteDue(ctx, "delayed", "ready", now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := s.PopMin(ctx, "ready", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, members)

	pending, err := s.Len(ctx, "delayed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestStorage_ErrorsSurfaceWhenUnavailable(t *testing.T) {
	s, mr := newTestStorage(t)
	mr.SetError("ERR store unavailable")

	_, err := s.Increment(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrCacheMiss)
}
