package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, nil), mr
}

func TestCheck_BlocksSixthJoinThenResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := l.Allow(ctx, "user-1", RuleJoin)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "join #%d should be allowed", i)
		assert.Equal(t, 5-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "user-1", RuleJoin)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)

	mr.FastForward(61 * time.Second)

	res, err = l.Allow(ctx, "user-1", RuleJoin)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestCheck_IdentifiersAndActionsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "a", "join", 2, time.Minute)
		require.NoError(t, err)
	}
	res, err := l.Check(ctx, "a", "join", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Check(ctx, "b", "join", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "a", "skip", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheck_SetsWindowTTL(t *testing.T) {
	l, mr := newTestLimiter(t)

	_, err := l.Check(context.Background(), "u", "join", 5, 60*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, mr.TTL("ratelimit:join:u"))
}

func TestCheck_FailsOpenWhenRedisIsDown(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.Close()

	res, err := l.Check(context.Background(), "u", "join", 5, time.Minute)
	assert.Error(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
}

func TestNoop(t *testing.T) {
	res, err := Noop{}.Check(context.Background(), "u", "join", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.Remaining)

	res, err = Noop{}.Allow(context.Background(), "u", RuleJoin)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, RuleJoin.Limit, res.Remaining)
}
