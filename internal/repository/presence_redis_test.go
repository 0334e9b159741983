package repository

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requires Redis running on localhost:6379
const testRedisAddr = "localhost:6379"

func setupTestPresence(t *testing.T) *PresenceRedisImpl {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	prefix := "test:presence:" + t.Name() + ":"
	p := NewPresenceRedis(client, prefix)

	t.Cleanup(func() {
		client.Del(ctx, p.onlineKey(), p.lastSeenKey(), p.namesKey())
		client.Close()
	})
	return p
}

func TestPresenceRedis_OnlineOffline(t *testing.T) {
	p := setupTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.MarkOnline(ctx, "u1", "Alice"))
	online, err := p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	seen := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	require.NoError(t, p.MarkOffline(ctx, "u1", seen))

	online, err = p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	last, ok, err := p.LastSeen(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, seen.Equal(last))
}

func TestPresenceRedis_UnknownUser(t *testing.T) {
	p := setupTestPresence(t)

	_, ok, err := p.LastSeen(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPresenceRedis_Reset(t *testing.T) {
	p := setupTestPresence(t)
	ctx := context.Background()

	require.NoError(t, p.MarkOnline(ctx, "u1", "Alice"))
	require.NoError(t, p.Reset(ctx))

	online, err := p.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}
