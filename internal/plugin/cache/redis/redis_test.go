package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/convohq/chat-service/internal/plugin/cache/redis"
	"github.com/convohq/chat-service/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestPresenceLifecycle(t *testing.T) {
	ctx := context.Background()
	cache, err := redis.LoadFromURLWithTTL(ctx, testredis.StartRedis(t), time.Minute)
	require.NoError(t, err)
	require.True(t, cache.Available())

	online, err := cache.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)

	require.NoError(t, cache.SetOnline(ctx, "alice"))
	online, err = cache.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.True(t, online)

	require.NoError(t, cache.SetOffline(ctx, "alice"))
	online, err = cache.IsOnline(ctx, "alice")
	require.NoError(t, err)
	require.False(t, online)
}

func TestPresenceEntriesExpire(t *testing.T) {
	ctx := context.Background()
	cache, err := redis.LoadFromURLWithTTL(ctx, testredis.StartRedis(t), 500*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, cache.SetOnline(ctx, "bob"))

	require.Eventually(t, func() bool {
		online, err := cache.IsOnline(ctx, "bob")
		return err == nil && !online
	}, 5*time.Second, 100*time.Millisecond)
}
