package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/convohq/chat-service/internal/config"
	registrycache "github.com/convohq/chat-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 60 * time.Second

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.PresenceCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.PresenceTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates a presence cache with an explicit entry TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.PresenceCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisPresenceCache{client: client, ttl: ttl}, nil
}

type redisPresenceCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (c *redisPresenceCache) Available() bool {
	return true
}

func (c *redisPresenceCache) SetOnline(ctx context.Context, userID string) error {
	return c.client.Set(ctx, presenceKey(userID), "online", c.ttl).Err()
}

func (c *redisPresenceCache) SetOffline(ctx context.Context, userID string) error {
	return c.client.Del(ctx, presenceKey(userID)).Err()
}

func (c *redisPresenceCache) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ registrycache.PresenceCache = (*redisPresenceCache)(nil)
