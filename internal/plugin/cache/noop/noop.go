package noop

import (
	"context"

	"github.com/convohq/chat-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.PresenceCache, error) {
			return &noopPresenceCache{}, nil
		},
	})
}

type noopPresenceCache struct{}

func (n *noopPresenceCache) Available() bool                              { return false }
func (n *noopPresenceCache) SetOnline(_ context.Context, _ string) error  { return nil }
func (n *noopPresenceCache) SetOffline(_ context.Context, _ string) error { return nil }
func (n *noopPresenceCache) IsOnline(_ context.Context, _ string) (bool, error) {
	return false, nil
}

var _ cache.PresenceCache = (*noopPresenceCache)(nil)
