package cache

import (
	"context"
	"fmt"
)

type presenceCacheKey struct{}

// WithPresenceCacheContext returns a new context carrying the given PresenceCache.
func WithPresenceCacheContext(ctx context.Context, c PresenceCache) context.Context {
	return context.WithValue(ctx, presenceCacheKey{}, c)
}

// PresenceCacheFromContext retrieves the PresenceCache from the context.
// Returns nil if none was set.
func PresenceCacheFromContext(ctx context.Context) PresenceCache {
	c, _ := ctx.Value(presenceCacheKey{}).(PresenceCache)
	return c
}

// PresenceCache tracks which users have a live connection somewhere. Entries
// expire on their own so a crashed instance cannot leave users online forever.
type PresenceCache interface {
	Available() bool
	// SetOnline marks the user online and refreshes the entry TTL.
	SetOnline(ctx context.Context, userID string) error
	// SetOffline removes the user's presence entry.
	SetOffline(ctx context.Context, userID string) error
	// IsOnline reports whether the user currently has a presence entry.
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (PresenceCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
