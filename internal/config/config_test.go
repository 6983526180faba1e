package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPaginationBounds(t *testing.T) {
	cfg := DefaultConfig()
	require.Greater(t, cfg.DefaultPageSize, 0)
	require.GreaterOrEqual(t, cfg.MaxPageSize, cfg.DefaultPageSize)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}
