package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the chat service.
type Config struct {
	// Datastore backend type: "mongo" or "gorm".
	DatastoreType string

	// Database connection URL. For the gorm store a postgres:// URL selects
	// the postgres driver, anything else is treated as a sqlite DSN.
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Presence cache backend type: "redis" or "none".
	CacheType string

	// Redis
	RedisURL string

	// How long a presence entry lives without a heartbeat.
	PresenceTTL time.Duration

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // internal URL for OIDC discovery when the issuer URL is not reachable

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR}
	// expansion. Defaults to "service=chat-service".
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or
	// CHAT_SERVICE_MANAGEMENT_PORT) was explicitly provided. When false,
	// management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management
	// endpoints (/health, /ready, /metrics). Disabled by default to suppress
	// probe noise from the access log.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Pagination caps
	DefaultPageSize int
	MaxPageSize     int

	// Websocket
	WSSendBuffer    int
	WSPingInterval  time.Duration
	WSReadLimit     int64
	ParticipantsTTL time.Duration // hub-side participant list cache

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool (gorm store)
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:           "mongo",
		DatastoreMigrateAtStart: true,
		CacheType:               "none",
		PresenceTTL:             60 * time.Second,
		DefaultPageSize:         20,
		MaxPageSize:             100,
		WSSendBuffer:            64,
		WSPingInterval:          25 * time.Second,
		WSReadLimit:             1 << 20,
		ParticipantsTTL:         30 * time.Second,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MetricsLabels:  "service=chat-service",
		MaxBodySize:    1 * 1024 * 1024,
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}
