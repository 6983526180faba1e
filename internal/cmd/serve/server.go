package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/convohq/chat-service/internal/chat"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/hub"
	"github.com/convohq/chat-service/internal/plugin/route/conversations"
	"github.com/convohq/chat-service/internal/plugin/route/messages"
	routesystem "github.com/convohq/chat-service/internal/plugin/route/system"
	"github.com/convohq/chat-service/internal/plugin/route/ws"
	storemetrics "github.com/convohq/chat-service/internal/plugin/store/metrics"
	registrycache "github.com/convohq/chat-service/internal/registry/cache"
	registrymigrate "github.com/convohq/chat-service/internal/registry/migrate"
	registryroute "github.com/convohq/chat-service/internal/registry/route"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/security"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.ChatStore
	Router          *gin.Engine
	Hub             *hub.Hub
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	if err := s.Running.Close(ctx); err != nil {
		return err
	}
	return s.Store.Close(ctx)
}

// StartServer initializes all subsystems and starts listening.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize the presence cache and inject it into the context so the
	// hub and any store loaders can read it.
	var presence registrycache.PresenceCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Presence cache not available", "cache", cfg.CacheType, "err", err)
	} else if presence, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize presence cache", "cache", cfg.CacheType, "err", err)
		presence = nil
	} else {
		ctx = registrycache.WithPresenceCacheContext(ctx, presence)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Managers and the delivery hub reference each other: the managers emit
	// events through the hub, the hub resolves participants through the
	// conversation manager. Build managers first, then attach the hub.
	convs := chat.NewConversationManager(store, nil, cfg.DefaultPageSize, cfg.MaxPageSize)
	msgs := chat.NewMessageManager(store, convs, nil)
	h, err := hub.New(convs, presence, hub.Options{
		SendBuffer:      cfg.WSSendBuffer,
		PingInterval:    cfg.WSPingInterval,
		ParticipantsTTL: cfg.ParticipantsTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize delivery hub: %w", err)
	}
	convs.SetNotifier(h)
	msgs.SetNotifier(h)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Mount API routes
	conversations.MountRoutes(router, convs, cfg, auth)
	messages.MountRoutes(router, msgs, cfg, auth)
	ws.MountRoutes(router, h, resolver, cfg)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartSinglePortHTTP(ctx, cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Router:          router,
		Hub:             h,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
