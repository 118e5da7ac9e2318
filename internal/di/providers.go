package di

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwire/session-gateway/internal/config"
	"github.com/chatwire/session-gateway/internal/dispatch"
	"github.com/chatwire/session-gateway/internal/http/handler"
	"github.com/chatwire/session-gateway/internal/http/router"
	"github.com/chatwire/session-gateway/internal/orchestrator"
	"github.com/chatwire/session-gateway/internal/store"
	"github.com/chatwire/session-gateway/internal/transport"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func provideDB(cfg *config.Config) (*gorm.DB, error) {
	return store.Open(cfg.DBDriver, cfg.DBDSN)
}

func provideMetadataStore(cfg *config.Config, db *gorm.DB) (store.MetadataStore, error) {
	sealKey, err := cfg.SealKey()
	if err != nil {
		return nil, err
	}
	return store.NewMetadataStore(db, sealKey)
}

func provideRedis(cfg *config.Config) redis.UniversalClient {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

func provideRecentEvents(cfg *config.Config, client redis.UniversalClient) dispatch.RecentEventsStore {
	if client != nil {
		return dispatch.NewRedisRecentEventsStore(client, "session_gateway:recent_events", cfg.RecentEventsCapacity)
	}
	return dispatch.NewInMemoryRecentEventsStore(cfg.RecentEventsCapacity)
}

func provideDispatcher(cfg *config.Config, recent dispatch.RecentEventsStore, logger *slog.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(dispatch.Options{
		URL:           cfg.WebhookURL,
		SigningSecret: cfg.WebhookSigningSecret,
		Attempts:      cfg.DispatchAttempts,
		BaseDelay:     cfg.DispatchBaseDelay,
		ServiceName:   cfg.OTELServiceName,
	}, recent, logger)
}

func provideDialer(cfg *config.Config) transport.Dialer {
	// Config validation rejects everything but "sim" until a real network
	// driver lands.
	return transport.NewSimDialer(transport.SimOptions{
		CredentialDelay: 200 * time.Millisecond,
		ConnectDelay:    200 * time.Millisecond,
	})
}

func provideRegistry() *orchestrator.Registry {
	return orchestrator.NewRegistry()
}

func provideOrchestrator(registry *orchestrator.Registry, st store.MetadataStore, dialer transport.Dialer, dispatcher *dispatch.Dispatcher, logger *slog.Logger, cfg *config.Config) *orchestrator.Orchestrator {
	return orchestrator.New(registry, st, dialer, dispatcher, logger, orchestrator.Options{
		CreateTimeout:  cfg.CreateTimeout,
		RefreshTimeout: cfg.RefreshTimeout,
		CredentialTTL:  cfg.CredentialTTL,
		RefreshStrict:  cfg.RefreshStrict,
	})
}

func provideSessionHandler(orch *orchestrator.Orchestrator, recent dispatch.RecentEventsStore) *handler.SessionHandler {
	return handler.NewSessionHandler(orch, recent)
}

func provideReadiness(db *gorm.DB, client redis.UniversalClient) []router.ReadinessCheck {
	checks := []router.ReadinessCheck{
		{
			Name: "database",
			Probe: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		},
	}
	if client != nil {
		checks = append(checks, router.ReadinessCheck{
			Name: "redis",
			Probe: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	return checks
}

func provideRouter(h *handler.SessionHandler, checks []router.ReadinessCheck, cfg *config.Config) http.Handler {
	return router.NewRouter(router.Dependencies{
		SessionHandler: h,
		Readiness:      checks,
		EnableOTelHTTP: cfg.EnableOTelHTTP,
	})
}

func provideServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
