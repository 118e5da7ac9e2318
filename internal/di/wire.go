//go:build wireinject
// +build wireinject

package di

import (
	"context"
	"log/slog"

	"github.com/chatwire/session-gateway/internal/app"
	"github.com/chatwire/session-gateway/internal/config"
	"github.com/chatwire/session-gateway/internal/observability"

	"github.com/google/wire"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func InitializeApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, lp *sdklog.LoggerProvider) (*app.App, error) {
	wire.Build(
		observability.InitRuntime,
		provideDB,
		provideMetadataStore,
		provideRedis,
		provideRecentEvents,
		provideDispatcher,
		provideDialer,
		provideRegistry,
		provideOrchestrator,
		provideSessionHandler,
		provideReadiness,
		provideRouter,
		provideServer,
		app.New,
	)
	return nil, nil
}
