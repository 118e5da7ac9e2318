package app

import (
	"log/slog"
	"net/http"

	"github.com/chatwire/session-gateway/internal/config"
	"github.com/chatwire/session-gateway/internal/dispatch"
	"github.com/chatwire/session-gateway/internal/observability"
	"github.com/chatwire/session-gateway/internal/orchestrator"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Orchestrator  *orchestrator.Orchestrator
	Dispatcher    *dispatch.Dispatcher
	Observability *observability.Runtime
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, orch *orchestrator.Orchestrator, dispatcher *dispatch.Dispatcher, runtime *observability.Runtime) *App {
	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		Orchestrator:  orch,
		Dispatcher:    dispatcher,
		Observability: runtime,
	}
}
