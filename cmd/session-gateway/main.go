package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatwire/session-gateway/internal/config"
	"github.com/chatwire/session-gateway/internal/di"
	"github.com/chatwire/session-gateway/internal/observability"
	"github.com/chatwire/session-gateway/internal/tools/watch"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	root := &cobra.Command{
		Use:   "session-gateway",
		Short: "Manages authenticated messaging sessions behind a synchronous HTTP API",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(watch.NewCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: HTTP API, orchestrator and event dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, lp, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return err
	}

	application, err := di.InitializeApp(ctx, cfg, logger, lp)
	if err != nil {
		return err
	}

	if err := application.Orchestrator.Recover(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "profile", cfg.Profile)
		if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		application.Orchestrator.Shutdown(shutdownCtx)
		if err := application.Observability.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
		return nil
	})
	return g.Wait()
}
