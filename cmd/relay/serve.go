package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/server"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP API",
		Args:  cobra.NoArgs,
		RunE:  withEnv(runServe),
	}
	cmd.Flags().StringSlice("flows-dir", nil, "load flow documents from these directories on start")
	return cmd
}

func runServe(cmd *cobra.Command, e *env, _ []string) error {
	ctx := cmd.Context()
	e.logger.Info("relay starting",
		zap.String("config", e.cfg.ConfigFile),
		zap.String("db", e.cfg.DBPath),
		zap.String("addr", e.cfg.Addr()),
		zap.Int("connectors", len(e.registry.List())))

	if e.cfg.Engine.ReconcileOnStart {
		if _, err := e.engine.Reconcile(ctx); err != nil {
			return err
		}
	}

	dirs, _ := cmd.Flags().GetStringSlice("flows-dir")
	if len(dirs) > 0 {
		if _, err := loadFlows(ctx, e, dirs); err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	api := server.NewServer(e.flows, e.engine, e.registry, e.db, e.logger.Named("http"))
	httpServer := &http.Server{
		Addr:    e.cfg.Addr(),
		Handler: api.SetupRoutes(),
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("HTTP server starting", zap.String("addr", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		e.logger.Error("HTTP server error", zap.Error(serveErr))
	}

	e.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), e.cfg.Server.ShutdownTimeout,
	)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := e.engine.Stop(shutdownCtx); err != nil {
		e.logger.Warn("engine stopped with runs in flight", zap.Error(err))
	}

	e.logger.Info("server exited")
	return serveErr
}
