package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/config"
	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/connectors/builtin"
	"github.com/mpataki/relay/internal/dispatch"
	"github.com/mpataki/relay/internal/flows"
	"github.com/mpataki/relay/internal/logging"
	"github.com/mpataki/relay/internal/orchestrator"
	"github.com/mpataki/relay/internal/storage"
)

// env is the wired application shared by every command
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *storage.Storage
	registry *connector.Registry
	flows    *flows.Store
	engine   *orchestrator.Orchestrator
}

// quietLogs marks commands that draw on the terminal themselves; their
// logs only go to log.file
const quietLogs = "quiet-logs"

// stopTimeout bounds how long a CLI command waits for workers on exit
const stopTimeout = 5 * time.Second

func newEnv(cmd *cobra.Command) (*env, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Quiet:  cmd.Annotations[quietLogs] == "true",
	})
	if err != nil {
		return nil, err
	}

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := connector.NewRegistry(logger.Named("connectors"))
	if err := builtin.Load(registry, &cfg.Connectors, logger); err != nil {
		_ = db.Close()
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to load connectors: %w", err)
	}

	flowStore := flows.NewStore(db, registry, logger.Named("flows"))
	engine := orchestrator.New(db, flowStore,
		dispatch.New(registry, logger.Named("dispatch")),
		orchestrator.Options{
			WorkspaceDir:   cfg.WorkspacesDir(),
			StepTimeout:    cfg.Engine.StepTimeout,
			MaxStepTimeout: cfg.Engine.MaxStepTimeout,
			MaxAttempts:    cfg.Engine.Retry.MaxAttempts,
			BackoffBase:    cfg.Engine.Retry.BackoffBase,
			BackoffCap:     cfg.Engine.Retry.BackoffCap,
		}, logger.Named("engine"))

	return &env{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		flows:    flowStore,
		engine:   engine,
	}, nil
}

// close stops the engine, then releases connectors and the database
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := e.engine.Stop(ctx); err != nil {
		e.logger.Warn("engine did not stop cleanly", zap.Error(err))
	}
	e.registry.Close()
	if err := e.db.Close(); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// withEnv adapts a command body that needs the wired application
func withEnv(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd, e, args)
	}
}
