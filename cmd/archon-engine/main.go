package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PadsterH2012/archon-plus-sub002/internal/engine"
	"github.com/PadsterH2012/archon-plus-sub002/internal/logging"
	"github.com/PadsterH2012/archon-plus-sub002/internal/store"
	"github.com/PadsterH2012/archon-plus-sub002/internal/streaming"
	"github.com/PadsterH2012/archon-plus-sub002/internal/tools"
	"github.com/PadsterH2012/archon-plus-sub002/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "archon-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout carries the MCP stdio transport, so logs go to stderr.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})
	logger := slog.New(logging.NewCorrelationHandler(handler))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.HTTPConfig{}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	hub := streaming.NewMemoryHub()

	svc, err := engine.NewExecutionService(st, registry, hub, logger, engine.ServiceConfig{
		PoolSize:      cfg.PoolSize,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("create execution service: %w", err)
	}

	srv := mcp.NewEngineServer(mcp.EngineServerDeps{
		Service: svc,
		Hub:     hub,
		Logger:  logger,
	})

	logger.Info("archon-engine starting",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"max_concurrent", cfg.MaxConcurrent,
	)

	serveErr := srv.Serve(ctx)

	// Give live executions a bounded window to cancel and persist.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	logger.Info("archon-engine stopped")
	return nil
}
