// Command agord is the Agor daemon: one process hosting the WebSocket RPC
// gateway, the session engine, the worktree manager, the chat gateway, the
// terminal bridge, and the embedded MCP server over a shared store.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/events"
	"github.com/agor-sh/agor/internal/mcpserver"
	"github.com/agor-sh/agor/internal/tracing"
)

// version is stamped by the build; dev builds report "dev".
var version = "dev"

func main() {
	env, err := config.NewEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve data home: %v\n", err)
		os.Exit(1)
	}
	if err := env.EnsureLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data home layout: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(env, cfg, log); err != nil {
		log.Fatal("Daemon failed", zap.Error(err))
	}
}

func run(env *config.Env, cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting agord",
		zap.String("version", version),
		zap.String("data_home", env.Root),
		zap.String("db_dialect", cfg.Database.Dialect),
		zap.String("execution_mode", cfg.Execution.Mode))

	if err := writePIDFile(env.PIDFilePath()); err != nil {
		return err
	}
	defer removePIDFile(env.PIDFilePath(), log)

	pool, st, err := openDatabase(cfg, env, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = busCleanup() }()

	d, err := buildDaemon(ctx, env, cfg, st, provided.Bus, log)
	if err != nil {
		return err
	}

	// Crash recovery before traffic: stuck rows fail fast instead of
	// lingering forever.
	if swept, err := d.engine.SweepPending(ctx); err != nil {
		log.Warn("Task sweep failed", zap.Error(err))
	} else if swept > 0 {
		log.Info("Swept orphaned tasks", zap.Int("count", swept))
	}
	if swept, err := d.worktrees.SweepCreating(ctx); err != nil {
		log.Warn("Worktree sweep failed", zap.Error(err))
	} else if swept > 0 {
		log.Info("Swept stuck worktrees", zap.Int("count", swept))
	}

	if d.gateway != nil {
		if err := d.gateway.RefreshActiveSessions(ctx); err != nil {
			log.Warn("Gateway session refresh failed", zap.Error(err))
		}
		if err := d.gateway.StartListeners(ctx); err != nil {
			log.Warn("Gateway listeners failed to start", zap.Error(err))
		}
	}

	_, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.DefaultConfig(), mcpserver.Deps{
		Store:  st,
		Engine: d.engine,
	}, log)
	if err != nil {
		log.Warn("MCP server failed to start", zap.Error(err))
	} else {
		defer func() { _ = mcpCleanup() }()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port),
		Handler:      buildRouter(cfg, d, log),
		ReadTimeout:  time.Duration(cfg.Daemon.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Daemon.WriteTimeout) * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.hub.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		log.Info("Daemon listening",
			zap.String("addr", server.Addr),
			zap.String("public_url", d.daemonURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		log.Info("Shutting down agord")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		d.engine.Shutdown(shutdownCtx)
		if d.gateway != nil {
			d.gateway.Shutdown()
		}
		d.terminal.Shutdown()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracer shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("agord stopped")
	return err
}

// writePIDFile records the daemon PID so the CLI can find a running daemon.
func writePIDFile(path string) error {
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
}

func removePIDFile(path string, log *logger.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove PID file", zap.Error(err))
	}
}
