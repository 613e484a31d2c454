package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/internal/bus"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/daemon"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/rag"
	"github.com/nextlevelbuilder/agentd/internal/store/pg"
	"github.com/nextlevelbuilder/agentd/internal/telemetry"
	"github.com/nextlevelbuilder/agentd/internal/tracker"
)

const shutdownGrace = 30 * time.Second

func runDaemon() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, "agentd-"+cfg.AgentType)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	stores, db, err := pg.NewStores(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres unreachable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	settings, err := config.NewSettingsWithDefaults(cfg.SettingsPath, config.Defaults{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	})
	if err != nil {
		slog.Error("settings unreadable", "path", cfg.SettingsPath, "error", err)
		os.Exit(1)
	}

	d := daemon.New(daemon.Runtime{
		Config:   cfg,
		Settings: settings,
		Redis:    rdb,
		Stores:   stores,
		Bus:      bus.New(rdb),
		Provider: buildProvider(),
		RAG:      rag.NewClient(cfg.RAGURL, cfg.RAGToken),
		Tracker:  tracker.NewClient(cfg.TrackerURL, cfg.TrackerToken, cfg.DryRun),
	})
	if err := d.Start(ctx); err != nil {
		slog.Error("daemon start failed", "agent", cfg.AgentType, "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	s := <-sig
	slog.Info("shutdown signal received", "signal", s)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	d.Stop(stopCtx)

	if err := shutdownTracing(stopCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
	rdb.Close()
}

// buildProvider assembles the LLM stack: a CLI primary, an optional cheaper
// fallback, and the retry/fallback router on top.
func buildProvider() providers.Provider {
	primary := providers.NewCLIProvider(providers.CLIConfig{
		Binary: os.Getenv("LLM_CLI_BINARY"),
		Model:  os.Getenv("LLM_MODEL"),
	})
	var fallback providers.Provider
	if bin := os.Getenv("LLM_FALLBACK_BINARY"); bin != "" {
		fallback = providers.NewCLIProvider(providers.CLIConfig{
			Name:   "fallback-cli",
			Binary: bin,
			Model:  os.Getenv("LLM_FALLBACK_MODEL"),
		})
	}
	return providers.NewRouter(providers.RouterConfig{
		Primary:  primary,
		Fallback: fallback,
	})
}
