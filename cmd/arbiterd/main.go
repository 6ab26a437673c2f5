package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiter-dev/arbiterd/internal/auth"
	"github.com/arbiter-dev/arbiterd/internal/config"
	"github.com/arbiter-dev/arbiterd/internal/daemon"
	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/provider"
	"github.com/arbiter-dev/arbiterd/internal/registry"
	"github.com/arbiter-dev/arbiterd/internal/router"
	"github.com/arbiter-dev/arbiterd/internal/server"
	"github.com/arbiter-dev/arbiterd/internal/store/memory"
	"github.com/arbiter-dev/arbiterd/internal/store/redis"
	"github.com/arbiter-dev/arbiterd/internal/store/sqlite"
	"github.com/arbiter-dev/arbiterd/internal/telemetry"
	"github.com/arbiter-dev/arbiterd/internal/tenant"
	"github.com/arbiter-dev/arbiterd/internal/workflow"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("arbiterd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	recorder := telemetry.NewRecorder(logger, prometheus.DefaultRegisterer)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open findings store: %v", err)
	}
	defer store.Close()

	providers, err := provider.CreateProviders(cfg.Providers)
	if err != nil {
		log.Fatalf("Failed to create providers: %v", err)
	}
	if len(providers) == 0 {
		log.Fatal("No providers configured")
	}

	tenants := make([]*tenant.Tenant, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants = append(tenants, &tenant.Tenant{
			ID:          t.ID,
			Name:        t.Name,
			TokenHashes: t.TokenHashes,
		})
	}
	authenticator := auth.NewAuthenticator(tenants)

	reg := registry.New()
	d := daemon.New(reg, authenticator, daemon.Options{
		CacheTTL:            cfg.Cache.TTL,
		CacheMaxEntries:     cfg.Cache.MaxEntries,
		GlobalLimit:         cfg.Admission.GlobalLimit,
		ClassLimits:         cfg.Admission.ClassLimits,
		QueueTimeout:        cfg.Admission.QueueTimeout,
		ProgressInterval:    cfg.Admission.ProgressInterval,
		ProgressGrace:       cfg.Admission.ProgressGrace,
		BaseTimeout:         cfg.Workflow.BaseTimeout,
		SynthesisMultiplier: cfg.Workflow.SynthesisMultiplier,
		DepthMultipliers:    cfg.Workflow.DepthMultipliers,
	}, logger, recorder)

	substitution := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		substitution[p.Name] = p.SubstitutionEnabled()
	}
	rt := router.New(providers, router.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		Cooldown:         cfg.Breaker.Cooldown,
		Substitution:     substitution,
	}, logger, recorder, d.Admission())

	embedder := workflow.NewCapsEmbedder(cfg.Embedding.MaxFiles, cfg.Embedding.MaxTotalBytes)
	if err := registry.RegisterBuiltins(reg, store, embedder, rt, registry.BuiltinOptions{
		DefaultModel: cfg.Workflow.DefaultModel,
		FindingsTTL:  cfg.Workflow.FindingsTTL,
	}, logger); err != nil {
		log.Fatalf("Failed to register tools: %v", err)
	}

	srv := server.New(cfg.Server.Port, d, reg, cfg.Server.IdleTimeout, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("daemon started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("providers", len(providers)),
		slog.Any("tools", reg.Names()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("daemon shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("daemon shutdown complete")
}

// openStore selects the findings backend from configuration.
func openStore(cfg *config.Config) (domain.FindingsStore, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		return sqlite.New(cfg.Storage.SQLite.Path)
	case "redis":
		return redis.New(context.Background(), redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	default:
		return memory.New(), nil
	}
}
