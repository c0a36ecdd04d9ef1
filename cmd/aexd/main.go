// aexd — the execution control plane daemon. Serves the OpenAI-compatible
// proxy surface, the v2 admission/settlement API and the admin surface, and
// runs the recovery and webhook retry workers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/aexlabs/aex/pkg/admission"
	"github.com/aexlabs/aex/pkg/api"
	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/database"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/observability"
	"github.com/aexlabs/aex/pkg/policy"
	"github.com/aexlabs/aex/pkg/proxy"
	"github.com/aexlabs/aex/pkg/ratelimit"
	"github.com/aexlabs/aex/pkg/recovery"
	"github.com/aexlabs/aex/pkg/router"
	"github.com/aexlabs/aex/pkg/sandbox"
	"github.com/aexlabs/aex/pkg/version"
	"github.com/aexlabs/aex/pkg/webhooks"
)

func main() {
	configDir := flag.String("config-dir",
		getEnv("AEX_CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before Settings resolution.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}
	os.Setenv("AEX_CONFIG_DIR", *configDir)

	settings := config.Load()

	slog.Info("Starting aexd",
		"version", version.Full(),
		"host", settings.Host,
		"port", settings.Port,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Database; NewClient runs migrations before returning.
	client, err := database.NewClient(ctx, database.DefaultPoolConfig(settings.DatabaseURL))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 2. Model catalog.
	catalog := config.NewCatalogStore(settings.ConfigDir)
	if err := catalog.Load(); err != nil {
		slog.Error("Failed to load model catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Model catalog loaded", "default_model", catalog.DefaultModel())

	// 3. Webhook dispatcher doubles as the ledger notifier.
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	dispatcher := webhooks.New(client, settings.WebhookTimeout)
	dispatcher.SetObserver(func(status string) {
		metrics.WebhookDeliveries.WithLabelValues(status).Inc()
	})
	l := ledger.New(client, dispatcher)
	l.ReservationTTL = settings.ReservationTTL

	// 4. Startup integrity gate.
	gate, err := l.CheckStartupGate(ctx)
	if err != nil {
		slog.Error("Startup integrity gate errored", "error", err)
		os.Exit(1)
	}
	for _, check := range gate {
		if check.Passed {
			continue
		}
		slog.Error("Startup integrity check failed", "check", check.Name, "detail", check.Detail)
		if settings.StrictStart {
			os.Exit(1)
		}
	}

	// 5. Rate limiter, redis fast path optional.
	var rdb *redis.Client
	if settings.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rate limiting falls back to postgres",
				"addr", settings.RedisAddr, "error", err)
		} else {
			slog.Info("Redis rate-limit fast path enabled", "addr", settings.RedisAddr)
		}
	}
	limiter := ratelimit.New(client, rdb, l)

	// 6. Admission pipeline and upstream proxy.
	resolver := router.NewResolver(catalog)
	engine := policy.NewEngine()
	controller := admission.NewController(l, resolver, engine, limiter, settings)
	upstream := proxy.New(l, limiter, settings)

	// 7. Tool plugins.
	registry := sandbox.NewRegistry(client)
	minter := sandbox.NewMinter(settings.CapabilitySecret)
	minter.MaxTTL = settings.CapabilityTTL
	executor := sandbox.NewExecutor(l, registry, minter, nil)

	// 8. Observability.
	monitor := observability.NewMonitor(client, l, settings)
	health := observability.NewHealth(client, l, catalog, monitor)

	// 9. Crash recovery: one sweep before serving, then periodic.
	sweeper := recovery.NewSweeper(client, l, metrics)
	if result, err := sweeper.Sweep(ctx); err != nil {
		slog.Error("Startup recovery sweep failed", "error", err)
		os.Exit(1)
	} else if result.Released > 0 || result.Failed > 0 {
		slog.Info("Startup recovery sweep settled interrupted executions",
			"released", result.Released, "failed", result.Failed)
	}
	recoveryWorker := recovery.NewWorker(sweeper, settings.RecoveryInterval)
	recoveryWorker.Start(ctx)

	retryWorker := webhooks.NewRetryWorker(dispatcher, settings.WebhookRetryInterval)
	retryWorker.Start(ctx)

	// 10. HTTP server.
	server := api.NewServer(api.Deps{
		Settings:  settings,
		Client:    client,
		Catalog:   catalog,
		Ledger:    l,
		Admission: controller,
		Proxy:     upstream,
		Executor:  executor,
		Registry:  registry,
		Hooks:     webhooks.NewStore(client),
		Health:    health,
		Monitor:   monitor,
		Metrics:   metrics,
		Sweeper:   sweeper,
	})

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	recoveryWorker.Stop()
	retryWorker.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			slog.Warn("Error closing redis client", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
