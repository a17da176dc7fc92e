// Package main is the entry point for the content service binary.
// It dispatches three subcommands (serve, check-storage and version) via a
// simple switch on os.Args so the whole CLI surface is readable in one place.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/content-service/content-service/internal/api"
	"github.com/content-service/content-service/internal/config"
	"github.com/content-service/content-service/internal/health"
	"github.com/content-service/content-service/internal/middleware"
	"github.com/content-service/content-service/internal/safego"
	"github.com/content-service/content-service/internal/storage/factory"
	"github.com/content-service/content-service/internal/telemetry"
	"github.com/content-service/content-service/internal/tempurl"
)

const defaultShutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("content-service v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "check-storage":
		return checkStorage(cfg)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, check-storage, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	storageFactory := factory.Static(cfg)

	var tempOpts []tempurl.Option
	var limiter middleware.Limiter
	if cfg.Storage.TempURL.Redis.Enabled {
		rc, err := tempurl.NewRedisCache(cfg.Storage.TempURL.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect temporary url cache: %w", err)
		}
		tempOpts = append(tempOpts, tempurl.WithSharedCache(rc))
		if cfg.Server.RateLimit.Enabled {
			limiter = middleware.NewRedisRateLimiter(rc.Client(), middleware.RateLimitConfigFrom(cfg.Server.RateLimit))
		}
		slog.Info("shared temporary url cache enabled", "addr", cfg.Storage.TempURL.Redis.Addr)
	}
	tempURLs := tempurl.New(storageFactory, cfg.Storage.TempURL, tempOpts...)
	defer tempURLs.Close()

	healthSvc := health.New(storageFactory, cfg.Storage.Health)
	healthSvc.OnReinitialize(func(ctx context.Context) { tempURLs.ClearAllCache(ctx) })
	if err := healthSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer healthSvc.Stop()

	if configPath != "" {
		_, err := config.Watch(configPath, func(next *config.Config) {
			storageFactory.SetLoader(func() (*config.Config, error) { return next, nil })
			if _, err := healthSvc.ReinitializeStorage(ctx); err != nil {
				slog.Error("storage reinitialization after config change failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}

	router, bgServices := api.NewRouter(api.Dependencies{
		Config:   cfg,
		Health:   healthSvc,
		TempURLs: tempURLs,
		Limiter:  limiter,
		Logger:   slog.Default(),
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	safego.GoNamed("http-server", func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"storage_provider", storageFactory.GetStorageProvider(),
			"environment", cfg.App.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	})

	select {
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// startMetricsServer serves /metrics on a dedicated port so it is not
// reachable through the public API ingress path
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	safego.GoNamed("metrics-server", func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	})
}

// checkStorage builds the configured provider, probes it once and prints the
// result. It exits non-zero when the backend is unreachable.
func checkStorage(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storageFactory := factory.Static(cfg)
	if _, err := storageFactory.Create(ctx); err != nil {
		return fmt.Errorf("failed to build %s storage: %w", cfg.Storage.Provider, err)
	}

	healthSvc := health.New(storageFactory, cfg.Storage.Health)
	res := healthSvc.TestConnection(ctx)

	out := struct {
		health.ConnectionResult
		Degraded bool `json:"degraded"`
	}{res, storageFactory.Degraded()}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if !res.Success {
		return fmt.Errorf("storage check failed: %s", res.Message)
	}
	if storageFactory.Degraded() {
		return fmt.Errorf("storage check failed: %s could not be built; fell back to the default backend", cfg.Storage.Provider)
	}
	return nil
}
