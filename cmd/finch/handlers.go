// handlers.go contains the command implementations.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finchbot/finch/internal/admin"
	"github.com/finchbot/finch/internal/config"
	"github.com/finchbot/finch/internal/pending"
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("config file not found, using defaults", "path", configPath)
			cfg = config.Default()
		} else {
			return err
		}
	}
	setupLogging(cfg.Logging, debug)

	store, err := pending.OpenSQLiteStore(cfg.Engine.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	executors := pending.NewExecutorRegistry()
	notifiers := pending.NewNotifierRegistry()
	admin.Register(executors, admin.NewClient(cfg.Admin.BaseURL,
		admin.WithToken(cfg.Admin.Token),
		admin.WithHTTPClient(&http.Client{Timeout: cfg.Admin.Timeout}),
	))
	// The log channel stands in until a chat front end registers itself.
	notifiers.Register("log", func(ctx context.Context, op *pending.Operation) {
		slog.Debug("operation state push", "id", op.ID, "status", op.Status, "expires_at", op.ExpiresAt)
	})

	engine := pending.New(engineConfig(cfg), store, executors, notifiers,
		pending.WithMetrics(pending.NewMetrics(nil)),
	)
	if err := engine.Start(ctx); err != nil {
		return err
	}

	metricsSrv := startMetricsServer(cfg.Server)

	slog.Info("finch running", "store", cfg.Engine.StorePath, "executors", executors.Types())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return engine.Stop(shutdownCtx)
}

func runCheckConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (store %s, per-user limit %d, default hold %s)\n",
		configPath, cfg.Engine.StorePath, cfg.Engine.PerUserLimit, cfg.Engine.DefaultHold)
	return nil
}

func setupLogging(cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func startMetricsServer(cfg config.ServerConfig) *http.Server {
	if cfg.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MetricsPort)),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func engineConfig(cfg *config.Config) pending.Config {
	return pending.Config{
		PerUserLimit: cfg.Engine.PerUserLimit,
		DefaultHold:  cfg.Engine.DefaultHold,
		HoldByType:   cfg.Engine.HoldByType,
		Janitor: pending.JanitorConfig{
			MinInterval:   cfg.Engine.Janitor.MinInterval,
			MaxInterval:   cfg.Engine.Janitor.MaxInterval,
			BusyThreshold: cfg.Engine.Janitor.BusyThreshold,
			Grace:         cfg.Engine.Janitor.Grace,
			Retention:     cfg.Engine.Janitor.Retention,
			PurgeSchedule: cfg.Engine.Janitor.PurgeSchedule,
		},
		Notify: pending.NotifyConfig{
			TickInterval: cfg.Engine.Notify.TickInterval,
			MaxTicks:     cfg.Engine.Notify.MaxTicks,
		},
	}
}
