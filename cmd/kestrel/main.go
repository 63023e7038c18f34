// Kestrel - Streaming fraud scoring with explanations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/coordinator"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/outbox"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"alert_threshold", cfg.Scoring.AlertThreshold,
		"scoring_timeout", cfg.Scoring.Timeout,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(cfg *domain.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Model bundles hot-reload on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if _, err := a.coord.ReloadModels(""); err != nil {
					slog.Error("model reload on SIGHUP failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	info := a.coord.Models()
	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"bundle", info.Version,
	)
	printBanner(cfg, Version, info)

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	return nil
}

// app holds the wired components.
type app struct {
	repo     *repository.SQLRepository
	cache    domain.Cache
	bus      domain.EventBus
	outbox   *outbox.Outbox
	profiles *profile.Store
	alerts   *alert.Manager
	coord    *coordinator.Coordinator
	ingest   *worker.Worker
	server   *api.Server

	closers []func() error
}

// build wires every component from cfg. On error whatever was opened is
// closed again.
func build(ctx context.Context, cfg *domain.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Initialize Repository
	if a.repo, err = repository.New(cfg.Repository); err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	if a.cache, err = cache.New(cfg.Cache); err != nil {
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	if a.bus, err = bus.New(cfg.EventBus); err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Write-behind outbox: persistence and notifications leave the hot path here.
	snapshots := profile.NewCacheStore(a.cache, cfg.Profile.SnapshotTTL)
	a.outbox = outbox.New(cfg.Outbox, a.repo, a.bus, logger)
	a.outbox.Register(outbox.Targets{Repository: a.repo, Bus: a.bus, Profiles: snapshots})
	a.outbox.Start()
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.outbox.Stop(ctx)
	})

	// Profile store, warmed from and snapshotted to the cache
	popts := profile.OptionsFrom(cfg.Profile)
	popts.Loader = snapshots
	popts.Sink = a.outbox.ProfileSink()
	a.profiles = profile.NewStore(popts)
	a.closers = append(a.closers, a.profiles.Close)

	tables := features.DefaultTables()
	if cfg.Features.RiskTablesPath != "" {
		if tables, err = features.LoadTables(cfg.Features.RiskTablesPath); err != nil {
			return nil, fmt.Errorf("load risk tables: %w", err)
		}
	}

	bundle, err := loadBundle(cfg)
	if err != nil {
		return nil, err
	}
	scorer := scoring.NewScorer(bundle, cfg.Scoring, models.Heuristic{
		VelocityThreshold: cfg.Features.VelocityThreshold,
		HighAmount:        cfg.Features.HighAmount,
	}, logger)

	a.alerts = alert.NewManager(cfg.Scoring.AlertThreshold, cfg.Alerts, a.outbox, logger)
	a.alerts.SetStore(a.repo)
	restoreAlerts(ctx, a.repo, a.alerts)

	a.coord = coordinator.New(coordinator.Options{
		Config:    cfg,
		Profiles:  a.profiles,
		Extractor: features.NewExtractor(a.profiles, tables, cfg.Features),
		Scorer:    scorer,
		Explainer: explain.New(scorer, cfg.Explain, cfg.Features, cfg.Scoring.AlertThreshold),
		Alerts:    a.alerts,
		Outbox:    a.outbox,
		Logger:    logger,
	})

	// Stream ingestion
	if cfg.Ingest.Enabled || cfg.Tier == domain.TierPro {
		a.ingest = worker.NewWorker(a.bus, a.coord, cfg.Ingest, logger)
		if err = a.ingest.Start(); err != nil {
			return nil, fmt.Errorf("start ingestion worker: %w", err)
		}
	}

	a.server = api.NewServer(cfg.Server, api.Deps{
		Coordinator: a.coord,
		Repository:  a.repo,
		Cache:       a.cache,
		Bus:         a.bus,
		Outbox:      a.outbox,
	}, Version)
	return a, nil
}

// shutdown stops intake first, lets in-flight work reach the outbox, then
// drains it.
func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if a.ingest != nil {
		if err := a.ingest.Stop(ctx); err != nil {
			slog.Error("failed to stop ingestion worker", "error", err)
		}
	}
	if err := a.coord.Close(ctx); err != nil {
		slog.Warn("explanations still running at shutdown", "error", err)
	}
	if err := a.outbox.Stop(ctx); err != nil {
		slog.Error("outbox did not drain", "error", err, "pending", a.outbox.Depth())
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// loadBundle loads the configured model bundle, or the built-in one.
func loadBundle(cfg *domain.Config) (*models.Bundle, error) {
	params := models.ParamsFrom(cfg)
	if cfg.Scoring.ModelsDir == "" {
		b, err := models.DefaultBundle(params)
		if err != nil {
			return nil, fmt.Errorf("load built-in model bundle: %w", err)
		}
		return b, nil
	}
	b, err := models.LoadBundle(cfg.Scoring.ModelsDir, params)
	if err != nil {
		return nil, fmt.Errorf("load model bundle: %w", err)
	}
	return b, nil
}

// restoreAlerts reloads open alerts so deduplication and analyst updates
// survive a restart. A failure only costs dedup history.
func restoreAlerts(ctx context.Context, repo domain.Repository, alerts *alert.Manager) {
	open, err := repository.OpenAlerts(ctx, repo)
	if err != nil {
		slog.Warn("failed to restore open alerts", "error", err)
		return
	}
	alerts.Restore(open)
	slog.Info("open alerts restored", "count", len(open))
}

func newLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func printBanner(cfg *domain.Config, version string, bundle models.BundleInfo) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |      Streaming Fraud Scoring Engine       |")
	fmt.Println("  |   Every score comes with its reasons.     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Models:   %s (%s)\n", bundle.Version, bundle.Source)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /score                   - Score a transaction")
	fmt.Println("    POST  /simulate                - Run a fraud scenario")
	fmt.Println("    GET   /alerts                  - List alerts")
	fmt.Println("    GET   /alerts/{id}             - Alert with explanation")
	fmt.Println("    PATCH /alerts/{id}             - Update alert status")
	fmt.Println("    GET   /transactions/{id}       - Scored transaction")
	fmt.Println("    GET   /profiles/{customer_id}  - Customer profile")
	fmt.Println("    GET   /models                  - Active model bundle")
	fmt.Println("    POST  /models/reload           - Hot-reload models")
	fmt.Println("    GET   /deadletters             - Undeliverable events")
	fmt.Println("    GET   /health                  - Health check")
	fmt.Println("    GET   /metrics                 - Prometheus metrics")
	fmt.Println()
}
