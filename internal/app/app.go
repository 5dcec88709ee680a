// Package app wires every Ingester component together: infrastructure
// clients, the background loops (reloader, capacity monitor, finalize GC,
// audit writer), and the HTTP server, then runs until ctx is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/filemesh/ingester/internal/audit"
	"github.com/filemesh/ingester/internal/config"
	"github.com/filemesh/ingester/internal/httpserver"
	"github.com/filemesh/ingester/internal/model"
	"github.com/filemesh/ingester/internal/platform"
	"github.com/filemesh/ingester/internal/telemetry"
	"github.com/filemesh/ingester/pkg/admin"
	"github.com/filemesh/ingester/pkg/alertnotify"
	"github.com/filemesh/ingester/pkg/api"
	"github.com/filemesh/ingester/pkg/authclient"
	"github.com/filemesh/ingester/pkg/capacitymonitor"
	"github.com/filemesh/ingester/pkg/finalize"
	"github.com/filemesh/ingester/pkg/registry"
	"github.com/filemesh/ingester/pkg/reloader"
	"github.com/filemesh/ingester/pkg/se"
	"github.com/filemesh/ingester/pkg/selector"
	"github.com/filemesh/ingester/pkg/upload"
)

// Run reads config, connects infrastructure, wires every component, and
// serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting ingester", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to audit database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running audit trail migrations: %w", err)
	}
	logger.Info("audit trail migrations applied")

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry()

	return runServer(ctx, cfg, logger, db, rdb, metricsReg)
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Audit log writer (async, buffered) — started first so every
	// downstream component can record into it immediately.
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// Operational alerting (no-op if SLACK_BOT_TOKEN is unset).
	notifier := alertnotify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack alerting enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack alerting disabled (SLACK_BOT_TOKEN not set)")
	}

	// AuthClient: the Ingester's own bearer token for outbound Admin/SE calls.
	tokens := authclient.New(authclient.Config{
		AdminURL:     cfg.AuthAdminURL,
		ClientID:     cfg.AuthClientID,
		ClientSecret: cfg.AuthClientSecret,
		RefreshSkew:  cfg.AuthTokenRefreshSkew,
	}, &http.Client{Timeout: cfg.AuthRequestTimeout}, logger)

	adminClient := admin.New(cfg.AuthAdminURL, tokens, 10*time.Second, logger)
	reg := registry.New(rdb, cfg.RegistryMaxStale)
	seClient := se.New(&http.Client{}, tokens)

	rel := reloader.New(reloader.Config{Interval: cfg.ReloaderInterval}, reg, adminClient, reg, logger, telemetry.ReloaderMetrics{})

	sel := selector.New(selector.Config{
		LocalCacheTTL: cfg.SelectorLocalCacheTTL,
		MinHeadroom:   cfg.SelectorMinHeadroom,
	}, rel, reg, reg, adminClient, telemetry.SelectorMetrics{})

	uploadCoordinator := upload.New(sel, rel, tokens, seClient, logger, telemetry.UploadMetrics{})

	finalizeStore := finalize.NewRedisStore(rdb)
	finalizeCoordinator := finalize.New(ctx, finalize.Config{
		SafetyMargin:     cfg.FinalizeSafetyMargin,
		PhaseMaxAttempts: cfg.FinalizePhaseMaxAttempts,
		RecoveryTimeout:  cfg.FinalizeRecoveryTimeout,
	}, finalizeStore, adminClient, sel, rel, seClient, notifier, auditWriter, logger, telemetry.FinalizeMetrics{})

	gc := finalize.NewGC(finalizeStore, rel, seClient, cfg.FinalizeGCInterval, logger, telemetry.FinalizeMetrics{})

	var monitor *capacitymonitor.Monitor
	if cfg.CapacityMonitorEnabled {
		monitor = capacitymonitor.New(capacitymonitor.Config{
			ReplicaID:    replicaID(),
			BaseInterval: cfg.CapacityMonitorBaseInterval,
			MinInterval:  cfg.CapacityMonitorMinInterval,
			MaxInterval:  cfg.CapacityMonitorMaxInterval,
			PerSETimeout: cfg.CapacityMonitorPerSETimeout,
			Concurrency:  cfg.CapacityMonitorConcurrency,
			Thresholds:   thresholds(cfg),
		}, rel, seClient, reg, logger, telemetry.CapacityMonitorMetrics{}, auditWriter)
	}

	// Background loops.
	go func() {
		if err := rel.Run(ctx); err != nil {
			logger.Error("reloader loop exited", "error", err)
		}
	}()
	if monitor != nil {
		go func() {
			if err := monitor.Run(ctx); err != nil {
				logger.Error("capacity monitor loop exited", "error", err)
			}
		}()
	}
	go func() {
		if err := gc.Run(ctx); err != nil {
			logger.Error("finalize gc loop exited", "error", err)
		}
	}()
	go func() {
		if err := finalizeCoordinator.RecoverStale(ctx); err != nil {
			logger.Warn("finalize crash recovery sweep failed", "error", err)
		}
	}()

	ready := &httpserver.ReadyChecker{Registry: reg, Admin: adminClient, SEMap: rel, Health: reg, Notifier: notifier}
	srv := httpserver.NewServer(httpserver.Config{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, metricsReg, ready)

	apiHandler := api.New(uploadCoordinator, finalizeCoordinator, auditWriter, logger)
	apiHandler.Mount(srv.APIRouter)

	auditHandler := audit.NewHandler(db, logger)
	srv.Router.Mount("/api/v1/audit-log", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // SE upload default per-request timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func thresholds(cfg *config.Config) model.Thresholds {
	return model.Thresholds{
		WarningPercent:  cfg.ThresholdWarningPercent,
		CriticalPercent: cfg.ThresholdCriticalPercent,
		FullPercent:     cfg.ThresholdFullPercent,
		MinHeadroom:     cfg.ThresholdMinHeadroomBytes,
	}
}

func replicaID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ingester-replica"
	}
	return host
}
