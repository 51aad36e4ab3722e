package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loupelabs/loupe/core/pkg/analysis"
	"github.com/loupelabs/loupe/core/pkg/api"
	"github.com/loupelabs/loupe/core/pkg/auth"
	"github.com/loupelabs/loupe/core/pkg/config"
	"github.com/loupelabs/loupe/core/pkg/observability"
	"github.com/loupelabs/loupe/core/pkg/persist"
	"github.com/loupelabs/loupe/core/pkg/querybroker"
	"github.com/loupelabs/loupe/core/pkg/reports"
	"github.com/loupelabs/loupe/core/pkg/scheduler"
	"github.com/loupelabs/loupe/core/pkg/settings"
	"github.com/loupelabs/loupe/core/pkg/skills"
	"github.com/loupelabs/loupe/core/pkg/sources"
	"github.com/loupelabs/loupe/core/pkg/state"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	persister, closeFn, err := newPersister(cfg)
	if err != nil {
		logger.Error("persistence init failed", "error", err)
		os.Exit(1)
	}
	if closeFn != nil {
		defer closeFn()
	}

	store := state.NewStore(persister, logger)
	hydrated, err := store.Hydrate()
	if err != nil {
		logger.Error("snapshot hydrate failed", "error", err)
		os.Exit(1)
	}
	logger.Info("state store ready", "hydrated", hydrated)

	if cfg.SeedDemoTenant {
		if err := seedDemoTenant(store, logger); err != nil {
			logger.Error("demo tenant seed failed", "error", err)
		}
	}

	var cache querybroker.Cache
	if cfg.RedisAddr != "" {
		cache = querybroker.NewRedisCache(cfg.RedisAddr)
		logger.Info("live-query cache: redis", "addr", cfg.RedisAddr)
	} else {
		cache = querybroker.NewMemoryCache()
		logger.Info("live-query cache: in-memory")
	}
	broker := querybroker.NewBroker(store, cache)

	runtime := skills.NewRuntime(store, skills.Adapters{
		GenerateReport: reports.SkillAdapter(),
	})
	orchestrator := analysis.NewOrchestrator(store, analysis.DefaultAdapters(runtime))

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "loupe-core",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	sched := scheduler.New(store, scheduledReport, logger)
	go sched.Run(ctx)

	server := api.NewServer(store, broker, runtime, orchestrator, obs, logger)
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newPersister picks the persistence port: sqlite when DATABASE_URL is
// set, a JSON snapshot file otherwise.
func newPersister(cfg *config.Config) (state.Persister, func() error, error) {
	if cfg.DatabaseURL != "" {
		store, err := persist.NewSQLiteStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return persist.NewFileStore(cfg.StateSnapshotPath), nil, nil
}

// scheduledReport is the scheduler callback: build and deliver the
// schedule's report inside the same critical section as the tick.
func scheduledReport(d *state.Data, now time.Time, schedule *state.ReportSchedule) error {
	_, err := reports.GenerateData(d, now, schedule.TenantID, reports.GenerateRequest{
		Title:     schedule.Name,
		MetricIDs: schedule.MetricIDs,
		Format:    schedule.Format,
		Channels:  schedule.Channels,
	})
	return err
}

// seedDemoTenant bootstraps one tenant with a connected source so a fresh
// install has data to explore. Skipped when any tenant already exists.
func seedDemoTenant(store *state.Store, logger *slog.Logger) error {
	tenants, err := settings.ListTenants(store)
	if err != nil {
		return err
	}
	if len(tenants) > 0 {
		return nil
	}

	bootstrap := &auth.Context{UserID: "system", Role: auth.RoleOwner}
	tenant, err := settings.CreateTenant(store, bootstrap, settings.CreateTenantRequest{
		Name: "Demo Workspace",
	})
	if err != nil {
		return err
	}

	ac := &auth.Context{TenantID: tenant.ID, UserID: "system", Role: auth.RoleOwner}
	conn, err := sources.CreateConnection(store, ac, sources.CreateRequest{
		SourceType: "stripe",
		Mode:       "hybrid",
		Auth:       map[string]any{"apiKey": "demo"},
	})
	if err != nil {
		return err
	}
	if _, err := sources.RunSync(store, ac, conn.ID, sources.SyncOptions{PeriodDays: 30}); err != nil {
		return err
	}

	logger.Info("demo tenant seeded", "tenantId", tenant.ID, "connectionId", conn.ID)
	return nil
}
