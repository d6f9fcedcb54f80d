// Command dispatchd is the dispatch middleware service: it wires the
// coordination store, ledger, task source, reconciler, and assignment
// engine behind an HTTP API, plus the supplemented reporting and dashboard
// surfaces.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tzsystem/dispatchd/internal/api"
	"github.com/tzsystem/dispatchd/internal/assignment"
	"github.com/tzsystem/dispatchd/internal/config"
	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/dashboard"
	"github.com/tzsystem/dispatchd/internal/ledger"
	"github.com/tzsystem/dispatchd/internal/ledger/postgres"
	"github.com/tzsystem/dispatchd/internal/ledger/sqlite"
	"github.com/tzsystem/dispatchd/internal/observability"
	"github.com/tzsystem/dispatchd/internal/reconciler"
	"github.com/tzsystem/dispatchd/internal/reporting"
	"github.com/tzsystem/dispatchd/internal/tasksource"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg := config.Load(*configPath)

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	var otelShutdown func(context.Context) error
	if cfg.Observer.Enabled {
		inst, shutdown, err := observability.Init(context.Background())
		if err != nil {
			slog.Error("observability init failed", "error", err)
			os.Exit(1)
		}
		handler = observability.NewSlogHandler(inst)
		otelShutdown = shutdown
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if cfg.Service.SharedSecret == "" {
		logger.Warn("service.shared_secret is empty, auth is disabled for all routes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := coordstore.New(rdb, coordstore.WithDisableThreshold(cfg.Engine.DisableThreshold))
	if err := store.Ping(ctx); err != nil {
		logger.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	led, err := openLedger(ctx, cfg.Database)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	source := tasksource.WithRetry(
		tasksource.New(cfg.TaskSource.BaseURL, cfg.TaskSource.Token, cfg.TaskSource.Project),
		logger,
	)

	recon := reconciler.New(store, source, cfg.Engine.ReconcileInterval, logger)
	go recon.Run(ctx)

	engineCfg := assignment.Config{
		LockTTL:               cfg.Engine.LockTTL,
		SkipCooldownTTL:       cfg.Engine.SkipCooldownTTL,
		GlobalSkipWindow:      cfg.Engine.GlobalSkipWindow,
		DisableThreshold:      cfg.Engine.DisableThreshold,
		MaxAssignAttempts:     cfg.Engine.MaxAssignAttempts,
		EarningsRatePerMinute: cfg.Engine.EarningsRatePerMinute,
	}
	engine := assignment.New(store, source, recon, led, engineCfg, logger)

	reportingServer := reporting.New(led)
	apiServer := api.New(
		api.Config{Addr: cfg.Service.Addr, SharedSecret: cfg.Service.SharedSecret},
		engine, store, led, logger,
		api.WithRoutes(reportingServer.Routes),
		api.WithRoutes(func(mux *http.ServeMux) { mux.Handle("GET /dashboard", dashboard.Handler()) }),
	)

	if err := apiServer.Run(ctx); err != nil {
		logger.Error("api server error", "error", err)
	}

	if otelShutdown != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutCtx); err != nil {
			logger.Error("observability shutdown error", "error", err)
		}
	}
}

func openLedger(ctx context.Context, cfg config.DatabaseConfig) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		store := sqlite.New(cfg.SQLitePath)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
}
