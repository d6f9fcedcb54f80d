// Command earningsratemigration recomputes every agent's total earnings at
// a newly configured per-minute rate. Earnings are a derived quantity, not
// a stored fact, so this is always safe to re-run; it mirrors
// update_earnings_rate.py's one-shot pass over the agent table.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tzsystem/dispatchd/internal/config"
	"github.com/tzsystem/dispatchd/internal/ledger"
	"github.com/tzsystem/dispatchd/internal/ledger/postgres"
	"github.com/tzsystem/dispatchd/internal/ledger/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	rate := flag.Float64("rate", 0, "new earnings rate per minute (defaults to the configured engine rate)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	newRate := *rate
	if newRate <= 0 {
		newRate = cfg.Engine.EarningsRatePerMinute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	led, err := openLedger(ctx, cfg.Database)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	before, err := led.AllAggregates(ctx)
	if err != nil {
		logger.Error("fetch aggregates failed", "error", err)
		os.Exit(1)
	}
	var totalDurationSeconds, totalEarningsBefore float64
	for _, a := range before {
		totalDurationSeconds += a.TotalDurationSeconds
		totalEarningsBefore += a.TotalEarnings
	}

	logger.Info("earnings rate migration starting",
		"new_rate_per_minute", newRate, "agent_count", len(before),
		"total_earnings_before", totalEarningsBefore)

	updated, err := led.RecomputeEarnings(ctx, newRate)
	if err != nil {
		logger.Error("recompute earnings failed", "error", err)
		os.Exit(1)
	}

	after, err := led.AllAggregates(ctx)
	if err != nil {
		logger.Error("fetch aggregates after recompute failed", "error", err)
		os.Exit(1)
	}
	var totalEarningsAfter float64
	for _, a := range after {
		totalEarningsAfter += a.TotalEarnings
	}

	logger.Info("earnings rate migration complete",
		"agents_updated", updated,
		"total_duration_minutes", totalDurationSeconds/60,
		"total_earnings_before", totalEarningsBefore,
		"total_earnings_after", totalEarningsAfter,
	)
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
