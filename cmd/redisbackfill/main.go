// Command redisbackfill replays the coordination store's audit lists into
// the ledger. It exists for the case the ledger was reset or bootstrapped
// fresh while Redis still holds the audit trail of assignments, completions,
// and skips; it mirrors migrate_redis_data.py's one-shot transfer, but
// replays through the same ledger calls the live service uses rather than
// writing rows directly, so the two never drift out of shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tzsystem/dispatchd/internal/config"
	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/ledger"
	"github.com/tzsystem/dispatchd/internal/ledger/postgres"
	"github.com/tzsystem/dispatchd/internal/ledger/sqlite"
)

const auditLimit = 100000

type assignmentRecord struct {
	AgentID domain.AgentID `json:"agent_id"`
	TaskID  domain.TaskID  `json:"task_id"`
}

type completionRecord struct {
	AgentID             domain.AgentID `json:"agent_id"`
	TaskID              domain.TaskID  `json:"task_id"`
	TranscriptionLength int            `json:"transcription_length"`
}

type skipRecord struct {
	AgentID domain.AgentID `json:"agent_id"`
	TaskID  domain.TaskID  `json:"task_id"`
	Reason  string         `json:"reason"`
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := coordstore.New(rdb)
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

	assignments, err := replayAssignments(ctx, store, led, logger)
	if err != nil {
		logger.Error("replay assignments failed", "error", err)
		os.Exit(1)
	}
	completions, err := replayCompletions(ctx, store, led, cfg.Engine.EarningsRatePerMinute, logger)
	if err != nil {
		logger.Error("replay completions failed", "error", err)
		os.Exit(1)
	}
	skips, err := replaySkips(ctx, store, led, logger)
	if err != nil {
		logger.Error("replay skips failed", "error", err)
		os.Exit(1)
	}

	logger.Info("redis backfill complete",
		"assignments_replayed", assignments,
		"completions_replayed", completions,
		"skips_replayed", skips,
	)
}

func replayAssignments(ctx context.Context, store coordstore.Store, led ledger.Ledger, logger *slog.Logger) (int, error) {
	raw, err := store.AuditList(ctx, coordstore.AuditAssignments, auditLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range oldestFirst(raw) {
		var rec assignmentRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			logger.Warn("skip malformed assignment record", "error", err)
			continue
		}
		if err := led.RecordAssignment(ctx, rec.AgentID, rec.TaskID); err != nil {
			logger.Warn("replay assignment failed", "agent_id", rec.AgentID, "task_id", rec.TaskID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func replayCompletions(ctx context.Context, store coordstore.Store, led ledger.Ledger, ratePerMinute float64, logger *slog.Logger) (int, error) {
	raw, err := store.AuditList(ctx, coordstore.AuditCompletions, auditLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range oldestFirst(raw) {
		var rec completionRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			logger.Warn("skip malformed completion record", "error", err)
			continue
		}
		// The audit trail never recorded duration, so replayed completions
		// carry zero duration and earn nothing; cmd/earningsratemigration
		// cannot recover what was never logged.
		if _, err := led.RecordCompletion(ctx, rec.AgentID, rec.TaskID, 0, rec.TranscriptionLength, ratePerMinute); err != nil {
			logger.Warn("replay completion failed", "agent_id", rec.AgentID, "task_id", rec.TaskID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func replaySkips(ctx context.Context, store coordstore.Store, led ledger.Ledger, logger *slog.Logger) (int, error) {
	raw, err := store.AuditList(ctx, coordstore.AuditSkips, auditLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range oldestFirst(raw) {
		var rec skipRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			logger.Warn("skip malformed skip record", "error", err)
			continue
		}
		if _, err := led.RecordSkip(ctx, rec.AgentID, rec.TaskID, rec.Reason); err != nil {
			logger.Warn("replay skip failed", "agent_id", rec.AgentID, "task_id", rec.TaskID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// oldestFirst reverses an audit list, since AppendAudit left-pushes and
// AuditList reads back newest-first but assignments must replay before the
// completions/skips that reference them.
func oldestFirst(entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
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
