// Package ledger defines the durable session history and per-agent
// aggregates (C3): one row per assignment attempt plus a monotonic rollup
// per agent. Two backends satisfy the interface — PostgreSQL for production,
// pure-Go SQLite for local/dev and the maintenance-script binaries that
// shouldn't need a running database to operate.
package ledger

import (
	"context"

	"github.com/tzsystem/dispatchd/internal/domain"
)

// Ledger is the narrow contract the assignment engine, the reporting
// surface, and the maintenance scripts need against the session ledger.
type Ledger interface {
	// RecordAssignment inserts (or, per the resolved Open Question on
	// duplicate rows, upserts on agent_id+task_id+status='assigned') a new
	// session row in the 'assigned' state and bumps the agent's LastActive.
	RecordAssignment(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID) error

	// RecordCompletion flips every 'assigned' row for (agentID, taskID) to
	// 'completed', stamping completed_at/transcription_length, and updates
	// the agent aggregate: +1 completed, +duration, +earnings computed from
	// duration and ratePerMinute. Returns the number of rows flipped (>1 is
	// logged by the caller as the tolerated duplicate-row case, not an error).
	RecordCompletion(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, durationSeconds float64, transcriptionLength int, ratePerMinute float64) (rowsFlipped int, err error)

	// RecordSkip flips every 'assigned' row for (agentID, taskID) to
	// 'skipped', stamping skip_reason, and updates the agent aggregate:
	// +1 skipped.
	RecordSkip(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, reason string) (rowsFlipped int, err error)

	// AgentAggregate returns the per-agent rollup, or the zero value with
	// ok=false if the agent has no sessions yet.
	AgentAggregate(ctx context.Context, agentID domain.AgentID) (domain.AgentAggregate, bool, error)

	// Sessions lists an agent's sessions, most recent first, for reporting.
	Sessions(ctx context.Context, agentID domain.AgentID, limit int) ([]domain.Session, error)

	// AllSessions lists every session for CSV export and backfill, in
	// ascending assigned_at order.
	AllSessions(ctx context.Context) ([]domain.Session, error)

	// TopAgents returns aggregates ordered by the requested metric,
	// descending, for the leaderboard endpoints. metric is one of
	// "completed", "earnings", "productivity" (completed tasks per second of
	// recorded audio duration, with the duration floored at one second).
	TopAgents(ctx context.Context, metric string, limit int) ([]domain.AgentAggregate, error)

	// AllAggregates returns every agent's aggregate for system-wide stats
	// and the full CSV report.
	AllAggregates(ctx context.Context) ([]domain.AgentAggregate, error)

	// RecomputeEarnings recomputes TotalEarnings for every agent from
	// TotalDurationSeconds at ratePerMinute, returning how many agent rows the
	// update touched (every agent row, whether or not its value changed).
	// Backs cmd/earningsratemigration; earnings are a derived quantity, not
	// a stored fact (spec §9), so this is always safe to run.
	RecomputeEarnings(ctx context.Context, ratePerMinute float64) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
