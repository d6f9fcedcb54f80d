// Package sqlite implements ledger.Ledger using pure-Go SQLite. Zero CGO
// required, which keeps the maintenance-script binaries (cmd/durationbackfill,
// cmd/earningsratemigration, cmd/redisbackfill) portable single binaries that
// don't need a running database for local/dev use.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/ledger"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits a debug log for each recorded assignment and a warning when a
// completion or skip flips more than one row. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements ledger.Ledger backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ledger.Ledger = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (discardHandler) Handle(context.Context, slog.Record) error  { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler       { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so all goroutines serialize
// through one connection, eliminating SQLITE_BUSY errors from concurrent
// writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank modernc.org/sqlite import above this cannot happen.
		panic(fmt.Sprintf("ledger/sqlite: open %q: %v", dbPath, err))
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			assigned_at TEXT NOT NULL,
			completed_at TEXT,
			status TEXT NOT NULL,
			duration_seconds REAL,
			transcription_length INTEGER,
			skip_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_agent_task_status_idx ON sessions(agent_id, task_id, status)`,
		`CREATE INDEX IF NOT EXISTS sessions_assigned_at_idx ON sessions(assigned_at)`,

		`CREATE TABLE IF NOT EXISTS agent_aggregates (
			agent_id INTEGER PRIMARY KEY,
			total_tasks_completed INTEGER NOT NULL DEFAULT 0,
			total_tasks_skipped INTEGER NOT NULL DEFAULT 0,
			total_duration_seconds REAL NOT NULL DEFAULT 0,
			total_earnings REAL NOT NULL DEFAULT 0,
			last_active TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger/sqlite: init: %w", err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func (s *Store) RecordAssignment(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID) error {
	now := time.Now().UTC()
	nowStr := now.Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: record assignment: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET assigned_at = ? WHERE agent_id = ? AND task_id = ? AND status = 'assigned'`,
		nowStr, agentID, taskID)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: record assignment: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (agent_id, task_id, assigned_at, status) VALUES (?, ?, ?, 'assigned')`,
			agentID, taskID, nowStr); err != nil {
			return fmt.Errorf("ledger/sqlite: record assignment: insert: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_aggregates (agent_id, last_active) VALUES (?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET last_active = excluded.last_active`,
		agentID, nowStr); err != nil {
		return fmt.Errorf("ledger/sqlite: record assignment: aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger/sqlite: record assignment: commit: %w", err)
	}
	s.logger.DebugContext(ctx, "recorded assignment", "agent_id", agentID, "task_id", taskID)
	return nil
}

func (s *Store) RecordCompletion(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, durationSeconds float64, transcriptionLength int, ratePerMinute float64) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	earnings := (durationSeconds / 60) * ratePerMinute

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record completion: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'completed', completed_at = ?, duration_seconds = ?, transcription_length = ?
		 WHERE agent_id = ? AND task_id = ? AND status = 'assigned'`,
		now, durationSeconds, transcriptionLength, agentID, taskID)
	if err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record completion: update: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_aggregates (agent_id, total_tasks_completed, total_duration_seconds, total_earnings, last_active)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   total_tasks_completed = total_tasks_completed + 1,
		   total_duration_seconds = total_duration_seconds + excluded.total_duration_seconds,
		   total_earnings = total_earnings + excluded.total_earnings,
		   last_active = excluded.last_active`,
		agentID, durationSeconds, earnings, now); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record completion: aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record completion: commit: %w", err)
	}
	if n > 1 {
		s.logger.WarnContext(ctx, "flipped duplicate assigned rows on completion", "agent_id", agentID, "task_id", taskID, "rows", n)
	}
	return int(n), nil
}

func (s *Store) RecordSkip(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, reason string) (int, error) {
	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record skip: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'skipped', skip_reason = ?
		 WHERE agent_id = ? AND task_id = ? AND status = 'assigned'`,
		reason, agentID, taskID)
	if err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record skip: update: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_aggregates (agent_id, total_tasks_skipped, last_active) VALUES (?, 1, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   total_tasks_skipped = total_tasks_skipped + 1,
		   last_active = excluded.last_active`,
		agentID, now); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record skip: aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger/sqlite: record skip: commit: %w", err)
	}
	if n > 1 {
		s.logger.WarnContext(ctx, "flipped duplicate assigned rows on skip", "agent_id", agentID, "task_id", taskID, "rows", n)
	}
	return int(n), nil
}

func (s *Store) AgentAggregate(ctx context.Context, agentID domain.AgentID) (domain.AgentAggregate, bool, error) {
	var a domain.AgentAggregate
	a.AgentID = agentID
	var lastActive string
	err := s.db.QueryRowContext(ctx,
		`SELECT total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active
		 FROM agent_aggregates WHERE agent_id = ?`, agentID).
		Scan(&a.TotalTasksCompleted, &a.TotalTasksSkipped, &a.TotalDurationSeconds, &a.TotalEarnings, &lastActive)
	if err == sql.ErrNoRows {
		return domain.AgentAggregate{}, false, nil
	}
	if err != nil {
		return domain.AgentAggregate{}, false, fmt.Errorf("ledger/sqlite: agent aggregate: %w", err)
	}
	a.LastActive, _ = time.Parse(timeLayout, lastActive)
	return a, true, nil
}

func (s *Store) Sessions(ctx context.Context, agentID domain.AgentID, limit int) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, task_id, assigned_at, completed_at, status, duration_seconds, transcription_length, skip_reason
		 FROM sessions WHERE agent_id = ? ORDER BY assigned_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) AllSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, task_id, assigned_at, completed_at, status, duration_seconds, transcription_length, skip_reason
		 FROM sessions ORDER BY assigned_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: all sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]domain.Session, error) {
	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		var assignedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &assignedAt, &completedAt,
			&sess.Status, &sess.DurationSeconds, &sess.TranscriptionLength, &sess.SkipReason); err != nil {
			return nil, fmt.Errorf("ledger/sqlite: scan session: %w", err)
		}
		sess.AssignedAt, _ = time.Parse(timeLayout, assignedAt)
		if completedAt.Valid {
			t, _ := time.Parse(timeLayout, completedAt.String)
			sess.CompletedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/sqlite: scan sessions: %w", err)
	}
	return out, nil
}

func (s *Store) TopAgents(ctx context.Context, metric string, limit int) ([]domain.AgentAggregate, error) {
	orderBy := "total_tasks_completed"
	switch metric {
	case "earnings":
		orderBy = "total_earnings"
	case "productivity":
		orderBy = "total_tasks_completed * 1.0 / MAX(total_duration_seconds, 1)"
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT agent_id, total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active
		 FROM agent_aggregates ORDER BY %s DESC LIMIT ?`, orderBy), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: top agents: %w", err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func (s *Store) AllAggregates(ctx context.Context) ([]domain.AgentAggregate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active
		 FROM agent_aggregates ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: all aggregates: %w", err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func scanAggregates(rows *sql.Rows) ([]domain.AgentAggregate, error) {
	var out []domain.AgentAggregate
	for rows.Next() {
		var a domain.AgentAggregate
		var lastActive string
		if err := rows.Scan(&a.AgentID, &a.TotalTasksCompleted, &a.TotalTasksSkipped,
			&a.TotalDurationSeconds, &a.TotalEarnings, &lastActive); err != nil {
			return nil, fmt.Errorf("ledger/sqlite: scan aggregate: %w", err)
		}
		a.LastActive, _ = time.Parse(timeLayout, lastActive)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/sqlite: scan aggregates: %w", err)
	}
	return out, nil
}

func (s *Store) RecomputeEarnings(ctx context.Context, ratePerMinute float64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_aggregates SET total_earnings = (total_duration_seconds / 60.0) * ?`, ratePerMinute)
	if err != nil {
		return 0, fmt.Errorf("ledger/sqlite: recompute earnings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger/sqlite: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
