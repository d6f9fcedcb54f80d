// Package postgres implements ledger.Ledger backed by PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/ledger"
)

// Store implements ledger.Ledger backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Ledger = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the sessions and agent_aggregates tables. Safe to call
// multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			agent_id BIGINT NOT NULL,
			task_id BIGINT NOT NULL,
			assigned_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION,
			transcription_length INT,
			skip_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_agent_task_status_idx ON sessions(agent_id, task_id, status)`,
		`CREATE INDEX IF NOT EXISTS sessions_assigned_at_idx ON sessions(assigned_at)`,

		`CREATE TABLE IF NOT EXISTS agent_aggregates (
			agent_id BIGINT PRIMARY KEY,
			total_tasks_completed INT NOT NULL DEFAULT 0,
			total_tasks_skipped INT NOT NULL DEFAULT 0,
			total_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_earnings DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_active TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger/postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) RecordAssignment(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID) error {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger/postgres: record assignment: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Per the resolved Open Question (spec §9), new assignments upsert on
	// (agent_id, task_id, status='assigned') instead of always inserting, so
	// a retried request_task doesn't accrue another duplicate row going
	// forward, while existing duplicates from before this fix are still
	// tolerated and mass-flipped on completion/skip.
	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET assigned_at = $1
		 WHERE agent_id = $2 AND task_id = $3 AND status = 'assigned'`,
		now, agentID, taskID)
	if err != nil {
		return fmt.Errorf("ledger/postgres: record assignment: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sessions (agent_id, task_id, assigned_at, status)
			 VALUES ($1, $2, $3, 'assigned')`,
			agentID, taskID, now); err != nil {
			return fmt.Errorf("ledger/postgres: record assignment: insert: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_aggregates (agent_id, last_active) VALUES ($1, $2)
		 ON CONFLICT (agent_id) DO UPDATE SET last_active = EXCLUDED.last_active`,
		agentID, now); err != nil {
		return fmt.Errorf("ledger/postgres: record assignment: aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: record assignment: commit: %w", err)
	}
	return nil
}

func (s *Store) RecordCompletion(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, durationSeconds float64, transcriptionLength int, ratePerMinute float64) (int, error) {
	now := time.Now().UTC()
	earnings := (durationSeconds / 60) * ratePerMinute

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: record completion: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'completed', completed_at = $1,
		        duration_seconds = $2, transcription_length = $3
		 WHERE agent_id = $4 AND task_id = $5 AND status = 'assigned'`,
		now, durationSeconds, transcriptionLength, agentID, taskID)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: record completion: update: %w", err)
	}
	rows := int(tag.RowsAffected())

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_aggregates (agent_id, total_tasks_completed, total_duration_seconds, total_earnings, last_active)
		 VALUES ($1, 1, $2, $3, $4)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   total_tasks_completed = agent_aggregates.total_tasks_completed + 1,
		   total_duration_seconds = agent_aggregates.total_duration_seconds + EXCLUDED.total_duration_seconds,
		   total_earnings = agent_aggregates.total_earnings + EXCLUDED.total_earnings,
		   last_active = EXCLUDED.last_active`,
		agentID, durationSeconds, earnings, now); err != nil {
		return 0, fmt.Errorf("ledger/postgres: record completion: aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger/postgres: record completion: commit: %w", err)
	}
	return rows, nil
}

func (s *Store) RecordSkip(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, reason string) (int, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: record skip: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'skipped', skip_reason = $1
		 WHERE agent_id = $2 AND task_id = $3 AND status = 'assigned'`,
		reason, agentID, taskID)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: record skip: update: %w", err)
	}
	rows := int(tag.RowsAffected())

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_aggregates (agent_id, total_tasks_skipped, last_active)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   total_tasks_skipped = agent_aggregates.total_tasks_skipped + 1,
		   last_active = EXCLUDED.last_active`,
		agentID, now); err != nil {
		return 0, fmt.Errorf("ledger/postgres: record skip: aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger/postgres: record skip: commit: %w", err)
	}
	return rows, nil
}

func (s *Store) AgentAggregate(ctx context.Context, agentID domain.AgentID) (domain.AgentAggregate, bool, error) {
	var a domain.AgentAggregate
	a.AgentID = agentID
	err := s.pool.QueryRow(ctx,
		`SELECT total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active
		 FROM agent_aggregates WHERE agent_id = $1`, agentID).
		Scan(&a.TotalTasksCompleted, &a.TotalTasksSkipped, &a.TotalDurationSeconds, &a.TotalEarnings, &a.LastActive)
	if err == pgx.ErrNoRows {
		return domain.AgentAggregate{}, false, nil
	}
	if err != nil {
		return domain.AgentAggregate{}, false, fmt.Errorf("ledger/postgres: agent aggregate: %w", err)
	}
	return a, true, nil
}

func (s *Store) Sessions(ctx context.Context, agentID domain.AgentID, limit int) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, task_id, assigned_at, completed_at, status, duration_seconds, transcription_length, skip_reason
		 FROM sessions WHERE agent_id = $1 ORDER BY assigned_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) AllSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, task_id, assigned_at, completed_at, status, duration_seconds, transcription_length, skip_reason
		 FROM sessions ORDER BY assigned_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: all sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows pgx.Rows) ([]domain.Session, error) {
	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &sess.AssignedAt, &sess.CompletedAt,
			&sess.Status, &sess.DurationSeconds, &sess.TranscriptionLength, &sess.SkipReason); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: scan sessions: %w", err)
	}
	return out, nil
}

func (s *Store) TopAgents(ctx context.Context, metric string, limit int) ([]domain.AgentAggregate, error) {
	orderBy := "total_tasks_completed"
	switch metric {
	case "earnings":
		orderBy = "total_earnings"
	case "productivity":
		orderBy = "total_tasks_completed / GREATEST(total_duration_seconds, 1)"
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT agent_id, total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active
		 FROM agent_aggregates ORDER BY %s DESC LIMIT $1`, orderBy), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: top agents: %w", err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func (s *Store) AllAggregates(ctx context.Context) ([]domain.AgentAggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active
		 FROM agent_aggregates ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: all aggregates: %w", err)
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func scanAggregates(rows pgx.Rows) ([]domain.AgentAggregate, error) {
	var out []domain.AgentAggregate
	for rows.Next() {
		var a domain.AgentAggregate
		if err := rows.Scan(&a.AgentID, &a.TotalTasksCompleted, &a.TotalTasksSkipped,
			&a.TotalDurationSeconds, &a.TotalEarnings, &a.LastActive); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: scan aggregates: %w", err)
	}
	return out, nil
}

func (s *Store) RecomputeEarnings(ctx context.Context, ratePerMinute float64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_aggregates SET total_earnings = (total_duration_seconds / 60) * $1`,
		ratePerMinute)
	if err != nil {
		return 0, fmt.Errorf("ledger/postgres: recompute earnings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ledger/postgres: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
