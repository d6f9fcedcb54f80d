// Package coordstore wraps the Redis-backed coordination store: the
// assignment queue, per-task locks, per-(task,agent) skip cooldowns, global
// skip counters, active-assignment pointers, and audit lists. The store's
// only hard requirement is that PopAndLock run as a single indivisible
// operation with respect to every other caller and every other command
// against the same keys — see popAndLockScript in redis.go for how that's
// implemented.
package coordstore

import (
	"context"
	"time"

	"github.com/tzsystem/dispatchd/internal/domain"
)

// PopOutcome tags the result of one PopAndLock attempt.
type PopOutcome int

const (
	PopNone PopOutcome = iota
	PopDisabled
	PopSkipped
	PopLocked
	PopSuccess
)

// PopResult is the return value of PopAndLock. TaskID is the popped task
// for every outcome except PopNone, where it is zero.
type PopResult struct {
	Outcome PopOutcome
	TaskID  domain.TaskID
}

// Store is the narrow contract assignment and reconciler need against the
// coordination store. Implementations must give PopAndLock atomicity
// equivalent to a single Lua script execution (§4.1/§9 of the spec this
// system implements).
type Store interface {
	// PopAndLock performs, as one atomic unit: LPOP the queue; if the
	// popped task is globally disabled, drop it (PopDisabled); if agentID
	// skipped it recently, push it to the tail and report PopSkipped; else
	// try to SET the lock NX with lockTTL — success is PopSuccess, failure
	// pushes to the tail and reports PopLocked. An empty queue is PopNone.
	PopAndLock(ctx context.Context, agentID domain.AgentID, lockTTL time.Duration) (PopResult, error)

	// ReplaceQueue atomically clears the queue and right-pushes ids in
	// order. Used exclusively by the reconciler.
	ReplaceQueue(ctx context.Context, ids []domain.TaskID) error
	QueueLen(ctx context.Context) (int64, error)

	GetActiveAssignment(ctx context.Context, agentID domain.AgentID) (*domain.TaskAssignment, error)
	SetActiveAssignment(ctx context.Context, agentID domain.AgentID, a domain.TaskAssignment, ttl time.Duration) error
	DeleteActiveAssignment(ctx context.Context, agentID domain.AgentID) error

	LockOwner(ctx context.Context, taskID domain.TaskID) (domain.AgentID, bool, error)
	IsLocked(ctx context.Context, taskID domain.TaskID) (bool, error)
	DeleteLock(ctx context.Context, taskID domain.TaskID) error

	SetSkipCooldown(ctx context.Context, taskID domain.TaskID, agentID domain.AgentID, ttl time.Duration) error
	IncrGlobalSkip(ctx context.Context, taskID domain.TaskID, window time.Duration) (int64, error)
	GlobalSkipCount(ctx context.Context, taskID domain.TaskID) (int64, error)
	DisabledTasks(ctx context.Context, threshold int64) ([]domain.DisabledTask, error)
	ResetAllGlobalSkips(ctx context.Context) (int, error)

	RemoveFromQueue(ctx context.Context, taskID domain.TaskID) error
	AddCompleted(ctx context.Context, taskID domain.TaskID, ttl time.Duration) error
	IsCompleted(ctx context.Context, taskID domain.TaskID) (bool, error)

	// AppendAudit left-pushes a JSON-encoded record onto a named audit list
	// (assignments, completions, skips, audio_access).
	AppendAudit(ctx context.Context, list string, record any) error
	// AuditList reads back up to limit most-recent records for a maintenance
	// backfill; it is never read on the hot path.
	AuditList(ctx context.Context, list string, limit int64) ([]string, error)

	// LockedCount reports how many of ids currently have a live lock, used
	// by the reconciler to publish total_locked/available stats.
	LockedCount(ctx context.Context, ids []domain.TaskID) (int, error)

	Ping(ctx context.Context) error
}

// Audit list names, bit-exact per the coordination-store key schema.
const (
	AuditAssignments = "audit:assignments"
	AuditCompletions = "audit:completions"
	AuditSkips       = "audit:skips"
	AuditAudioAccess = "audit:audio_access"
)
