// Package assignment is the core of the dispatch middleware: the
// atomic lock-acquire-or-defer protocol (C5) and the submission/skip
// processor (C6). Both share the same lock and queue invariants, so they
// live in one package and one Engine.
package assignment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/ledger"
	"github.com/tzsystem/dispatchd/internal/reconciler"
	"github.com/tzsystem/dispatchd/internal/tasksource"
)

// Config holds the engine's tunables. All are configuration, not constants
// (see internal/config.EngineConfig) — the defaults below match the values
// named in the specification.
type Config struct {
	LockTTL               time.Duration
	SkipCooldownTTL       time.Duration
	GlobalSkipWindow      time.Duration
	DisableThreshold      int64
	MaxAssignAttempts     int
	EarningsRatePerMinute float64
}

// DefaultConfig returns the specification's named defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:               time.Hour,
		SkipCooldownTTL:       30 * time.Minute,
		GlobalSkipWindow:      24 * time.Hour,
		DisableThreshold:      5,
		MaxAssignAttempts:     50,
		EarningsRatePerMinute: 0.45,
	}
}

// Outcome tags the result of RequestTask.
type Outcome int

const (
	OutcomeAssigned Outcome = iota
	OutcomeQueueEmpty
	OutcomeExhausted
)

// Engine implements request_task, submit, and skip over a coordination
// store, a session ledger, and the external task source.
type Engine struct {
	store  coordstore.Store
	source tasksource.TaskSource
	recon  *reconciler.Reconciler
	ledger ledger.Ledger
	cfg    Config
	logger *slog.Logger
}

// New wires an Engine from its collaborators, the way oasis.New wires a
// Provider/Store/Frontend via functional options — here the collaborators
// are few and fixed enough that plain constructor arguments read clearer.
func New(store coordstore.Store, source tasksource.TaskSource, recon *reconciler.Reconciler, led ledger.Ledger, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, source: source, recon: recon, ledger: led, cfg: cfg, logger: logger}
}

// RequestTask implements C5: idempotent re-request, then a bounded retry
// loop over PopAndLock, dispatching on its outcome exactly as specified.
func (e *Engine) RequestTask(ctx context.Context, agentID domain.AgentID) (domain.TaskAssignment, Outcome, error) {
	if existing, err := e.store.GetActiveAssignment(ctx, agentID); err != nil {
		return domain.TaskAssignment{}, 0, err
	} else if existing != nil {
		return *existing, OutcomeAssigned, nil
	}

	for attempt := 0; attempt < e.cfg.MaxAssignAttempts; attempt++ {
		res, err := e.store.PopAndLock(ctx, agentID, e.cfg.LockTTL)
		if err != nil {
			return domain.TaskAssignment{}, 0, err
		}

		switch res.Outcome {
		case coordstore.PopSuccess:
			return e.finishAssignment(ctx, agentID, res.TaskID)

		case coordstore.PopNone:
			empty, err := e.refillAndRecheck(ctx)
			if err != nil {
				return domain.TaskAssignment{}, 0, err
			}
			if empty {
				return domain.TaskAssignment{}, OutcomeQueueEmpty, &domain.ErrNoTask{AgentID: agentID, Reason: "empty"}
			}
			// queue was refilled; loop again without consuming an attempt
			// budget credit beyond this one retry
			continue

		case coordstore.PopSkipped, coordstore.PopLocked, coordstore.PopDisabled:
			if res.Outcome == coordstore.PopDisabled {
				e.logger.InfoContext(ctx, "dropped disabled task from pop", "task_id", res.TaskID)
			}
			continue
		}
	}

	return domain.TaskAssignment{}, OutcomeExhausted, &domain.ErrNoTask{AgentID: agentID, Reason: "exhausted"}
}

// refillAndRecheck triggers a synchronous reconciliation when the queue
// appears empty, then reports whether it is still empty afterward.
func (e *Engine) refillAndRecheck(ctx context.Context) (stillEmpty bool, err error) {
	if e.recon != nil {
		if err := e.recon.SyncNow(ctx); err != nil {
			e.logger.WarnContext(ctx, "on-demand reconcile failed", "error", err)
		}
	}
	n, err := e.store.QueueLen(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (e *Engine) finishAssignment(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID) (domain.TaskAssignment, Outcome, error) {
	meta, err := e.source.TaskMetadata(ctx, taskID)
	if err != nil {
		// Best-effort per spec §4.3: the assignment still proceeds with
		// empty metadata rather than failing the caller.
		e.logger.WarnContext(ctx, "task metadata fetch failed, proceeding with empty metadata", "task_id", taskID, "error", err)
		meta = domain.TaskAssignment{TaskID: taskID}
	}
	meta.TaskID = taskID

	if err := e.store.SetActiveAssignment(ctx, agentID, meta, e.cfg.LockTTL); err != nil {
		return domain.TaskAssignment{}, 0, err
	}
	if err := e.ledger.RecordAssignment(ctx, agentID, taskID); err != nil {
		// Ledger-unavailable per spec §7: still considered applied
		// coordination-side; log and continue.
		e.logger.ErrorContext(ctx, "ledger record assignment failed", "agent_id", agentID, "task_id", taskID, "error", err)
	}
	e.appendAudit(ctx, coordstore.AuditAssignments, map[string]any{
		"agent_id": agentID, "task_id": taskID, "at": time.Now().UTC(),
	})

	return meta, OutcomeAssigned, nil
}

// SubmitResult tags the outcome of Submit.
type SubmitResult int

const (
	SubmitOK SubmitResult = iota
	SubmitForbidden
	SubmitUpstreamError
)

// Submit implements C6's submission processor: ownership check, forward to
// C1, ledger update, lock release, queue removal — in that order, per spec
// §4.4. Forwarding happens first so a dropped lock can never resurrect a
// duplicate annotation.
func (e *Engine) Submit(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, transcription string) (SubmitResult, error) {
	owner, ok, err := e.store.LockOwner(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if !ok || owner != agentID {
		return SubmitForbidden, &domain.ErrForbidden{AgentID: agentID, TaskID: taskID}
	}

	if err := e.source.SubmitAnnotation(ctx, taskID, transcription); err != nil {
		var upstream *domain.ErrUpstream
		if errors.As(err, &upstream) {
			// Keep lock, keep session 'assigned' — the TTL and next
			// reconcile repair state, per spec §7.
			return SubmitUpstreamError, err
		}
		return 0, err
	}

	active, err := e.store.GetActiveAssignment(ctx, agentID)
	if err != nil {
		e.logger.WarnContext(ctx, "get active assignment failed during submit", "agent_id", agentID, "error", err)
	}
	duration := 0.0
	if active != nil {
		duration = active.Duration
	}

	rows, err := e.ledger.RecordCompletion(ctx, agentID, taskID, duration, len(transcription), e.cfg.EarningsRatePerMinute)
	if err != nil {
		e.logger.ErrorContext(ctx, "ledger record completion failed", "agent_id", agentID, "task_id", taskID, "error", err)
	} else if rows > 1 {
		e.logger.WarnContext(ctx, "flipped duplicate assigned rows on completion", "agent_id", agentID, "task_id", taskID, "rows", rows)
	}

	if err := e.store.DeleteLock(ctx, taskID); err != nil {
		e.logger.ErrorContext(ctx, "delete lock failed", "task_id", taskID, "error", err)
	}
	if err := e.store.DeleteActiveAssignment(ctx, agentID); err != nil {
		e.logger.ErrorContext(ctx, "delete active assignment failed", "agent_id", agentID, "error", err)
	}
	if err := e.store.RemoveFromQueue(ctx, taskID); err != nil {
		e.logger.ErrorContext(ctx, "remove from queue failed", "task_id", taskID, "error", err)
	}
	if err := e.store.AddCompleted(ctx, taskID, 24*time.Hour); err != nil {
		e.logger.ErrorContext(ctx, "add completed failed", "task_id", taskID, "error", err)
	}

	e.appendAudit(ctx, coordstore.AuditCompletions, map[string]any{
		"agent_id": agentID, "task_id": taskID, "transcription_length": len(transcription), "at": time.Now().UTC(),
	})

	return SubmitOK, nil
}

// SkipResult tags the outcome of Skip.
type SkipResult int

const (
	SkipOK SkipResult = iota
	SkipForbidden
)

// Skip implements C6's skip processor per spec §4.5. Unlike submit, C2
// mutations (cooldown, global-skip counter) are preferred to succeed first
// since they are the source of truth for the next pop.
func (e *Engine) Skip(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, reason string) (SkipResult, error) {
	owner, ok, err := e.store.LockOwner(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if !ok || owner != agentID {
		return SkipForbidden, &domain.ErrForbidden{AgentID: agentID, TaskID: taskID}
	}

	if err := e.store.SetSkipCooldown(ctx, taskID, agentID, e.cfg.SkipCooldownTTL); err != nil {
		return 0, err
	}

	count, err := e.store.IncrGlobalSkip(ctx, taskID, e.cfg.GlobalSkipWindow)
	if err != nil {
		return 0, err
	}
	if count >= e.cfg.DisableThreshold {
		e.logger.InfoContext(ctx, "task permanently disabled", "task_id", taskID, "global_skip_count", count)
	}

	rows, err := e.ledger.RecordSkip(ctx, agentID, taskID, reason)
	if err != nil {
		e.logger.ErrorContext(ctx, "ledger record skip failed", "agent_id", agentID, "task_id", taskID, "error", err)
	} else if rows > 1 {
		e.logger.WarnContext(ctx, "flipped duplicate assigned rows on skip", "agent_id", agentID, "task_id", taskID, "rows", rows)
	}

	if err := e.store.DeleteLock(ctx, taskID); err != nil {
		e.logger.ErrorContext(ctx, "delete lock failed", "task_id", taskID, "error", err)
	}
	if err := e.store.DeleteActiveAssignment(ctx, agentID); err != nil {
		e.logger.ErrorContext(ctx, "delete active assignment failed", "agent_id", agentID, "error", err)
	}
	// T is not pushed back onto the queue here: the pop that locked it already
	// took it off. The next reconciliation re-adds it while the task source
	// still lists it as unlabeled, so another agent may still attempt it.

	e.appendAudit(ctx, coordstore.AuditSkips, map[string]any{
		"agent_id": agentID, "task_id": taskID, "reason": reason, "at": time.Now().UTC(),
	})

	return SkipOK, nil
}

func (e *Engine) appendAudit(ctx context.Context, list string, record any) {
	if err := e.store.AppendAudit(ctx, list, record); err != nil {
		e.logger.WarnContext(ctx, "append audit failed", "list", list, "error", err)
	}
}

// AvailableCount reports the reconciler's most recently cached aggregate
// counts, per spec §6: "may lag by one reconciler cycle."
func (e *Engine) AvailableCount() reconciler.Stats {
	if e.recon == nil {
		return reconciler.Stats{}
	}
	return e.recon.Stats()
}

// DisabledTasks lists tasks whose global skip count has reached the
// configured disable threshold.
func (e *Engine) DisabledTasks(ctx context.Context) ([]domain.DisabledTask, error) {
	return e.store.DisabledTasks(ctx, e.cfg.DisableThreshold)
}

// ResetDisabled clears every global-skip counter regardless of value (the
// corrected semantics per spec §9's Open Question) and triggers a
// reconciliation so newly-eligible tasks are re-queued promptly.
func (e *Engine) ResetDisabled(ctx context.Context) (int, error) {
	n, err := e.store.ResetAllGlobalSkips(ctx)
	if err != nil {
		return 0, err
	}
	if e.recon != nil {
		if err := e.recon.SyncNow(ctx); err != nil {
			e.logger.WarnContext(ctx, "reconcile after reset-disabled failed", "error", err)
		}
	}
	return n, nil
}

// AudioAccess verifies lock ownership for the audio-streaming boundary and
// resolves the task's audio URL via the task source, per spec §4.6.
func (e *Engine) AudioAccess(ctx context.Context, taskID domain.TaskID, agentID domain.AgentID) (domain.TaskAssignment, error) {
	owner, ok, err := e.store.LockOwner(ctx, taskID)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	if !ok || owner != agentID {
		return domain.TaskAssignment{}, &domain.ErrForbidden{AgentID: agentID, TaskID: taskID}
	}

	meta, err := e.source.TaskMetadata(ctx, taskID)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	e.appendAudit(ctx, coordstore.AuditAudioAccess, map[string]any{
		"agent_id": agentID, "task_id": taskID, "at": time.Now().UTC(),
	})
	return meta, nil
}
