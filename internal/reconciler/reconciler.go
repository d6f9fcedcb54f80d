// Package reconciler rebuilds the assignment queue (C4) from the external
// task source on a fixed interval, excluding tasks already known to be
// completed. It is the only component that rebuilds the queue wholesale; the
// assignment engine pops from it, pushes deferred tasks back to its tail, and
// removes completed tasks from it.
package reconciler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/tasksource"
)

// Stats are the cached aggregate counts published on every successful sync,
// backing GET /api/tasks/available/count without a per-request round trip.
type Stats struct {
	TotalUnlabeled int
	TotalLocked    int
	Available      int
	LastSync       time.Time
}

// Reconciler periodically replaces the coordination store's queue with the
// task source's current unlabeled set, minus anything already completed.
type Reconciler struct {
	store    coordstore.Store
	source   tasksource.TaskSource
	interval time.Duration
	logger   *slog.Logger

	syncing atomic.Bool
	stats   atomic.Pointer[Stats]
}

// New creates a Reconciler. interval is the steady-state tick period
// (default 30s per configuration); a failed sync backs off to 60s before
// the next attempt regardless of interval.
func New(store coordstore.Store, source tasksource.TaskSource, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{store: store, source: source, interval: interval, logger: logger}
	r.stats.Store(&Stats{})
	return r
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reconciler stopped")
			return
		case <-ticker.C:
			if err := r.SyncNow(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reconcile failed, backing off", "error", err)
				ticker.Reset(60 * time.Second)
				continue
			}
			ticker.Reset(r.interval)
		}
	}
}

// SyncNow runs one reconciliation immediately, single-flight: if a sync is
// already in progress, the overlapping caller returns nil right away
// without waiting, per spec §4.2's "syncing" guard.
func (r *Reconciler) SyncNow(ctx context.Context) error {
	if !r.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer r.syncing.Store(false)

	ids, err := r.source.UnlabeledTaskIDs(ctx)
	if err != nil {
		// Any error from the task source is logged and the queue is left
		// untouched — stale but still serving, per spec §4.2 failure handling.
		r.logger.ErrorContext(ctx, "fetch unlabeled tasks failed", "error", err)
		return err
	}

	filtered := make([]domain.TaskID, 0, len(ids))
	for _, id := range ids {
		completed, err := r.store.IsCompleted(ctx, id)
		if err != nil {
			r.logger.ErrorContext(ctx, "check completed failed", "task_id", id, "error", err)
			return err
		}
		if !completed {
			filtered = append(filtered, id)
		}
	}

	if err := r.store.ReplaceQueue(ctx, filtered); err != nil {
		r.logger.ErrorContext(ctx, "replace queue failed", "error", err)
		return err
	}

	locked, err := r.store.LockedCount(ctx, filtered)
	if err != nil {
		r.logger.ErrorContext(ctx, "locked count failed", "error", err)
		locked = 0
	}

	r.stats.Store(&Stats{
		TotalUnlabeled: len(filtered),
		TotalLocked:    locked,
		Available:      len(filtered) - locked,
		LastSync:       time.Now().UTC(),
	})

	r.logger.InfoContext(ctx, "reconciled queue", "unlabeled", len(filtered), "locked", locked)
	return nil
}

// Stats returns the most recently published aggregate counts.
func (r *Reconciler) Stats() Stats {
	return *r.stats.Load()
}
