package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/domain"
)

type fakeSource struct {
	mu  sync.Mutex
	ids []domain.TaskID
	err error
}

func (f *fakeSource) UnlabeledTaskIDs(ctx context.Context) ([]domain.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.TaskID, len(f.ids))
	copy(out, f.ids)
	return out, nil
}

func (f *fakeSource) TaskMetadata(ctx context.Context, id domain.TaskID) (domain.TaskAssignment, error) {
	return domain.TaskAssignment{TaskID: id}, nil
}

func (f *fakeSource) SubmitAnnotation(ctx context.Context, id domain.TaskID, text string) error {
	return nil
}

func (f *fakeSource) UpdateDuration(ctx context.Context, id domain.TaskID, seconds float64, method string) error {
	return nil
}

func newTestStore(t *testing.T) coordstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return coordstore.New(rdb)
}

func TestSyncNowRebuildsQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src := &fakeSource{ids: []domain.TaskID{1, 2, 3}}
	r := New(store, src, 30*time.Second, nil)

	if err := r.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	n, err := store.QueueLen(ctx)
	if err != nil || n != 3 {
		t.Fatalf("QueueLen = %d, %v, want 3", n, err)
	}
	stats := r.Stats()
	if stats.TotalUnlabeled != 3 || stats.Available != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSyncNowExcludesCompleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.AddCompleted(ctx, 2, time.Hour); err != nil {
		t.Fatalf("AddCompleted: %v", err)
	}
	src := &fakeSource{ids: []domain.TaskID{1, 2, 3}}
	r := New(store, src, 30*time.Second, nil)

	if err := r.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	n, err := store.QueueLen(ctx)
	if err != nil || n != 2 {
		t.Fatalf("QueueLen = %d, %v, want 2 (task 2 excluded)", n, err)
	}
}

func TestSyncNowLeavesQueueOnSourceError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.ReplaceQueue(ctx, []domain.TaskID{9}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	src := &fakeSource{err: context.DeadlineExceeded}
	r := New(store, src, 30*time.Second, nil)

	if err := r.SyncNow(ctx); err == nil {
		t.Fatal("expected error")
	}

	n, err := store.QueueLen(ctx)
	if err != nil || n != 1 {
		t.Fatalf("QueueLen = %d, %v, want 1 (unchanged)", n, err)
	}
}

func TestSyncNowSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src := &fakeSource{ids: []domain.TaskID{1}}
	r := New(store, src, 30*time.Second, nil)

	r.syncing.Store(true)
	if err := r.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow while syncing: %v", err)
	}
	r.syncing.Store(false)

	// nothing was replaced because the overlapping call returned immediately
	n, err := store.QueueLen(ctx)
	if err != nil || n != 0 {
		t.Fatalf("QueueLen = %d, %v, want 0 (no-op while syncing)", n, err)
	}
}
