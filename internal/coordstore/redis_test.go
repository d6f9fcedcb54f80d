package coordstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tzsystem/dispatchd/internal/domain"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestPopAndLock_SimpleSuccess(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.ReplaceQueue(ctx, []domain.TaskID{101, 102}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}

	res, err := store.PopAndLock(ctx, 7, time.Hour)
	if err != nil {
		t.Fatalf("PopAndLock: %v", err)
	}
	if res.Outcome != PopSuccess || res.TaskID != 101 {
		t.Fatalf("got %+v, want success task 101", res)
	}

	owner, ok, err := store.LockOwner(ctx, 101)
	if err != nil || !ok || owner != 7 {
		t.Fatalf("LockOwner = %v, %v, %v", owner, ok, err)
	}

	n, err := store.QueueLen(ctx)
	if err != nil || n != 1 {
		t.Fatalf("QueueLen = %d, %v, want 1", n, err)
	}
}

func TestPopAndLock_EmptyQueue(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	res, err := store.PopAndLock(ctx, 1, time.Hour)
	if err != nil {
		t.Fatalf("PopAndLock: %v", err)
	}
	if res.Outcome != PopNone {
		t.Fatalf("got %+v, want none", res)
	}
}

func TestPopAndLock_ConflictingLockRequeues(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.ReplaceQueue(ctx, []domain.TaskID{200}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}

	first, err := store.PopAndLock(ctx, 1, time.Hour)
	if err != nil || first.Outcome != PopSuccess {
		t.Fatalf("first PopAndLock = %+v, %v", first, err)
	}

	second, err := store.PopAndLock(ctx, 2, time.Hour)
	if err != nil {
		t.Fatalf("second PopAndLock: %v", err)
	}
	if second.Outcome != PopLocked || second.TaskID != 200 {
		t.Fatalf("got %+v, want locked task 200", second)
	}

	n, err := store.QueueLen(ctx)
	if err != nil || n != 1 {
		t.Fatalf("QueueLen = %d, %v, want 1 (requeued)", n, err)
	}
}

func TestPopAndLock_SkipCooldownDefersToTail(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.ReplaceQueue(ctx, []domain.TaskID{300}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	if err := store.SetSkipCooldown(ctx, 300, 5, 30*time.Minute); err != nil {
		t.Fatalf("SetSkipCooldown: %v", err)
	}

	res, err := store.PopAndLock(ctx, 5, time.Hour)
	if err != nil {
		t.Fatalf("PopAndLock: %v", err)
	}
	if res.Outcome != PopSkipped || res.TaskID != 300 {
		t.Fatalf("got %+v, want skipped task 300", res)
	}

	// a different agent is unaffected by 5's cooldown
	res2, err := store.PopAndLock(ctx, 6, time.Hour)
	if err != nil {
		t.Fatalf("PopAndLock (agent 6): %v", err)
	}
	if res2.Outcome != PopSuccess || res2.TaskID != 300 {
		t.Fatalf("got %+v, want success task 300 for agent 6", res2)
	}
}

func TestPopAndLock_GlobalDisableDropsTask(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.ReplaceQueue(ctx, []domain.TaskID{400}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.IncrGlobalSkip(ctx, 400, 24*time.Hour); err != nil {
			t.Fatalf("IncrGlobalSkip: %v", err)
		}
	}

	res, err := store.PopAndLock(ctx, 99, time.Hour)
	if err != nil {
		t.Fatalf("PopAndLock: %v", err)
	}
	if res.Outcome != PopDisabled || res.TaskID != 400 {
		t.Fatalf("got %+v, want disabled task 400", res)
	}

	n, err := store.QueueLen(ctx)
	if err != nil || n != 0 {
		t.Fatalf("QueueLen = %d, %v, want 0 (dropped, not requeued)", n, err)
	}
}

func TestActiveAssignmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	a := domain.TaskAssignment{TaskID: 55, AudioURL: "https://example/55.wav", Duration: 12.5}
	if err := store.SetActiveAssignment(ctx, 3, a, time.Hour); err != nil {
		t.Fatalf("SetActiveAssignment: %v", err)
	}

	got, err := store.GetActiveAssignment(ctx, 3)
	if err != nil {
		t.Fatalf("GetActiveAssignment: %v", err)
	}
	if got == nil || got.TaskID != 55 || got.AudioURL != a.AudioURL {
		t.Fatalf("got %+v, want %+v", got, a)
	}

	if err := store.DeleteActiveAssignment(ctx, 3); err != nil {
		t.Fatalf("DeleteActiveAssignment: %v", err)
	}
	got, err = store.GetActiveAssignment(ctx, 3)
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v, want nil after delete", got, err)
	}
}

func TestResetAllGlobalSkips_ClearsRegardlessOfCount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.IncrGlobalSkip(ctx, 1, 24*time.Hour); err != nil {
		t.Fatalf("IncrGlobalSkip: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.IncrGlobalSkip(ctx, 2, 24*time.Hour); err != nil {
			t.Fatalf("IncrGlobalSkip: %v", err)
		}
	}

	n, err := store.ResetAllGlobalSkips(ctx)
	if err != nil {
		t.Fatalf("ResetAllGlobalSkips: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset count = %d, want 2", n)
	}

	c1, _ := store.GlobalSkipCount(ctx, 1)
	c2, _ := store.GlobalSkipCount(ctx, 2)
	if c1 != 0 || c2 != 0 {
		t.Fatalf("counts after reset = %d, %d, want 0, 0", c1, c2)
	}
}

func TestRemoveFromQueue(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.ReplaceQueue(ctx, []domain.TaskID{1, 2, 3}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	if err := store.RemoveFromQueue(ctx, 2); err != nil {
		t.Fatalf("RemoveFromQueue: %v", err)
	}
	n, err := store.QueueLen(ctx)
	if err != nil || n != 2 {
		t.Fatalf("QueueLen = %d, %v, want 2", n, err)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	type record struct {
		TaskID  domain.TaskID  `json:"task_id"`
		AgentID domain.AgentID `json:"agent_id"`
	}
	if err := store.AppendAudit(ctx, AuditAssignments, record{TaskID: 1, AgentID: 2}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := store.AppendAudit(ctx, AuditAssignments, record{TaskID: 3, AgentID: 4}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	got, err := store.AuditList(ctx, AuditAssignments, 10)
	if err != nil {
		t.Fatalf("AuditList: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
}

func TestLockedCount(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.ReplaceQueue(ctx, []domain.TaskID{1, 2, 3}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	if _, err := store.PopAndLock(ctx, 1, time.Hour); err != nil {
		t.Fatalf("PopAndLock: %v", err)
	}

	n, err := store.LockedCount(ctx, []domain.TaskID{1, 2, 3})
	if err != nil {
		t.Fatalf("LockedCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("LockedCount = %d, want 1", n)
	}
}

func TestPing(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
