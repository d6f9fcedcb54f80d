package assignment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tzsystem/dispatchd/internal/coordstore"
	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/reconciler"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, coordstore.Store, *fakeSource, *fakeLedger) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := coordstore.New(rdb)
	src := newFakeSource()
	led := newFakeLedger()
	recon := reconciler.New(store, src, 30*time.Second, nil)
	e := New(store, src, recon, led, cfg, nil)
	return e, store, src, led
}

// S1 — simple assign-submit.
func TestRequestThenSubmit(t *testing.T) {
	ctx := context.Background()
	e, store, src, led := newTestEngine(t, DefaultConfig())

	if err := store.ReplaceQueue(ctx, []domain.TaskID{101, 102}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	src.metadata[101] = domain.TaskAssignment{TaskID: 101, AudioURL: "a", Duration: 30}
	src.metadata[102] = domain.TaskAssignment{TaskID: 102, AudioURL: "b", Duration: 30}

	assign, outcome, err := e.RequestTask(ctx, 7)
	if err != nil || outcome != OutcomeAssigned || assign.TaskID != 101 {
		t.Fatalf("RequestTask = %+v, %v, %v", assign, outcome, err)
	}

	owner, ok, err := store.LockOwner(ctx, 101)
	if err != nil || !ok || owner != 7 {
		t.Fatalf("LockOwner = %v, %v, %v", owner, ok, err)
	}

	res, err := e.Submit(ctx, 7, 101, "hello")
	if err != nil || res != SubmitOK {
		t.Fatalf("Submit = %v, %v", res, err)
	}

	if _, ok, _ := store.LockOwner(ctx, 101); ok {
		t.Fatal("lock should be released after submit")
	}
	completed, err := store.IsCompleted(ctx, 101)
	if err != nil || !completed {
		t.Fatalf("IsCompleted = %v, %v, want true", completed, err)
	}

	agg, ok, err := led.AgentAggregate(ctx, 7)
	if err != nil || !ok || agg.TotalTasksCompleted != 1 {
		t.Fatalf("aggregate = %+v, %v, %v", agg, ok, err)
	}

	next, outcome, err := e.RequestTask(ctx, 7)
	if err != nil || outcome != OutcomeAssigned || next.TaskID != 102 {
		t.Fatalf("second RequestTask = %+v, %v, %v", next, outcome, err)
	}
}

// S2 — concurrent race: exactly one of two agents gets the only task.
func TestConcurrentRequestTaskMutualExclusion(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	if err := store.ReplaceQueue(ctx, []domain.TaskID{200}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	for i, agent := range []domain.AgentID{1, 2} {
		wg.Add(1)
		go func(i int, agent domain.AgentID) {
			defer wg.Done()
			_, outcome, _ := e.RequestTask(ctx, agent)
			results[i] = outcome
		}(i, agent)
	}
	wg.Wait()

	assignedCount := 0
	for _, o := range results {
		if o == OutcomeAssigned {
			assignedCount++
		}
	}
	if assignedCount != 1 {
		t.Fatalf("exactly one agent should be assigned task 200, got %d", assignedCount)
	}

	owner, ok, err := store.LockOwner(ctx, 200)
	if err != nil || !ok {
		t.Fatalf("LockOwner = %v, %v, %v", owner, ok, err)
	}
	if owner != 1 && owner != 2 {
		t.Fatalf("lock owner = %d, want 1 or 2", owner)
	}
}

// S3 — skip cooldown: a fresh agent can still get the task, the same agent
// cannot immediately.
func TestSkipCooldownDefersButDoesNotStarveOtherAgents(t *testing.T) {
	ctx := context.Background()
	e, store, src, led := newTestEngine(t, DefaultConfig())
	// The task source still lists 300 as unlabeled, so a reconciliation
	// triggered by an empty queue puts it back.
	src.metadata[300] = domain.TaskAssignment{TaskID: 300, AudioURL: "a", Duration: 30}
	if err := store.ReplaceQueue(ctx, []domain.TaskID{300}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}

	assign, outcome, err := e.RequestTask(ctx, 5)
	if err != nil || outcome != OutcomeAssigned || assign.TaskID != 300 {
		t.Fatalf("RequestTask = %+v, %v, %v", assign, outcome, err)
	}

	if res, err := e.Skip(ctx, 5, 300, "too noisy"); err != nil || res != SkipOK {
		t.Fatalf("Skip = %v, %v", res, err)
	}

	count, err := store.GlobalSkipCount(ctx, 300)
	if err != nil || count != 1 {
		t.Fatalf("GlobalSkipCount = %d, %v, want 1", count, err)
	}
	if _, ok, _ := store.LockOwner(ctx, 300); ok {
		t.Fatal("lock should be released after skip")
	}

	// agent 5 immediately retrying exhausts its attempts since the only
	// task in the queue is on its own cooldown.
	_, outcome, err = e.RequestTask(ctx, 5)
	if outcome != OutcomeExhausted {
		t.Fatalf("outcome = %v, err = %v, want exhausted", outcome, err)
	}

	// agent 6 is unaffected by 5's cooldown.
	assign2, outcome2, err := e.RequestTask(ctx, 6)
	if err != nil || outcome2 != OutcomeAssigned || assign2.TaskID != 300 {
		t.Fatalf("RequestTask(6) = %+v, %v, %v", assign2, outcome2, err)
	}

	agg, ok, err := led.AgentAggregate(ctx, 5)
	if err != nil || !ok || agg.TotalTasksSkipped != 1 {
		t.Fatalf("aggregate(5) = %+v, %v, %v", agg, ok, err)
	}
}

// S4 — global disable: five skips across distinct agents disables the task
// for everyone, including a sixth never-before-seen agent.
func TestGlobalDisableBlocksAllAgents(t *testing.T) {
	ctx := context.Background()
	e, store, src, _ := newTestEngine(t, DefaultConfig())
	// The task source still lists 400 as unlabeled, so a reconciliation
	// triggered by an empty queue puts it back.
	src.metadata[400] = domain.TaskAssignment{TaskID: 400, AudioURL: "a", Duration: 30}
	if err := store.ReplaceQueue(ctx, []domain.TaskID{400}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}

	for agent := domain.AgentID(1); agent <= 5; agent++ {
		assign, outcome, err := e.RequestTask(ctx, agent)
		if err != nil || outcome != OutcomeAssigned || assign.TaskID != 400 {
			t.Fatalf("agent %d RequestTask = %+v, %v, %v", agent, assign, outcome, err)
		}
		if res, err := e.Skip(ctx, agent, 400, "noise"); err != nil || res != SkipOK {
			t.Fatalf("agent %d Skip = %v, %v", agent, res, err)
		}
	}

	count, err := store.GlobalSkipCount(ctx, 400)
	if err != nil || count != 5 {
		t.Fatalf("GlobalSkipCount = %d, %v, want 5", count, err)
	}

	_, outcome, err := e.RequestTask(ctx, 6)
	if outcome == OutcomeAssigned {
		t.Fatalf("task 400 should remain disabled, got outcome %v err %v", outcome, err)
	}
}

// Idempotent re-request: calling RequestTask twice while an
// ActiveAssignment lives returns the same task.
func TestRequestTaskIdempotentWhileActive(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	if err := store.ReplaceQueue(ctx, []domain.TaskID{1, 2}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}

	first, _, err := e.RequestTask(ctx, 1)
	if err != nil {
		t.Fatalf("first RequestTask: %v", err)
	}
	second, outcome, err := e.RequestTask(ctx, 1)
	if err != nil || outcome != OutcomeAssigned {
		t.Fatalf("second RequestTask: %+v, %v, %v", second, outcome, err)
	}
	if first.TaskID != second.TaskID {
		t.Fatalf("expected identical task, got %d then %d", first.TaskID, second.TaskID)
	}
}

func TestSubmitByNonHolderIsForbidden(t *testing.T) {
	ctx := context.Background()
	e, store, src, _ := newTestEngine(t, DefaultConfig())
	if err := store.ReplaceQueue(ctx, []domain.TaskID{1}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	if _, _, err := e.RequestTask(ctx, 1); err != nil {
		t.Fatalf("RequestTask: %v", err)
	}

	res, err := e.Submit(ctx, 2, 1, "steal")
	if res != SubmitForbidden || err == nil {
		t.Fatalf("Submit by non-holder = %v, %v, want forbidden", res, err)
	}
	if len(src.submitted) != 0 {
		t.Fatal("no annotation should have been created")
	}
}

func TestSkipByNonHolderIsForbidden(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	if err := store.ReplaceQueue(ctx, []domain.TaskID{1}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	if _, _, err := e.RequestTask(ctx, 1); err != nil {
		t.Fatalf("RequestTask: %v", err)
	}

	res, err := e.Skip(ctx, 2, 1, "nope")
	if res != SkipForbidden || err == nil {
		t.Fatalf("Skip by non-holder = %v, %v, want forbidden", res, err)
	}
	count, err := store.GlobalSkipCount(ctx, 1)
	if err != nil || count != 0 {
		t.Fatalf("GlobalSkipCount = %d, %v, want unchanged 0", count, err)
	}
}

func TestSubmitUpstreamErrorKeepsLock(t *testing.T) {
	ctx := context.Background()
	e, store, src, _ := newTestEngine(t, DefaultConfig())
	if err := store.ReplaceQueue(ctx, []domain.TaskID{1}); err != nil {
		t.Fatalf("ReplaceQueue: %v", err)
	}
	if _, _, err := e.RequestTask(ctx, 1); err != nil {
		t.Fatalf("RequestTask: %v", err)
	}
	src.submitErr = &domain.ErrUpstream{Status: 500, Body: "boom"}

	res, err := e.Submit(ctx, 1, 1, "text")
	if res != SubmitUpstreamError || err == nil {
		t.Fatalf("Submit = %v, %v, want upstream error", res, err)
	}
	owner, ok, lockErr := store.LockOwner(ctx, 1)
	if lockErr != nil || !ok || owner != 1 {
		t.Fatalf("lock should remain held: %v, %v, %v", owner, ok, lockErr)
	}
}

func TestQueueEmptyReturnsDistinctOutcome(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t, DefaultConfig())

	_, outcome, err := e.RequestTask(ctx, 1)
	if outcome != OutcomeQueueEmpty || err == nil {
		t.Fatalf("outcome = %v, err = %v, want queue empty", outcome, err)
	}
}

func TestResetDisabledClearsRegardlessOfCount(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	if _, err := store.IncrGlobalSkip(ctx, 1, time.Hour); err != nil {
		t.Fatalf("IncrGlobalSkip: %v", err)
	}

	n, err := e.ResetDisabled(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetDisabled = %d, %v, want 1", n, err)
	}
	count, err := store.GlobalSkipCount(ctx, 1)
	if err != nil || count != 0 {
		t.Fatalf("GlobalSkipCount after reset = %d, %v, want 0", count, err)
	}
}
