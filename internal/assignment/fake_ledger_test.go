package assignment

import (
	"context"
	"sync"
	"time"

	"github.com/tzsystem/dispatchd/internal/domain"
)

// fakeLedger is an in-memory ledger.Ledger used by engine tests, the way
// the teacher tests provider wrappers against fakes rather than a live
// database.
type fakeLedger struct {
	mu        sync.Mutex
	sessions  []domain.Session
	aggregate map[domain.AgentID]domain.AgentAggregate
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{aggregate: make(map[domain.AgentID]domain.AgentAggregate)}
}

func (f *fakeLedger) RecordAssignment(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sessions {
		if s.AgentID == agentID && s.TaskID == taskID && s.Status == domain.SessionAssigned {
			f.sessions[i].AssignedAt = time.Now().UTC()
			f.bumpLastActive(agentID)
			return nil
		}
	}
	f.sessions = append(f.sessions, domain.Session{
		ID: int64(len(f.sessions) + 1), AgentID: agentID, TaskID: taskID,
		AssignedAt: time.Now().UTC(), Status: domain.SessionAssigned,
	})
	f.bumpLastActive(agentID)
	return nil
}

func (f *fakeLedger) bumpLastActive(agentID domain.AgentID) {
	a := f.aggregate[agentID]
	a.AgentID = agentID
	a.LastActive = time.Now().UTC()
	f.aggregate[agentID] = a
}

func (f *fakeLedger) RecordCompletion(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, durationSeconds float64, transcriptionLength int, ratePerMinute float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := 0
	now := time.Now().UTC()
	for i, s := range f.sessions {
		if s.AgentID == agentID && s.TaskID == taskID && s.Status == domain.SessionAssigned {
			f.sessions[i].Status = domain.SessionCompleted
			f.sessions[i].CompletedAt = &now
			d := durationSeconds
			f.sessions[i].DurationSeconds = &d
			tl := transcriptionLength
			f.sessions[i].TranscriptionLength = &tl
			rows++
		}
	}
	a := f.aggregate[agentID]
	a.AgentID = agentID
	a.TotalTasksCompleted++
	a.TotalDurationSeconds += durationSeconds
	a.TotalEarnings += (durationSeconds / 60) * ratePerMinute
	a.LastActive = now
	f.aggregate[agentID] = a
	return rows, nil
}

func (f *fakeLedger) RecordSkip(ctx context.Context, agentID domain.AgentID, taskID domain.TaskID, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := 0
	for i, s := range f.sessions {
		if s.AgentID == agentID && s.TaskID == taskID && s.Status == domain.SessionAssigned {
			f.sessions[i].Status = domain.SessionSkipped
			r := reason
			f.sessions[i].SkipReason = &r
			rows++
		}
	}
	a := f.aggregate[agentID]
	a.AgentID = agentID
	a.TotalTasksSkipped++
	a.LastActive = time.Now().UTC()
	f.aggregate[agentID] = a
	return rows, nil
}

func (f *fakeLedger) AgentAggregate(ctx context.Context, agentID domain.AgentID) (domain.AgentAggregate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.aggregate[agentID]
	return a, ok, nil
}

func (f *fakeLedger) Sessions(ctx context.Context, agentID domain.AgentID, limit int) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeLedger) AllSessions(ctx context.Context) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Session(nil), f.sessions...), nil
}

func (f *fakeLedger) TopAgents(ctx context.Context, metric string, limit int) ([]domain.AgentAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AgentAggregate
	for _, a := range f.aggregate {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeLedger) AllAggregates(ctx context.Context) ([]domain.AgentAggregate, error) {
	return f.TopAgents(ctx, "", 0)
}

func (f *fakeLedger) RecomputeEarnings(ctx context.Context, ratePerMinute float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, a := range f.aggregate {
		a.TotalEarnings = (a.TotalDurationSeconds / 60) * ratePerMinute
		f.aggregate[id] = a
		n++
	}
	return n, nil
}

func (f *fakeLedger) Ping(ctx context.Context) error { return nil }
func (f *fakeLedger) Close() error                   { return nil }
