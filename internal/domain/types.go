// Package domain holds the types shared across the dispatch middleware:
// task/agent identifiers, the assignment payload handed to agents, and the
// ledger's session/aggregate rows. It has no dependencies of its own so
// every other package can import it without creating cycles.
package domain

import (
	"encoding/json"
	"time"
)

// TaskID identifies a transcription task in the external task source.
// The core never mints one; it only ever echoes one back.
type TaskID int64

// AgentID identifies a remote transcription agent. Trust in the value is
// delegated to the HTTP boundary's shared-secret check.
type AgentID int64

// TaskAssignment is the payload handed to an agent for a locked task.
type TaskAssignment struct {
	TaskID   TaskID          `json:"task_id"`
	AudioURL string          `json:"audio_url"`
	Duration float64         `json:"duration,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SessionStatus is the lifecycle state of a Session row. A session is born
// 'assigned' and transitions exactly once, to 'completed' or 'skipped'.
type SessionStatus string

const (
	SessionAssigned  SessionStatus = "assigned"
	SessionCompleted SessionStatus = "completed"
	SessionSkipped    SessionStatus = "skipped"
)

// Session is one durable record of an assignment's lifecycle.
type Session struct {
	ID                  int64
	AgentID             AgentID
	TaskID              TaskID
	AssignedAt          time.Time
	CompletedAt         *time.Time
	Status              SessionStatus
	DurationSeconds     *float64
	TranscriptionLength *int
	SkipReason          *string
}

// AgentAggregate is the per-agent rollup maintained alongside Session rows.
// Totals are a monotonic non-decreasing function of matching-status sessions.
type AgentAggregate struct {
	AgentID              AgentID
	TotalTasksCompleted  int
	TotalTasksSkipped    int
	TotalDurationSeconds float64
	TotalEarnings        float64
	LastActive           time.Time
}

// DisabledTask describes a task whose global skip count has reached the
// disable threshold.
type DisabledTask struct {
	TaskID    TaskID `json:"task_id"`
	SkipCount int64  `json:"skip_count"`
}
