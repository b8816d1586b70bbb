package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hiveward/hiveward/internal/protocol"
)

// Status is the task lifecycle state. Transitions are pending -> assigned ->
// in_progress -> completed|failed; a failed task may be re-queued as a fresh
// rework task referencing the original.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of work routed to an agent. Ownership follows AssignedTo;
// transfers are explicit writes of the task record, never implicit.
type Task struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Priority   protocol.Priority `json:"priority"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Status     Status            `json:"status"`
	AssignedTo string            `json:"assigned_to,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Deadline   *time.Time        `json:"deadline,omitempty"`

	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`

	// ReworkOf references the failed task this one was re-queued from.
	ReworkOf string `json:"rework_of,omitempty"`
	// Reason tags non-obvious state changes, e.g. requeued-on-shutdown.
	Reason string `json:"reason,omitempty"`
}

// New creates a pending task.
func New(taskType string, priority protocol.Priority, payload any) (*Task, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Priority:  priority,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Rework creates a fresh pending task from a failed one.
func (t *Task) Rework() *Task {
	return &Task{
		ID:        uuid.New().String(),
		Type:      t.Type,
		Priority:  t.Priority,
		Payload:   t.Payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		Deadline:  t.Deadline,
		ReworkOf:  t.ID,
	}
}

// Result is what an executor returns for one task.
type Result struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AssignmentPayload is the body of a task_assignment message.
type AssignmentPayload struct {
	Task Task `json:"task"`
}

// OutcomePayload is the body of task_completion and task_failure messages.
type OutcomePayload struct {
	TaskID     string          `json:"task_id"`
	AgentID    string          `json:"agent_id"`
	Success    bool            `json:"success"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}
