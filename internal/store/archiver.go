package store

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hiveward/hiveward/internal/bus"
)

// Archiver tails the observability subjects and persists every event. Task
// completion and failure events are additionally folded into the task history
// table so outcomes survive bus restarts.
type Archiver struct {
	store  *Store
	client *bus.Client
	sub    *nats.Subscription
}

func NewArchiver(s *Store, client *bus.Client) *Archiver {
	return &Archiver{store: s, client: client}
}

func (a *Archiver) Start() error {
	sub, err := a.client.Subscribe(bus.TopicEventsAll, a.handle)
	if err != nil {
		return err
	}
	a.sub = sub
	slog.Info("event archiver started", "subject", bus.TopicEventsAll)
	return nil
}

func (a *Archiver) Stop() {
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}
}

func (a *Archiver) handle(msg *nats.Msg) {
	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msg.Data, &envelope)

	if err := a.store.SaveEvent(msg.Subject, envelope.Type, msg.Data); err != nil {
		slog.Warn("event archive failed", "subject", msg.Subject, "error", err)
		return
	}

	if strings.HasPrefix(msg.Subject, "events.task.") {
		a.archiveTaskOutcome(msg.Data)
	}
}

// taskEvent mirrors the envelope agents publish on task completion.
type taskEvent struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	AgentID   string `json:"agent_id"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		TaskID     string          `json:"task_id"`
		AgentID    string          `json:"agent_id"`
		Success    bool            `json:"success"`
		DurationMs int64           `json:"duration_ms"`
		Error      string          `json:"error,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
	} `json:"data"`
}

func (a *Archiver) archiveTaskOutcome(data []byte) {
	var ev taskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	status, ok := strings.CutPrefix(ev.Type, "task_")
	if !ok || (status != "completed" && status != "failed") {
		return
	}

	now := time.Now().UTC()
	rec := &TaskRecord{
		ID:          ev.TaskID,
		TaskType:    "unknown",
		Status:      status,
		AssignedTo:  ev.AgentID,
		Success:     ev.Data.Success,
		DurationMs:  ev.Data.DurationMs,
		Error:       ev.Data.Error,
		Result:      string(ev.Data.Result),
		CompletedAt: &now,
	}
	if existing, err := a.store.GetTaskRecord(ev.TaskID); err == nil && existing != nil {
		rec.TaskType = existing.TaskType
		rec.Priority = existing.Priority
	}
	if err := a.store.SaveTaskRecord(rec); err != nil {
		slog.Warn("task outcome archive failed", "task", ev.TaskID, "error", err)
	}
}
