package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRecordCRUD(t *testing.T) {
	s := newTestStore(t)

	rec := &TaskRecord{
		ID:       "t1",
		TaskType: "build",
		Priority: "high",
		Status:   "pending",
	}
	if err := s.SaveTaskRecord(rec); err != nil {
		t.Fatalf("save task record: %v", err)
	}

	got, err := s.GetTaskRecord("t1")
	if err != nil {
		t.Fatalf("get task record: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.TaskType != "build" || got.Status != "pending" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Upsert to completed
	now := time.Now().UTC()
	rec.Status = "completed"
	rec.AssignedTo = "teamA-roleX-1"
	rec.Success = true
	rec.DurationMs = 42
	rec.CompletedAt = &now
	if err := s.SaveTaskRecord(rec); err != nil {
		t.Fatalf("update task record: %v", err)
	}

	got, _ = s.GetTaskRecord("t1")
	if got.Status != "completed" || !got.Success || got.AssignedTo != "teamA-roleX-1" {
		t.Errorf("upsert did not apply: %+v", got)
	}

	// Not found
	got, err = s.GetTaskRecord("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent record")
	}
}

func TestTaskStats(t *testing.T) {
	s := newTestStore(t)

	for _, rec := range []*TaskRecord{
		{ID: "t1", TaskType: "build", Status: "completed", Success: true},
		{ID: "t2", TaskType: "build", Status: "completed", Success: true},
		{ID: "t3", TaskType: "build", Status: "failed"},
	} {
		if err := s.SaveTaskRecord(rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	stats, err := s.GetTaskStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestEventArchiveAndPrune(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.SaveEvent("events.agent.a1", "agent_online", []byte(`{"type":"agent_online"}`)); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}
	_ = s.SaveEvent("events.task.t1", "task_completed", []byte(`{"type":"task_completed"}`))

	events, err := s.ListEvents(10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	// Newest first
	if events[0].Subject != "events.task.t1" {
		t.Errorf("expected newest event first, got %s", events[0].Subject)
	}

	taskEvents, err := s.ListEventsBySubject("events.task.%", 10)
	if err != nil {
		t.Fatalf("list by subject: %v", err)
	}
	if len(taskEvents) != 1 {
		t.Errorf("expected 1 task event, got %d", len(taskEvents))
	}

	if err := s.PruneEvents(2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	events, _ = s.ListEvents(10)
	if len(events) != 2 {
		t.Errorf("expected 2 events after prune, got %d", len(events))
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	nextRun := time.Now().Add(-time.Minute) // due now
	sch := &Schedule{
		ID:        "sched-1",
		Name:      "nightly build",
		Team:      "teamA",
		TaskType:  "build",
		Priority:  "medium",
		Schedule:  `{"kind":"interval","interval_ms":60000}`,
		Status:    "active",
		NextRunAt: &nextRun,
	}
	if err := s.SaveSchedule(sch); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Name != "nightly build" || got.Team != "teamA" {
		t.Errorf("unexpected schedule: %+v", got)
	}

	due, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("expected 1 due schedule, got %d", len(due))
	}

	// Pause suppresses due
	_ = s.UpdateScheduleStatus("sched-1", "paused")
	due, _ = s.GetDueSchedules(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due schedules after pause, got %d", len(due))
	}

	// Run bookkeeping
	next := time.Now().Add(time.Hour)
	if err := s.UpdateScheduleRun("sched-1", "success", "", &next); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, _ = s.GetSchedule("sched-1")
	if got.LastStatus != "success" || got.LastRunAt == nil {
		t.Errorf("run bookkeeping not applied: %+v", got)
	}

	if err := s.DeleteSchedule("sched-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetSchedule("sched-1"); got != nil {
		t.Error("expected nil after delete")
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "api-token", Value: []byte("ciphertext"), Nonce: []byte("nonce")}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("api-token")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if string(got.Value) != "ciphertext" || string(got.Nonce) != "nonce" {
		t.Errorf("unexpected secret: %+v", got)
	}

	// Overwrite
	sec.Value = []byte("rotated")
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("rotate secret: %v", err)
	}
	got, _ = s.GetSecret("api-token")
	if string(got.Value) != "rotated" {
		t.Error("rotation not applied")
	}

	names, err := s.ListSecretNames()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "api-token" {
		t.Errorf("unexpected names: %v", names)
	}

	if err := s.DeleteSecret("api-token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetSecret("api-token"); got != nil {
		t.Error("expected nil after delete")
	}
}

func TestArchiverPersistsTaskOutcomes(t *testing.T) {
	s := newTestStore(t)

	b, err := bus.New(config.BusConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(b.Close)
	client, err := bus.NewClient(b)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	a := NewArchiver(s, client)
	if err := a.Start(); err != nil {
		t.Fatalf("start archiver: %v", err)
	}
	t.Cleanup(a.Stop)

	event := map[string]any{
		"type":     "task_completed",
		"task_id":  "t1",
		"agent_id": "teamA-roleX-1",
		"data": map[string]any{
			"task_id":     "t1",
			"agent_id":    "teamA-roleX-1",
			"success":     true,
			"duration_ms": 120,
		},
	}
	if err := client.PublishJSON(bus.TopicTaskEvents("t1"), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		rec, err := s.GetTaskRecord("t1")
		if err != nil {
			t.Fatalf("get task record: %v", err)
		}
		if rec != nil {
			if rec.Status != "completed" || !rec.Success || rec.DurationMs != 120 {
				t.Fatalf("unexpected archived record: %+v", rec)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("task outcome never archived")
		case <-time.After(20 * time.Millisecond):
		}
	}

	events, err := s.ListEventsBySubject("events.task.%", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "task_completed" {
		t.Fatalf("event row not archived: %+v", events)
	}
}
