package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/protocol"
	"github.com/hiveward/hiveward/internal/store"
	"github.com/hiveward/hiveward/internal/task"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"cron", `{"kind":"cron","cron_expr":"*/5 * * * *"}`, false},
		{"interval", `{"kind":"interval","interval_ms":60000}`, false},
		{"once", `{"kind":"once","at_ms":1924992000000}`, false},
		{"bad cron", `{"kind":"cron","cron_expr":"not a cron"}`, true},
		{"zero interval", `{"kind":"interval","interval_ms":0}`, true},
		{"unknown kind", `{"kind":"weekly"}`, true},
		{"malformed json", `{`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSpec(tc.raw)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCalculateNextRun(t *testing.T) {
	now := time.Now()

	next := CalculateNextRun(`{"kind":"interval","interval_ms":60000}`)
	if next == nil {
		t.Fatal("expected next run for interval")
	}
	if d := next.Sub(now); d < 55*time.Second || d > 65*time.Second {
		t.Errorf("interval next run off by %s", d-time.Minute)
	}

	if next := CalculateNextRun(`{"kind":"cron","cron_expr":"* * * * *"}`); next == nil || !next.After(now) {
		t.Error("expected future next run for cron")
	}

	past := now.Add(-time.Hour).UnixMilli()
	if next := CalculateNextRun(`{"kind":"once","at_ms":` + itoa(past) + `}`); next != nil {
		t.Error("spent one-off should have no next run")
	}

	future := now.Add(time.Hour).UnixMilli()
	if next := CalculateNextRun(`{"kind":"once","at_ms":` + itoa(future) + `}`); next == nil {
		t.Error("future one-off should have a next run")
	}

	if next := CalculateNextRun(`{bad`); next != nil {
		t.Error("malformed spec should have no next run")
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(config.BusConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func newTestClient(t *testing.T, b *bus.Bus) *bus.Client {
	t.Helper()
	client, err := bus.NewClient(b)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestCreateComputesFirstRun(t *testing.T) {
	s := newTestStore(t)
	sched := New(s, nil, nil, config.SchedulerConfig{PollInterval: time.Hour})

	sch := &store.Schedule{
		ID:       "sched-1",
		Name:     "hourly sweep",
		Team:     "teamA",
		TaskType: "sweep",
		Schedule: `{"kind":"interval","interval_ms":3600000}`,
	}
	if err := sched.Create(sch); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Fatalf("first run not computed: %+v", got)
	}
	if got.Status != "active" {
		t.Errorf("expected active status, got %s", got.Status)
	}

	bad := &store.Schedule{ID: "sched-2", Team: "teamA", TaskType: "sweep", Schedule: `{"kind":"weekly"}`}
	if err := sched.Create(bad); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestDueScheduleDispatchesAssignment(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)

	// Team member listening for assignments.
	agentClient := newTestClient(t, b)
	agentProto := protocol.New(agentClient, "teamA-roleX-1", "teamA")
	got := make(chan task.Task, 1)
	agentProto.OnMessage(protocol.MsgTaskAssignment, func(ctx context.Context, msg *protocol.Message) error {
		var p task.AssignmentPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		got <- p.Task
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agentProto.Start(ctx); err != nil {
		t.Fatalf("start agent protocol: %v", err)
	}
	t.Cleanup(agentProto.Close)

	schedClient := newTestClient(t, b)
	schedProto := protocol.New(schedClient, "scheduler", "")
	if err := schedProto.Start(ctx); err != nil {
		t.Fatalf("start scheduler protocol: %v", err)
	}
	t.Cleanup(schedProto.Close)

	sched := New(s, schedProto, schedClient.KV(), config.SchedulerConfig{PollInterval: 50 * time.Millisecond})

	due := time.Now().Add(-time.Minute)
	if err := s.SaveSchedule(&store.Schedule{
		ID:        "sched-1",
		Name:      "sweep",
		Team:      "teamA",
		TaskType:  "sweep",
		Priority:  "high",
		Schedule:  `{"kind":"interval","interval_ms":3600000}`,
		Payload:   `{"target":"all"}`,
		Status:    "active",
		NextRunAt: &due,
	}); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	go sched.Start(ctx)

	select {
	case assigned := <-got:
		if assigned.Type != "sweep" {
			t.Errorf("expected task type sweep, got %s", assigned.Type)
		}
		if assigned.Priority != protocol.PriorityHigh {
			t.Errorf("expected high priority, got %s", assigned.Priority)
		}
		if string(assigned.Payload) != `{"target":"all"}` {
			t.Errorf("unexpected payload %s", assigned.Payload)
		}

		// Task record archived as pending, KV record written.
		rec, err := s.GetTaskRecord(assigned.ID)
		if err != nil || rec == nil {
			t.Fatalf("task history row missing: %v", err)
		}
		if rec.Status != "pending" {
			t.Errorf("expected pending history row, got %s", rec.Status)
		}
		var kvTask task.Task
		ok, err := schedClient.KV().GetJSON(bus.KeyTask(assigned.ID), &kvTask)
		if err != nil || !ok {
			t.Fatalf("task kv record missing: ok=%v err=%v", ok, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("assignment never delivered")
	}

	// Next run advanced into the future.
	deadline := time.After(5 * time.Second)
	for {
		got, _ := s.GetSchedule("sched-1")
		if got != nil && got.LastStatus == "success" && got.NextRunAt != nil && got.NextRunAt.After(time.Now()) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("schedule bookkeeping not updated: %+v", got)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSpentOneOffCompletes(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)

	client := newTestClient(t, b)
	proto := protocol.New(client, "scheduler", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := proto.Start(ctx); err != nil {
		t.Fatalf("start protocol: %v", err)
	}
	t.Cleanup(proto.Close)

	sched := New(s, proto, client.KV(), config.SchedulerConfig{PollInterval: 50 * time.Millisecond})

	due := time.Now().Add(-time.Minute)
	atMs := time.Now().Add(-time.Minute).UnixMilli()
	if err := s.SaveSchedule(&store.Schedule{
		ID:        "once-1",
		Name:      "one shot",
		Team:      "teamA",
		TaskType:  "report",
		Schedule:  `{"kind":"once","at_ms":` + itoa(atMs) + `}`,
		Status:    "active",
		NextRunAt: &due,
	}); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	go sched.Start(ctx)

	deadline := time.After(5 * time.Second)
	for {
		got, _ := s.GetSchedule("once-1")
		if got != nil && got.Status == "completed" {
			if got.NextRunAt != nil && got.NextRunAt.After(time.Now()) {
				t.Fatalf("spent one-off has future next run: %+v", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("one-off never completed: %+v", got)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
