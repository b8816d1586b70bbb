package web

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/runtime"
	"github.com/hiveward/hiveward/internal/scheduler"
	"github.com/hiveward/hiveward/internal/store"
	"github.com/hiveward/hiveward/internal/vault"
)

type testEnv struct {
	store  *store.Store
	client *bus.Client
	server *Server
	base   string
}

func newTestEnv(t *testing.T, cfg config.WebConfig) *testEnv {
	t.Helper()

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

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(st, nil, client.KV(), config.SchedulerConfig{PollInterval: time.Hour})
	v := vault.New("test-passphrase", st)

	cfg.Port = 0
	srv := NewServer(st, client, nil, sched, v, cfg, "test")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Errorf("server: %v", err)
		}
	}()

	return &testEnv{
		store:  st,
		client: client,
		server: srv,
		base:   "http://" + srv.Addr(),
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, config.WebConfig{})

	var out map[string]any
	if code := getJSON(t, env.base+"/api/status", &out); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if out["version"] != "test" {
		t.Errorf("unexpected version: %v", out["version"])
	}
	if _, ok := out["tasks"]; !ok {
		t.Error("status missing task stats")
	}
}

func TestAgentsEndpointSkipsHeartbeats(t *testing.T) {
	env := newTestEnv(t, config.WebConfig{})
	kv := env.client.KV()

	rec := runtime.AgentRecord{
		InstanceID: "teamA-roleX-1",
		TeamID:     "teamA",
		Role:       "roleX",
		Status:     runtime.StatusActive,
	}
	if err := kv.PutJSON(bus.KeyAgent("teamA", "roleX", "teamA-roleX-1"), rec); err != nil {
		t.Fatalf("put agent: %v", err)
	}
	if err := kv.Put(bus.KeyHeartbeat("teamA", "roleX", "teamA-roleX-1"), []byte("123")); err != nil {
		t.Fatalf("put heartbeat: %v", err)
	}

	var agents []runtime.AgentRecord
	if code := getJSON(t, env.base+"/api/agents", &agents); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if agents[0].InstanceID != "teamA-roleX-1" || agents[0].Status != runtime.StatusActive {
		t.Errorf("unexpected agent: %+v", agents[0])
	}
}

func TestTaskHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, config.WebConfig{})

	for _, rec := range []*store.TaskRecord{
		{ID: "t1", TaskType: "build", Status: "completed", Success: true, AssignedTo: "teamA-roleX-1"},
		{ID: "t2", TaskType: "test", Status: "failed", AssignedTo: "teamA-roleX-2"},
	} {
		if err := env.store.SaveTaskRecord(rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	var records []store.TaskRecord
	if code := getJSON(t, env.base+"/api/tasks", &records); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	records = nil
	if code := getJSON(t, env.base+"/api/tasks?agent=teamA-roleX-1", &records); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if len(records) != 1 || records[0].ID != "t1" {
		t.Fatalf("agent filter failed: %+v", records)
	}

	var one store.TaskRecord
	if code := getJSON(t, env.base+"/api/tasks/t2", &one); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if one.Status != "failed" {
		t.Errorf("unexpected record: %+v", one)
	}

	if code := getJSON(t, env.base+"/api/tasks/nonexistent", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t, config.WebConfig{})

	body := strings.NewReader(`{"name":"sweep","team":"teamA","task_type":"sweep","schedule":"{\"kind\":\"interval\",\"interval_ms\":60000}"}`)
	resp, err := http.Post(env.base+"/api/schedules", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var created store.Schedule
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.NextRunAt == nil {
		t.Fatalf("incomplete schedule: %+v", created)
	}

	// Invalid spec rejected
	bad := strings.NewReader(`{"team":"teamA","task_type":"sweep","schedule":"{\"kind\":\"weekly\"}"}`)
	resp2, err := http.Post(env.base+"/api/schedules", "application/json", bad)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid spec, got %d", resp2.StatusCode)
	}

	var schedules []store.Schedule
	if code := getJSON(t, env.base+"/api/schedules", &schedules); code != http.StatusOK || len(schedules) != 1 {
		t.Fatalf("list failed: code=%d n=%d", code, len(schedules))
	}

	req, _ := http.NewRequest(http.MethodDelete, env.base+"/api/schedules/"+created.ID, nil)
	resp3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp3.Body.Close()
	schedules = nil
	getJSON(t, env.base+"/api/schedules", &schedules)
	if len(schedules) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(schedules))
	}
}

func TestBasicAuthGuardsAPI(t *testing.T) {
	env := newTestEnv(t, config.WebConfig{Auth: "hunter2"})

	resp, err := http.Get(env.base + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.base+"/api/status", nil)
	req.SetBasicAuth("", "hunter2")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with auth: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp2.StatusCode)
	}
}

func TestEventStreamClassification(t *testing.T) {
	for subject, want := range map[string]string{
		"events.task.t1":             "task",
		"events.agent.teamA-roleX-1": "agent",
		bus.TopicLauncherEvents:      "launcher",
		"events.custom":              "system",
	} {
		if got := eventStream(subject); got != want {
			t.Errorf("subject %s: stream %s, want %s", subject, got, want)
		}
	}
}

func TestWebsocketStreamsBusEvents(t *testing.T) {
	env := newTestEnv(t, config.WebConfig{})

	wsURL := "ws://" + env.server.Addr() + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Subscription races connection setup, retry the publish until the
	// event comes through.
	got := make(chan Event, 1)
	go func() {
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			got <- ev
			return
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		_ = env.client.PublishJSON(bus.TopicTaskEvents("t1"), map[string]any{"type": "task_completed"})
		select {
		case ev := <-got:
			if ev.Subject != "events.task.t1" || ev.Stream != "task" {
				t.Fatalf("unexpected envelope: subject=%s stream=%s", ev.Subject, ev.Stream)
			}
			if ev.Timestamp.IsZero() {
				t.Error("envelope missing timestamp")
			}
			var body map[string]any
			if err := json.Unmarshal(ev.Payload, &body); err != nil || body["type"] != "task_completed" {
				t.Fatalf("unexpected payload %s: %v", ev.Payload, err)
			}
			return
		case <-deadline:
			t.Fatal("event never streamed to websocket")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
