package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveward/hiveward/internal/runtime"
	"github.com/hiveward/hiveward/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// System
	mux.HandleFunc("GET /api/status", s.getStatus)

	// Live agent population
	mux.HandleFunc("GET /api/agents", s.listAgents)

	// Task history
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)

	// Archived events
	mux.HandleFunc("GET /api/events", s.listEvents)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets (names only; values never leave the vault)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := map[string]any{
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"tasks":          stats,
	}
	if s.launcher != nil {
		out["launcher"] = s.launcher.Status()
	}
	jsonResponse(w, out)
}

// listAgents scans the live agent records in the coordination bucket.
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	kv := s.client.KV()
	keys, err := kv.Keys()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	agents := make([]runtime.AgentRecord, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, "agents.") || strings.HasSuffix(key, ".heartbeat") {
			continue
		}
		var rec runtime.AgentRecord
		if ok, err := kv.GetJSON(key, &rec); err != nil || !ok {
			continue
		}
		agents = append(agents, rec)
	}
	jsonResponse(w, agents)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		records []store.TaskRecord
		err     error
	)
	if agent := r.URL.Query().Get("agent"); agent != "" {
		records, err = s.store.ListTaskRecordsForAgent(agent, limit)
	} else {
		records, err = s.store.ListTaskRecords(limit)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.TaskRecord{}
	}
	jsonResponse(w, records)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetTaskRecord(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		events []store.Event
		err    error
	)
	if subject := r.URL.Query().Get("subject"); subject != "" {
		events, err = s.store.ListEventsBySubject(subject+"%", limit)
	} else {
		events, err = s.store.ListEvents(limit)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	jsonResponse(w, events)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if schedules == nil {
		schedules = []store.Schedule{}
	}
	jsonResponse(w, schedules)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sch store.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if sch.Team == "" || sch.TaskType == "" || sch.Schedule == "" {
		jsonError(w, "team, task_type and schedule are required", http.StatusBadRequest)
		return
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	if s.sched == nil {
		jsonError(w, "scheduler disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.sched.Create(&sch); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, sch)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	names, err := s.vault.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	jsonResponse(w, names)
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == "" {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}
	if err := s.vault.Set(r.PathValue("name"), []byte(body.Value)); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.vault.Delete(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
