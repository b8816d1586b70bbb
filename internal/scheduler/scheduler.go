package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/protocol"
	"github.com/hiveward/hiveward/internal/store"
	"github.com/hiveward/hiveward/internal/task"
)

// Scheduler polls the schedule table and converts due definitions into task
// assignments broadcast to the owning team. Agents pick them up through the
// normal message path; the scheduler never tracks execution itself.
type Scheduler struct {
	store        *store.Store
	proto        *protocol.Protocol
	kv           *bus.KV
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, proto *protocol.Protocol, kv *bus.KV, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		proto:        proto,
		kv:           kv,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Create validates the spec, computes the first run and persists the
// schedule.
func (s *Scheduler) Create(sch *store.Schedule) error {
	if _, err := ParseSpec(sch.Schedule); err != nil {
		return err
	}
	if sch.Status == "" {
		sch.Status = "active"
	}
	next := CalculateNextRun(sch.Schedule)
	if next == nil {
		return fmt.Errorf("schedule %s has no future run", sch.ID)
	}
	sch.NextRunAt = next
	return s.store.SaveSchedule(sch)
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sch := range due {
		s.fire(sch)
	}
}

func (s *Scheduler) fire(sch store.Schedule) {
	slog.Info("firing schedule", "id", sch.ID, "name", sch.Name, "team", sch.Team)

	var lastStatus, lastError string
	if err := s.dispatch(sch); err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("schedule dispatch failed", "id", sch.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	nextRun := CalculateNextRun(sch.Schedule)

	if err := s.store.UpdateScheduleRun(sch.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", sch.ID, "error", err)
	}

	// Spent one-offs never fire again.
	if nextRun == nil {
		slog.Info("no next run, marking schedule completed", "id", sch.ID, "name", sch.Name)
		if err := s.store.UpdateScheduleStatus(sch.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sch.ID, "error", err)
		}
	}
}

// dispatch materializes one pending task from the schedule and hands it to
// the owning team.
func (s *Scheduler) dispatch(sch store.Schedule) error {
	priority, err := protocol.ParsePriority(sch.Priority)
	if err != nil {
		priority = protocol.PriorityMedium
	}

	var payload json.RawMessage
	if sch.Payload != "" {
		payload = json.RawMessage(sch.Payload)
	}

	t, err := task.New(sch.TaskType, priority, nil)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	t.Payload = payload

	if err := s.kv.PutJSON(bus.KeyTask(t.ID), t); err != nil {
		return fmt.Errorf("write task record: %w", err)
	}
	if err := s.store.SaveTaskRecord(&store.TaskRecord{
		ID:       t.ID,
		TaskType: t.Type,
		Priority: t.Priority.String(),
		Status:   string(t.Status),
	}); err != nil {
		slog.Warn("task history write failed", "task", t.ID, "error", err)
	}

	_, err = s.proto.SendTeam(sch.Team, protocol.MsgTaskAssignment,
		task.AssignmentPayload{Task: *t}, priority, nil)
	if err != nil {
		return fmt.Errorf("send assignment: %w", err)
	}
	return nil
}
