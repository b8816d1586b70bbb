package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/protocol"
	"github.com/hiveward/hiveward/internal/task"
)

const defaultHeartbeatInterval = 5 * time.Second

// AgentStatus is the runtime lifecycle state. idle and busy both accept new
// work; idle means none is pending.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "initializing"
	StatusActive       AgentStatus = "active"
	StatusIdle         AgentStatus = "idle"
	StatusBusy         AgentStatus = "busy"
	StatusOffline      AgentStatus = "offline"
	StatusError        AgentStatus = "error"
)

// PerformanceMetrics are monotonic per-process counters, reset only by
// restart.
type PerformanceMetrics struct {
	TasksCompleted      int     `json:"tasks_completed"`
	TasksSucceeded      int     `json:"tasks_succeeded"`
	AvgCompletionTimeMs float64 `json:"avg_completion_time_ms"`
	SuccessRatePercent  float64 `json:"success_rate_percent"`
}

// AgentRecord is the stored, mutable view of one agent, keyed by its identity
// path. It is rewritten on every status change and heartbeat tick.
type AgentRecord struct {
	InstanceID     string             `json:"instance_id"`
	TeamID         string             `json:"team_id"`
	Role           string             `json:"role"`
	Specialization string             `json:"specialization,omitempty"`
	Model          string             `json:"model,omitempty"`
	Status         AgentStatus        `json:"status"`
	CurrentTaskID  string             `json:"current_task_id,omitempty"`
	Capabilities   []string           `json:"capabilities"`
	LastHeartbeat  time.Time          `json:"last_heartbeat"`
	Metrics        PerformanceMetrics `json:"performance_metrics"`
}

type queuedTask struct {
	t       *task.Task
	replyTo string
}

// Runtime is one long-lived worker process: registration, liveness, a strict
// FIFO task queue, and outcome reporting. Task execution is single-flight;
// message handling and heartbeats interleave around it.
type Runtime struct {
	id     Identity
	client *bus.Client
	kv     *bus.KV
	proto  *protocol.Protocol
	exec   Executor

	HeartbeatInterval time.Duration

	mu     sync.Mutex
	record AgentRecord
	queue  []queuedTask

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New(client *bus.Client, id Identity) *Runtime {
	return &Runtime{
		id:                id,
		client:            client,
		kv:                client.KV(),
		proto:             protocol.New(client, id.InstanceID, id.TeamID),
		exec:              NewExecutor(id),
		HeartbeatInterval: defaultHeartbeatInterval,
		record: AgentRecord{
			InstanceID:     id.InstanceID,
			TeamID:         id.TeamID,
			Role:           id.Role,
			Specialization: id.Specialization,
			Model:          id.Model,
			Status:         StatusInitializing,
			Capabilities:   roleCapabilities(id),
		},
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Protocol exposes the runtime's messaging layer, e.g. for coordinators
// embedded in the same process.
func (r *Runtime) Protocol() *protocol.Protocol {
	return r.proto
}

// Record returns a snapshot of the agent record.
func (r *Runtime) Record() AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// Run registers the agent, starts heartbeating and message handling, and
// blocks executing tasks until ctx is cancelled or a shutdown message
// arrives. A registration failure is terminal for this process; the
// supervisor decides whether to respawn.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(); err != nil {
		r.setStatus(StatusError)
		return fmt.Errorf("register agent %s: %w", r.id.InstanceID, err)
	}

	r.proto.OnMessage(protocol.MsgTaskAssignment, r.handleAssignment)
	r.proto.OnMessage(protocol.MsgStatusRequest, r.handleStatusRequest)
	r.proto.OnMessage(protocol.MsgEmergencyStop, r.handleStop)
	r.proto.OnMessage(protocol.MsgSystemShutdown, r.handleStop)

	if err := r.proto.Start(ctx); err != nil {
		r.setStatus(StatusError)
		return fmt.Errorf("start protocol: %w", err)
	}

	r.setStatus(StatusActive)
	_, _ = r.proto.SendSystem(protocol.MsgAgentOnline, map[string]string{
		"instance_id": r.id.InstanceID,
		"team":        r.id.TeamID,
		"role":        r.id.Role,
	}, protocol.PriorityLow, nil)
	slog.Info("agent registered", "instance", r.id.InstanceID, "role", r.id.Role)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(ctx)
	}()

	r.taskLoop(ctx)

	r.shutdown(ctx)
	<-hbDone
	r.proto.Close()
	return nil
}

// Stop triggers a graceful shutdown. First caller wins; emergency_stop and
// system_shutdown funnel into the same path.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// EnqueueTask appends to the FIFO queue and wakes the task loop. Incoming
// tasks are executed strictly in arrival order regardless of their priority
// tag; priority ordering applies to message delivery, not task execution.
func (r *Runtime) EnqueueTask(t *task.Task, replyTo string) {
	r.mu.Lock()
	r.queue = append(r.queue, queuedTask{t: t, replyTo: replyTo})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// QueueLen reports the number of tasks waiting (not counting one in flight).
func (r *Runtime) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Runtime) register() error {
	if err := r.writeRecord(); err != nil {
		return err
	}
	if err := r.joinTeam(); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) joinTeam() error {
	key := bus.KeyTeamMembers(r.id.TeamID)
	var members []string
	if _, err := r.kv.GetJSON(key, &members); err != nil {
		return err
	}
	if slices.Contains(members, r.id.InstanceID) {
		return nil
	}
	members = append(members, r.id.InstanceID)
	return r.kv.PutJSON(key, members)
}

func (r *Runtime) taskLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.wake:
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			default:
			}

			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			next := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()

			r.execute(ctx, next)
		}
	}
}

// execute runs one task to completion. Executor errors and panics mark the
// task failed and never stop the loop.
func (r *Runtime) execute(ctx context.Context, qt queuedTask) {
	t := qt.t

	r.mu.Lock()
	r.record.Status = StatusBusy
	r.record.CurrentTaskID = t.ID
	r.mu.Unlock()
	_ = r.writeRecord()

	now := time.Now().UTC()
	t.Status = task.StatusInProgress
	t.StartedAt = &now
	r.writeTask(t)

	start := time.Now()
	result, err := r.safeExecute(ctx, *t)
	duration := time.Since(start)

	done := time.Now().UTC()
	t.CompletedAt = &done
	if err != nil {
		t.Status = task.StatusFailed
		t.Error = err.Error()
		slog.Warn("task failed", "instance", r.id.InstanceID, "task", t.ID, "error", err)
	} else {
		t.Status = task.StatusCompleted
		t.Result = result.Payload
	}
	r.writeTask(t)

	r.updateMetrics(err == nil, duration)
	r.reportOutcome(qt, err, duration)

	r.mu.Lock()
	if len(r.queue) == 0 {
		r.record.Status = StatusIdle
	}
	r.record.CurrentTaskID = ""
	r.mu.Unlock()
	_ = r.writeRecord()
}

func (r *Runtime) safeExecute(ctx context.Context, t task.Task) (result task.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor panic: %v", rec)
		}
	}()
	result, err = r.exec.Execute(ctx, t)
	if err == nil && !result.Success {
		err = fmt.Errorf("executor reported failure")
	}
	return result, err
}

func (r *Runtime) updateMetrics(success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &r.record.Metrics
	n := m.TasksCompleted + 1
	m.AvgCompletionTimeMs = (m.AvgCompletionTimeMs*float64(n-1) + float64(duration.Milliseconds())) / float64(n)
	m.TasksCompleted = n
	if success {
		m.TasksSucceeded++
	}
	m.SuccessRatePercent = float64(m.TasksSucceeded) / float64(n) * 100
}

func (r *Runtime) reportOutcome(qt queuedTask, execErr error, duration time.Duration) {
	t := qt.t
	outcome := task.OutcomePayload{
		TaskID:     t.ID,
		AgentID:    r.id.InstanceID,
		Success:    execErr == nil,
		DurationMs: duration.Milliseconds(),
		Result:     t.Result,
	}
	msgType := protocol.MsgTaskCompletion
	if execErr != nil {
		outcome.Error = execErr.Error()
		msgType = protocol.MsgTaskFailure
	}

	if qt.replyTo != "" && qt.replyTo != r.id.InstanceID {
		if _, err := r.proto.SendDirect(qt.replyTo, msgType, outcome, t.Priority, nil); err != nil {
			slog.Warn("failed to report task outcome", "instance", r.id.InstanceID, "task", t.ID, "error", err)
		}
	}
	r.publishTaskEvent(t, outcome)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Runtime) heartbeat() {
	now := time.Now().UTC()
	r.mu.Lock()
	r.record.LastHeartbeat = now
	r.mu.Unlock()

	if err := r.writeRecord(); err != nil {
		slog.Warn("heartbeat record write failed", "instance", r.id.InstanceID, "error", err)
	}
	key := bus.KeyHeartbeat(r.id.TeamID, r.id.Role, r.id.InstanceID)
	if err := r.kv.Put(key, []byte(strconv.FormatInt(now.UnixMilli(), 10))); err != nil {
		slog.Warn("heartbeat write failed", "instance", r.id.InstanceID, "error", err)
	}
}

// shutdown drains nothing further (the loop has already stopped between
// tasks), returns still-queued tasks to pending, and marks the agent offline.
func (r *Runtime) shutdown(ctx context.Context) {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, qt := range pending {
		t := qt.t
		t.Status = task.StatusPending
		t.AssignedTo = ""
		t.Reason = "requeued-on-shutdown"
		r.writeTask(t)
	}
	if len(pending) > 0 {
		slog.Info("requeued pending tasks on shutdown", "instance", r.id.InstanceID, "count", len(pending))
	}

	_, _ = r.proto.SendSystem(protocol.MsgAgentOffline, map[string]string{
		"instance_id": r.id.InstanceID,
	}, protocol.PriorityLow, nil)

	r.setStatus(StatusOffline)
	slog.Info("agent offline", "instance", r.id.InstanceID)
}

func (r *Runtime) handleAssignment(ctx context.Context, msg *protocol.Message) error {
	var payload task.AssignmentPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("decode task assignment: %w", err)
	}
	t := payload.Task
	if t.ID == "" {
		return fmt.Errorf("task assignment without task id")
	}

	t.Status = task.StatusAssigned
	t.AssignedTo = r.id.InstanceID
	r.writeTask(&t)

	r.EnqueueTask(&t, msg.From)
	return nil
}

func (r *Runtime) handleStatusRequest(ctx context.Context, msg *protocol.Message) error {
	snapshot := r.Record()
	if msg.CorrelationID != "" {
		return r.proto.SendResponse(msg.From, msg.CorrelationID, snapshot)
	}
	_, err := r.proto.SendDirect(msg.From, protocol.MsgStatusResponse, snapshot, protocol.PriorityMedium, nil)
	return err
}

func (r *Runtime) handleStop(ctx context.Context, msg *protocol.Message) error {
	slog.Info("shutdown requested", "instance", r.id.InstanceID, "type", msg.Type, "from", msg.From)
	r.Stop()
	return nil
}

func (r *Runtime) setStatus(status AgentStatus) {
	r.mu.Lock()
	r.record.Status = status
	r.mu.Unlock()
	if err := r.writeRecord(); err != nil {
		slog.Warn("status write failed", "instance", r.id.InstanceID, "status", status, "error", err)
	}
}

func (r *Runtime) writeRecord() error {
	r.mu.Lock()
	snapshot := r.record
	r.mu.Unlock()
	return r.kv.PutJSON(bus.KeyAgent(r.id.TeamID, r.id.Role, r.id.InstanceID), snapshot)
}

func (r *Runtime) writeTask(t *task.Task) {
	if err := r.kv.PutJSON(bus.KeyTask(t.ID), t); err != nil {
		slog.Warn("task write failed", "instance", r.id.InstanceID, "task", t.ID, "error", err)
	}
}

func (r *Runtime) publishTaskEvent(t *task.Task, outcome task.OutcomePayload) {
	event := map[string]any{
		"type":      "task_" + string(t.Status),
		"task_id":   t.ID,
		"agent_id":  r.id.InstanceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      outcome,
	}
	if err := r.client.PublishJSON(bus.TopicTaskEvents(t.ID), event); err != nil {
		slog.Debug("task event publish failed", "task", t.ID, "error", err)
	}
}

func roleCapabilities(id Identity) []string {
	caps := []string{"execute:" + id.Role}
	if id.Specialization != "" {
		caps = append(caps, "specialization:"+id.Specialization)
	}
	return caps
}
