package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hiveward/hiveward/internal/bus"
	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/runtime"
)

const maxRestartBackoff = time.Minute

// InstanceState is the supervisor's view of one managed process.
type InstanceState string

const (
	StateLaunching  InstanceState = "launching"
	StateRunning    InstanceState = "running"
	StateRestarting InstanceState = "restarting"
	StateStopped    InstanceState = "stopped"
	// StateFailed means the restart cap was exhausted; the instance stays
	// visible in status but is never respawned.
	StateFailed InstanceState = "failed"
)

// SecretResolver resolves `secret:name` references in roster env values.
type SecretResolver interface {
	Resolve(name string) (string, error)
}

// Launcher materializes the declared roster into OS processes and keeps the
// observed population matching the declaration: restarts on crash up to a
// cap, force-restarts on heartbeat silence, graceful stops on request.
type Launcher struct {
	cfg     config.LauncherConfig
	client  *bus.Client
	kv      *bus.KV
	busURL  string
	secrets SecretResolver

	// agentCmd is the argv spawned per instance. Defaults to re-executing
	// this binary with the agent subcommand.
	agentCmd []string
	// WaitForRegistration gates the bounded startup wait. Disabled only in
	// tests driving stub commands that never register.
	WaitForRegistration bool

	mu        sync.Mutex
	instances map[string]*managedInstance
	stopped   bool
}

type managedInstance struct {
	slot     config.InstanceSlot
	cmd      *exec.Cmd
	state    InstanceState
	restarts int
	stopping bool
	stopCh   chan struct{}
	done     chan struct{}
	started  time.Time
	lastErr  string
}

// InstanceStatus is the externally visible state of one managed instance.
type InstanceStatus struct {
	InstanceID string        `json:"instance_id"`
	Team       string        `json:"team"`
	Role       string        `json:"role"`
	State      InstanceState `json:"state"`
	PID        int           `json:"pid,omitempty"`
	Restarts   int           `json:"restarts"`
	LastError  string        `json:"last_error,omitempty"`
}

// StatusSnapshot is the aggregate published to system.launcher_status.
type StatusSnapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Running   int              `json:"running"`
	Failed    int              `json:"failed"`
	Instances []InstanceStatus `json:"instances"`
}

func New(client *bus.Client, cfg config.LauncherConfig, busURL string) *Launcher {
	exe, err := os.Executable()
	if err != nil {
		exe = "hiveward"
	}
	return &Launcher{
		cfg:                 cfg,
		client:              client,
		kv:                  client.KV(),
		busURL:              busURL,
		agentCmd:            []string{exe, "agent"},
		WaitForRegistration: true,
		instances:           make(map[string]*managedInstance),
	}
}

// SetCommand overrides the spawned argv.
func (l *Launcher) SetCommand(argv []string) {
	l.agentCmd = argv
}

// SetSecretResolver wires vault-backed resolution of roster env secrets.
func (l *Launcher) SetSecretResolver(r SecretResolver) {
	l.secrets = r
}

// LaunchAll spawns every declared instance concurrently. A slot that fails to
// spawn or register within the startup timeout is reported in the combined
// error without blocking the other launches.
func (l *Launcher) LaunchAll(ctx context.Context, roster config.RosterConfig) error {
	slots := roster.Instances()
	slog.Info("launching roster", "instances", len(slots))

	var wg sync.WaitGroup
	errCh := make(chan error, len(slots))
	for _, slot := range slots {
		wg.Add(1)
		go func(slot config.InstanceSlot) {
			defer wg.Done()
			if err := l.Launch(ctx, slot); err != nil {
				errCh <- fmt.Errorf("launch %s: %w", slot.InstanceID, err)
			}
		}(slot)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		slog.Error("instance launch failed", "error", err)
		errs = append(errs, err)
	}
	l.publishStatus()
	return errors.Join(errs...)
}

// Launch spawns one instance and waits for its registration.
func (l *Launcher) Launch(ctx context.Context, slot config.InstanceSlot) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("launcher stopped")
	}
	if _, exists := l.instances[slot.InstanceID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("instance %s already managed", slot.InstanceID)
	}
	inst := &managedInstance{
		slot:   slot,
		state:  StateLaunching,
		stopCh: make(chan struct{}),
	}
	l.instances[slot.InstanceID] = inst
	l.mu.Unlock()

	if err := l.startProcess(ctx, inst); err != nil {
		l.mu.Lock()
		inst.state = StateFailed
		inst.lastErr = err.Error()
		l.mu.Unlock()
		l.publishStatus()
		return err
	}

	if l.WaitForRegistration {
		if err := l.awaitRegistration(ctx, inst); err != nil {
			l.stopInstance(inst)
			l.mu.Lock()
			inst.state = StateFailed
			inst.lastErr = err.Error()
			l.mu.Unlock()
			l.publishStatus()
			return err
		}
	}

	l.publishStatus()
	return nil
}

func (l *Launcher) startProcess(ctx context.Context, inst *managedInstance) error {
	env, err := l.buildEnv(inst.slot)
	if err != nil {
		return err
	}

	cmd := exec.Command(l.agentCmd[0], l.agentCmd[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	inst.cmd = cmd
	inst.done = done
	inst.state = StateRunning
	inst.started = time.Now()
	l.mu.Unlock()

	slog.Info("instance started", "instance", inst.slot.InstanceID, "pid", cmd.Process.Pid)
	l.publishEvent("instance_started", inst)

	go func() {
		err := cmd.Wait()
		close(done)
		l.onExit(ctx, inst, exitCode(err))
	}()
	return nil
}

func (l *Launcher) buildEnv(slot config.InstanceSlot) ([]string, error) {
	id := runtime.Identity{
		TeamID:         slot.Team,
		Role:           slot.Role,
		InstanceID:     slot.InstanceID,
		Specialization: slot.Config.Specialization,
		Model:          slot.Config.Model,
	}
	env := append(os.Environ(), id.Env()...)
	env = append(env, runtime.EnvBusURL+"="+l.busURL)

	for k, v := range slot.Config.Env {
		if name, ok := strings.CutPrefix(v, "secret:"); ok {
			if l.secrets == nil {
				return nil, fmt.Errorf("env %s references secret %q but no vault is configured", k, name)
			}
			resolved, err := l.secrets.Resolve(name)
			if err != nil {
				return nil, fmt.Errorf("resolve secret %q for env %s: %w", name, k, err)
			}
			v = resolved
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

// awaitRegistration polls the agent's record key until it reports a live
// status or the startup timeout expires.
func (l *Launcher) awaitRegistration(ctx context.Context, inst *managedInstance) error {
	slot := inst.slot
	key := bus.KeyAgent(slot.Team, slot.Role, slot.InstanceID)
	deadline := time.After(l.cfg.StartupTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("no active registration within %s", l.cfg.StartupTimeout)
		case <-ticker.C:
			var rec runtime.AgentRecord
			ok, err := l.kv.GetJSON(key, &rec)
			if err != nil || !ok {
				continue
			}
			switch rec.Status {
			case runtime.StatusActive, runtime.StatusIdle, runtime.StatusBusy:
				return nil
			case runtime.StatusError:
				return fmt.Errorf("agent reported error during registration")
			}
		}
	}
}

// onExit applies the restart policy after a process exits. Exit 0 and
// intentional stops never restart and never touch the counter.
func (l *Launcher) onExit(ctx context.Context, inst *managedInstance, code int) {
	l.mu.Lock()
	if inst.stopping || code == 0 {
		// A failed instance stays failed even when its process is reaped
		// during the stop.
		if inst.state != StateFailed {
			inst.state = StateStopped
		}
		l.mu.Unlock()
		slog.Info("instance stopped", "instance", inst.slot.InstanceID, "exit_code", code)
		l.publishEvent("instance_stopped", inst)
		l.publishStatus()
		return
	}

	inst.lastErr = fmt.Sprintf("exited with code %d", code)
	if inst.restarts >= l.cfg.MaxRestarts {
		inst.state = StateFailed
		l.mu.Unlock()
		slog.Error("instance permanently failed, restart cap exhausted",
			"instance", inst.slot.InstanceID, "restarts", inst.restarts, "exit_code", code)
		l.publishEvent("instance_failed", inst)
		l.publishStatus()
		return
	}

	inst.restarts++
	restarts := inst.restarts
	inst.state = StateRestarting
	l.mu.Unlock()

	backoff := l.restartBackoff(restarts)
	slog.Warn("instance crashed, scheduling restart",
		"instance", inst.slot.InstanceID, "exit_code", code, "attempt", restarts, "backoff", backoff)
	l.publishEvent("instance_restarting", inst)
	l.publishStatus()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-inst.stopCh:
			// Stop raced the restart; let the stop win.
			return
		case <-time.After(backoff):
		}

		l.mu.Lock()
		if inst.stopping || l.stopped {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		if err := l.startProcess(ctx, inst); err != nil {
			slog.Error("restart failed", "instance", inst.slot.InstanceID, "error", err)
			l.mu.Lock()
			inst.state = StateFailed
			inst.lastErr = err.Error()
			l.mu.Unlock()
			l.publishStatus()
		}
	}()
}

// restartBackoff doubles the base per attempt, capped.
func (l *Launcher) restartBackoff(attempt int) time.Duration {
	backoff := l.cfg.RestartBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	return backoff
}

// WatchLiveness polls every running instance's heartbeat key and force
// restarts any that went silent past the timeout, even if the OS process is
// still alive. Blocks until ctx is cancelled.
func (l *Launcher) WatchLiveness(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.checkLiveness()
		}
	}
}

func (l *Launcher) checkLiveness() {
	// Snapshot mutable instance state under the lock; the heartbeat reads and
	// kills below run without it.
	type candidate struct {
		inst    *managedInstance
		slot    config.InstanceSlot
		started time.Time
		cmd     *exec.Cmd
	}
	l.mu.Lock()
	var candidates []candidate
	for _, inst := range l.instances {
		if inst.state == StateRunning && !inst.stopping {
			candidates = append(candidates, candidate{
				inst:    inst,
				slot:    inst.slot,
				started: inst.started,
				cmd:     inst.cmd,
			})
		}
	}
	l.mu.Unlock()

	now := time.Now()
	for _, c := range candidates {
		// Give fresh processes the full timeout to produce a first beat.
		if now.Sub(c.started) < l.cfg.HeartbeatTimeout {
			continue
		}
		hb, ok := l.readHeartbeat(c.slot)
		if ok && now.Sub(hb) <= l.cfg.HeartbeatTimeout {
			continue
		}
		slog.Warn("instance heartbeat silent, forcing restart",
			"instance", c.slot.InstanceID, "last_heartbeat", hb)
		l.publishEvent("instance_hung", c.inst)

		// Kill triggers the exit watcher, which applies the normal crash
		// restart policy.
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}

func (l *Launcher) readHeartbeat(slot config.InstanceSlot) (time.Time, bool) {
	data, err := l.kv.Get(bus.KeyHeartbeat(slot.Team, slot.Role, slot.InstanceID))
	if err != nil || data == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Stop gracefully stops one instance: SIGTERM, bounded grace, then SIGKILL.
// Restart counters are untouched for intentional stops.
func (l *Launcher) Stop(instanceID string) error {
	l.mu.Lock()
	inst, ok := l.instances[instanceID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown instance %s", instanceID)
	}
	l.stopInstance(inst)
	l.publishStatus()
	return nil
}

func (l *Launcher) stopInstance(inst *managedInstance) {
	l.mu.Lock()
	if inst.stopping {
		l.mu.Unlock()
		return
	}
	inst.stopping = true
	close(inst.stopCh)
	cmd := inst.cmd
	done := inst.done
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		l.mu.Lock()
		inst.state = StateStopped
		l.mu.Unlock()
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(l.cfg.GracePeriod):
		slog.Warn("instance did not exit in grace period, killing", "instance", inst.slot.InstanceID)
		_ = cmd.Process.Kill()
		<-done
	}
}

// StopAll stops every managed instance. Safe to call concurrently with
// ongoing restarts: in-flight restart timers for stopping instances are
// cancelled, not raced.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	l.stopped = true
	instances := make([]*managedInstance, 0, len(l.instances))
	for _, inst := range l.instances {
		instances = append(instances, inst)
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *managedInstance) {
			defer wg.Done()
			l.stopInstance(inst)
		}(inst)
	}
	wg.Wait()
	l.publishStatus()
	slog.Info("all instances stopped", "count", len(instances))
}

// ApplyRoster reconciles a config reload: added slots launch, removed slots
// stop, changed slots restart with their new config.
func (l *Launcher) ApplyRoster(ctx context.Context, diff config.RosterDiff) {
	for _, slot := range diff.Removed {
		if err := l.Stop(slot.InstanceID); err != nil {
			slog.Warn("roster reload stop failed", "instance", slot.InstanceID, "error", err)
		}
		l.forget(slot.InstanceID)
	}
	for _, slot := range diff.Changed {
		if err := l.Stop(slot.InstanceID); err != nil {
			slog.Warn("roster reload stop failed", "instance", slot.InstanceID, "error", err)
		}
		l.forget(slot.InstanceID)
		if err := l.Launch(ctx, slot); err != nil {
			slog.Error("roster reload relaunch failed", "instance", slot.InstanceID, "error", err)
		}
	}
	for _, slot := range diff.Added {
		if err := l.Launch(ctx, slot); err != nil {
			slog.Error("roster reload launch failed", "instance", slot.InstanceID, "error", err)
		}
	}
}

func (l *Launcher) forget(instanceID string) {
	l.mu.Lock()
	delete(l.instances, instanceID)
	l.mu.Unlock()
}

// Status returns the aggregate snapshot.
func (l *Launcher) Status() StatusSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := StatusSnapshot{Timestamp: time.Now().UTC()}
	for _, inst := range l.instances {
		st := InstanceStatus{
			InstanceID: inst.slot.InstanceID,
			Team:       inst.slot.Team,
			Role:       inst.slot.Role,
			State:      inst.state,
			Restarts:   inst.restarts,
			LastError:  inst.lastErr,
		}
		if inst.cmd != nil && inst.cmd.Process != nil {
			st.PID = inst.cmd.Process.Pid
		}
		switch inst.state {
		case StateRunning:
			snap.Running++
		case StateFailed:
			snap.Failed++
		}
		snap.Instances = append(snap.Instances, st)
	}
	return snap
}

// Instance returns the status of one managed instance.
func (l *Launcher) Instance(instanceID string) (InstanceStatus, bool) {
	for _, st := range l.Status().Instances {
		if st.InstanceID == instanceID {
			return st, true
		}
	}
	return InstanceStatus{}, false
}

func (l *Launcher) publishStatus() {
	snap := l.Status()
	if err := l.kv.PutJSON(bus.KeyLauncherStatus, snap); err != nil {
		slog.Warn("launcher status write failed", "error", err)
	}
}

func (l *Launcher) publishEvent(eventType string, inst *managedInstance) {
	event := map[string]any{
		"type":      eventType,
		"instance":  inst.slot.InstanceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := l.client.PublishJSON(bus.TopicLauncherEvents, event); err != nil {
		slog.Debug("launcher event publish failed", "error", err)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
