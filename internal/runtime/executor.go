package runtime

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/hiveward/hiveward/internal/task"
)

// Executor is an agent's unit of work. Implementations are selected by role
// through the factory registry at launch time.
type Executor interface {
	Execute(ctx context.Context, t task.Task) (task.Result, error)
}

// Factory builds the executor for one agent instance.
type Factory func(id Identity) Executor

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterRole maps a role name to an executor factory. Later registrations
// for the same role win.
func RegisterRole(role string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[role] = f
}

// NewExecutor resolves the executor for an identity, falling back to the
// simulated executor for unregistered roles.
func NewExecutor(id Identity) Executor {
	factoryMu.RLock()
	f, ok := factories[id.Role]
	factoryMu.RUnlock()
	if !ok {
		return &simExecutor{}
	}
	return f(id)
}

// simExecutor performs a bounded burst of simulated work. Real deployments
// register role factories instead.
type simExecutor struct{}

func (e *simExecutor) Execute(ctx context.Context, t task.Task) (task.Result, error) {
	d := time.Duration(50+rand.Intn(200)) * time.Millisecond
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
	out, _ := json.Marshal(map[string]any{
		"task_id":     t.ID,
		"task_type":   t.Type,
		"duration_ms": d.Milliseconds(),
	})
	return task.Result{Success: true, Payload: out}, nil
}
