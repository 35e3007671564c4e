package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StepExecutor performs one action type. Implementations read their
// settings from cfg and the trigger snapshot from execCtx, and return
// any outputs later steps can reference under step_outputs. A
// *ConfigurationError return suppresses retries.
type StepExecutor interface {
	Execute(ctx context.Context, cfg map[string]any, execCtx Context) (map[string]any, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, cfg map[string]any, execCtx Context) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, cfg map[string]any, execCtx Context) (map[string]any, error) {
	return f(ctx, cfg, execCtx)
}

// Registry maps action types to executors. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	executors map[ActionType]StepExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[ActionType]StepExecutor)}
}

func (r *Registry) Register(t ActionType, e StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

func (r *Registry) Lookup(t ActionType) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for action type %q", t)
	}
	return e, nil
}

// ActionTypes lists the registered types, sorted, for the templates and
// validation endpoints.
func (r *Registry) ActionTypes() []ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
