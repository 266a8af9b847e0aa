package tasks

import (
	"context"
	"sync"

	"github.com/trialops/sdvlink-backend/internal/types"
)

// HandlerFunc executes one claimed task. A nil return marks the task
// succeeded; an error sends it back through the retry budget.
type HandlerFunc func(ctx context.Context, task *types.Task) error

// Registry maps task types to handlers. Registration happens during
// wiring, before the worker pool starts; Resolve is read-mostly.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(taskType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Resolve(taskType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}
