package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type RunnerFactory func(ctx context.Context) (Runner, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]RunnerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]RunnerFactory)}
}

func (r *Registry) Register(name string, f RunnerFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string) (Runner, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent runner: %s", name)
	}
	return f(ctx)
}
