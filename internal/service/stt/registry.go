package stt

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds an adapter from provider-specific settings.
type Factory func(ctx context.Context, settings map[string]any) (Adapter, error)

// Registry maps provider names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeName(name)] = f
}

// Build creates the adapter registered under provider.
func (r *Registry) Build(ctx context.Context, provider string, settings map[string]any) (Adapter, error) {
	r.mu.RLock()
	f := r.factories[normalizeName(provider)]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("stt provider not registered: %q (known: %s)", provider, strings.Join(r.Names(), ", "))
	}
	return f(ctx, settings)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
