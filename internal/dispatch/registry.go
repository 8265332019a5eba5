// Package dispatch maps entity paths to backend adapters and executes single
// CRUD calls against them with the caller's auth context injected.
package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"loomcore/pkg/resolver"
)

// Registry owns resolver factories and entity bindings. It is explicit,
// per-runtime state; tests instantiate isolated registries instead of
// relying on process-wide singletons.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]resolver.Factory
	bindings    map[string]string
	defaultName string
}

// NewRegistry constructs an empty resolver registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]resolver.Factory),
		bindings:  make(map[string]string),
	}
}

// RegisterResolver stores a zero-argument factory under name. A fresh
// resolver session is constructed from it per dispatch call, never shared
// across calls.
func (r *Registry) RegisterResolver(name string, factory resolver.Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("resolver registration requires a name and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("resolver %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// SetResolver binds a fully-qualified entity path to a registered resolver.
// Binding to an unregistered name fails immediately.
func (r *Registry) SetResolver(entityPath, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		return &resolver.NotFoundError{Name: name}
	}
	r.bindings[entityPath] = name
	return nil
}

// SetDefault configures the fallback resolver for unbound entities.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		return &resolver.NotFoundError{Name: name}
	}
	r.defaultName = name
	return nil
}

// ResolverName returns the resolver bound to entityPath, falling back to the
// default. Absent both, the entity is unbound: a configuration bug surfaced
// immediately.
func (r *Registry) ResolverName(entityPath string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.bindings[entityPath]; ok {
		return name, nil
	}
	if r.defaultName != "" {
		return r.defaultName, nil
	}
	return "", &resolver.UnboundEntityError{EntityPath: entityPath}
}

// NewSession constructs a fresh resolver session for a registered name.
func (r *Registry) NewSession(name string) (resolver.Resolver, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &resolver.NotFoundError{Name: name}
	}
	return factory(), nil
}

// GetResolver resolves the entity binding and constructs a session in one
// step.
func (r *Registry) GetResolver(entityPath string) (resolver.Resolver, string, error) {
	name, err := r.ResolverName(entityPath)
	if err != nil {
		return nil, "", err
	}
	session, err := r.NewSession(name)
	if err != nil {
		return nil, "", err
	}
	return session, name, nil
}

// SupportsTransactions constructs a throwaway session for name and reports
// whether it implements the transaction capability.
func (r *Registry) SupportsTransactions(name string) (bool, error) {
	session, err := r.NewSession(name)
	if err != nil {
		return false, err
	}
	_, ok := session.(resolver.Transactional)
	return ok, nil
}

// ResolverNames returns registered resolver names, sorted.
func (r *Registry) ResolverNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bindings returns a copy of the entity binding table.
func (r *Registry) Bindings() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.bindings))
	for k, v := range r.bindings {
		out[k] = v
	}
	return out
}
