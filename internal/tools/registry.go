package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds tool specs and provides lookup by name and category.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec

	// byCategory provides fast lookup by pipeline stage.
	byCategory map[Category][]*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:      make(map[string]*Spec),
		byCategory: make(map[Category][]*Spec),
	}
}

// Register adds a spec. Duplicate names are an error.
func (r *Registry) Register(spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid tool spec: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, spec.Name)
	}

	if spec.Priority == 0 {
		spec.Priority = 50
	}

	r.specs[spec.Name] = spec
	r.byCategory[spec.Category] = append(r.byCategory[spec.Category], spec)
	return nil
}

// MustRegister registers a spec and panics on error. Use for the static
// builtin set.
func (r *Registry) MustRegister(spec *Spec) {
	if err := r.Register(spec); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", spec.Name, err))
	}
}

// Get returns a spec by name, or nil if not registered.
func (r *Registry) Get(name string) *Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[name]
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// GetByCategory returns the category's specs sorted by priority,
// highest first.
func (r *Registry) GetByCategory(category Category) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]*Spec, len(r.byCategory[category]))
	copy(specs, r.byCategory[category])

	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Priority > specs[j].Priority
	})
	return specs
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered specs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Builtin returns a registry loaded with every adapter this package
// ships.
func Builtin() *Registry {
	r := NewRegistry()
	registerSubdomainTools(r)
	registerDNSTools(r)
	registerHTTPTools(r)
	registerNetTools(r)
	registerVulnTools(r)
	return r
}
