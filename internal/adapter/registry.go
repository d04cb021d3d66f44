package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an adapter from shared options.
type Factory func(opts Options) (Adapter, error)

// Registry maps adapter names to factories. Population happens by explicit
// Register calls at startup; there is no dynamic discovery.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering the same name twice is a
// programming error.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("adapter %q registered twice", name))
	}
	r.factories[name] = factory
}

// New instantiates the named adapter.
func (r *Registry) New(name string, opts Options) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (available: %v)", name, r.Names())
	}
	a, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("create adapter %q: %w", name, err)
	}
	return a, nil
}

// Names lists registered adapter names, sorted.
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
