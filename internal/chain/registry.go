package chain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blocktimefinancial/refractor/internal/registry"
)

// Registry lazily constructs and caches one Handler per registered
// blockchain id.
type Registry struct {
	reg       *registry.Registry
	mu        sync.RWMutex
	factories map[string]Factory
	handlers  map[string]Handler
}

// NewRegistry builds an empty chain handler registry bound to reg.
func NewRegistry(reg *registry.Registry) *Registry {
	return &Registry{
		reg:       reg,
		factories: make(map[string]Factory),
		handlers:  make(map[string]Handler),
	}
}

// Register installs factory for blockchain. Intended to be called once
// per chain at process start; registering the same id twice is an error.
func (r *Registry) Register(blockchain string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(blockchain)
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("chain handler %q already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// Get returns the Handler for blockchain, constructing and caching it on
// first use. Returns KindUnimplemented if no factory is registered.
func (r *Registry) Get(blockchain string) (Handler, error) {
	key := strings.ToLower(blockchain)

	r.mu.RLock()
	if h, ok := r.handlers[key]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handlers[key]; ok {
		return h, nil
	}

	factory, ok := r.factories[key]
	if !ok {
		return nil, NewError(KindUnimplemented, fmt.Sprintf("no handler registered for blockchain %q", key), nil)
	}

	h, err := factory(r.reg)
	if err != nil {
		return nil, err
	}
	r.handlers[key] = h
	return h, nil
}

// Supported returns the blockchain ids with a registered factory.
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}
