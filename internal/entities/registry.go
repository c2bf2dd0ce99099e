package entities

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrDuplicateType     = errors.New("entity type already registered")
)

// Registry maps namespaced type tags to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

func (r *Registry) Lookup(entityType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return h, nil
}

func (r *Registry) MustLookup(entityType string) Handler {
	h, err := r.Lookup(entityType)
	if err != nil {
		panic(err)
	}
	return h
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
