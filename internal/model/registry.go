package model

import (
	"slices"
	"strings"
	"sync"
)

// Registry stores loaded model instances.
type Registry struct {
	models map[string]*Instance
	mu     sync.RWMutex
}

// NewRegistry creates a new model registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]*Instance),
	}
}

// Set adds a model instance to the registry.
func (r *Registry) Set(instance *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.models[instance.ID] = instance
}

// Get returns the model instance with the given ID.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.models[id]
	return instance, ok
}

// List returns all model instances ordered by ID.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*Instance, 0, len(r.models))
	for _, instance := range r.models {
		instances = append(instances, instance)
	}
	slices.SortFunc(instances, func(a, b *Instance) int { return strings.Compare(a.ID, b.ID) })

	return instances
}

// Delete deletes the model instance with the given ID.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.models, id)
}

// CompareAndDelete deletes id only while it still maps to instance.
func (r *Registry) CompareAndDelete(instance *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.models[instance.ID] != instance {
		return false
	}
	delete(r.models, instance.ID)

	return true
}
