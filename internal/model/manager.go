// Package model caches loaded synthesis models so that selecting the same
// model twice reuses the resident handle.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ekisa-team/voxforge/internal/apperr"
	"github.com/ekisa-team/voxforge/internal/backend"
)

// Manager orchestrates model lifecycle. Every model is bound to the device
// chosen when the manager was created.
type Manager struct {
	backend  backend.Backend
	registry *Registry
	loading  map[string]*Instance
	group    singleflight.Group
	device   backend.Device
	mu       sync.Mutex
}

// NewManager creates a new Manager that loads models onto device.
func NewManager(b backend.Backend, device backend.Device) *Manager {
	return &Manager{
		backend:  b,
		device:   device,
		registry: NewRegistry(),
		loading:  make(map[string]*Instance),
	}
}

// Device returns the device every model is bound to.
func (m *Manager) Device() backend.Device {
	return m.device
}

// Registry returns the model registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Get returns the loaded instance for id.
func (m *Manager) Get(id string) (*Instance, error) {
	instance, ok := m.registry.Get(id)
	if !ok || !instance.Alive() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return instance, nil
}

// Load returns the instance for id, loading it on first use. A second call
// with the same id returns the same instance. Concurrent calls share one
// backend load. Failures are not cached.
func (m *Manager) Load(ctx context.Context, id string) (*Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Wrap(apperr.KindValidation, "model.load", ErrEmptyID, "Please select a model")
	}

	if instance, ok := m.registry.Get(id); ok {
		if instance.Alive() {
			return instance, nil
		}
		m.evict(instance, "Reloading model whose worker is gone")
	}

	v, err, shared := m.group.Do(id, func() (any, error) {
		if instance, ok := m.registry.Get(id); ok && instance.Alive() {
			return instance, nil
		}
		return m.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("Joined in-flight model load", "model_id", id)
	}

	return v.(*Instance), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Instance, error) {
	instance := NewInstance(id, m.device)
	instance.SetStatus(StatusLoading)

	m.mu.Lock()
	m.loading[id] = instance
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.loading, id)
		m.mu.Unlock()
	}()

	slog.Info("Loading model", "model_id", id, "device", m.device)
	start := time.Now()

	h, err := m.backend.Load(ctx, id, m.device)
	if err != nil {
		instance.SetError(err)
		slog.Error("Failed to load model", "model_id", id, "error", err)
		return nil, apperr.Wrap(apperr.KindLoad, "model.load", err,
			fmt.Sprintf("Error loading model %s", id))
	}

	instance.attach(h)
	m.registry.Set(instance)

	slog.Info("Model loaded",
		"model_id", id,
		"device", m.device,
		"speakers", len(h.Speakers()),
		"duration", time.Since(start),
	)

	return instance, nil
}

// Unload closes and forgets the instance for id.
func (m *Manager) Unload(id string) error {
	instance, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.registry.Delete(id)
	if err := instance.close(); err != nil {
		return fmt.Errorf("failed to unload %s: %w", id, err)
	}

	slog.Info("Model unloaded", "model_id", id)
	return nil
}

// List reports every loaded or loading model.
func (m *Manager) List() []Info {
	var infos []Info
	for _, instance := range m.registry.List() {
		infos = append(infos, instance.Info())
	}

	m.mu.Lock()
	for _, instance := range m.loading {
		infos = append(infos, instance.Info())
	}
	m.mu.Unlock()

	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// Close closes every loaded model.
func (m *Manager) Close() error {
	var errs []error
	for _, instance := range m.registry.List() {
		m.registry.Delete(instance.ID)
		if err := instance.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", instance.ID, err))
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) evict(instance *Instance, reason string) {
	if !m.registry.CompareAndDelete(instance) {
		return
	}

	slog.Warn(reason, "model_id", instance.ID)
	if err := instance.close(); err != nil {
		slog.Debug("Failed to close stale model", "model_id", instance.ID, "error", err)
	}
}
