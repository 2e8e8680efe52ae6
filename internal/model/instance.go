package model

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ekisa-team/voxforge/internal/backend"
)

// Status is the current loading status of a model.
type Status string

const (
	// StatusUnloaded indicates that the model is not loaded.
	StatusUnloaded Status = "unloaded"

	// StatusLoading indicates that the model is being loaded.
	StatusLoading Status = "loading"

	// StatusLoaded indicates that the model is loaded.
	StatusLoaded Status = "loaded"

	// StatusFailed indicates that the model failed to load.
	StatusFailed Status = "failed"
)

// Capabilities describes what a loaded model accepts, decided once at load
// time.
type Capabilities struct {
	Speakers       []string `json:"speakers"`
	Languages      []string `json:"languages"`
	HasSpeakerList bool     `json:"has_speaker_list"`
}

// Info is a point-in-time copy of an Instance for status reporting.
type Info struct {
	LoadedAt *time.Time     `json:"loaded_at,omitempty"`
	ID       string         `json:"id"`
	Device   backend.Device `json:"device"`
	Status   Status         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Speakers int            `json:"speakers"`
}

// Instance is a model bound to a device. Synthesis calls on one instance
// are serialized through Acquire.
type Instance struct {
	handle   backend.Handle
	slot     chan struct{}
	loadedAt *time.Time
	caps     Capabilities
	ID       string
	Device   backend.Device
	status   Status
	err      string
	mu       sync.RWMutex
}

// NewInstance creates an unloaded instance.
func NewInstance(id string, device backend.Device) *Instance {
	return &Instance{
		ID:     id,
		Device: device,
		status: StatusUnloaded,
		slot:   make(chan struct{}, 1),
	}
}

// SetStatus sets the status of the model instance.
func (i *Instance) SetStatus(status Status) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.status = status
	if status == StatusLoaded {
		now := time.Now()
		i.loadedAt = &now
	}
}

// Status returns the current status.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.status
}

// SetError records err and marks the instance failed.
func (i *Instance) SetError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.err = err.Error()
	i.status = StatusFailed
}

// attach binds a loaded handle and records its capabilities.
func (i *Instance) attach(h backend.Handle) {
	i.mu.Lock()
	i.handle = h
	i.caps = Capabilities{
		Speakers:       slices.Clone(h.Speakers()),
		Languages:      slices.Clone(h.Languages()),
		HasSpeakerList: len(h.Speakers()) > 0,
	}
	i.err = ""
	i.mu.Unlock()

	i.SetStatus(StatusLoaded)
}

// Handle returns the backend handle, or nil before the instance is loaded.
func (i *Instance) Handle() backend.Handle {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.handle
}

// Capabilities returns the speaker and language capabilities.
func (i *Instance) Capabilities() Capabilities {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return Capabilities{
		Speakers:       slices.Clone(i.caps.Speakers),
		Languages:      slices.Clone(i.caps.Languages),
		HasSpeakerList: i.caps.HasSpeakerList,
	}
}

// Alive reports whether the instance is loaded and its handle still usable.
func (i *Instance) Alive() bool {
	h := i.Handle()
	return h != nil && i.Status() == StatusLoaded && h.Alive()
}

// Acquire waits for exclusive use of the instance. The returned func must be
// called to release it.
func (i *Instance) Acquire(ctx context.Context) (func(), error) {
	select {
	case i.slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-i.slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Info returns a snapshot for status reporting.
func (i *Instance) Info() Info {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return Info{
		ID:       i.ID,
		Device:   i.Device,
		Status:   i.status,
		Error:    i.err,
		LoadedAt: i.loadedAt,
		Speakers: len(i.caps.Speakers),
	}
}

func (i *Instance) close() error {
	i.mu.Lock()
	h := i.handle
	i.handle = nil
	i.status = StatusUnloaded
	i.mu.Unlock()

	if h == nil {
		return nil
	}

	return h.Close()
}
