// Package backendtest provides an in-memory backend.Backend for tests that
// must not start Python.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ekisa-team/voxforge/internal/backend"
)

// Backend is a scripted backend.Backend.
type Backend struct {
	// Models is returned by ListModels.
	Models []string
	// ListErr fails ListModels.
	ListErr error
	// LoadErr fails Load for the listed ids.
	LoadErr map[string]error
	// Speakers maps a model id to its named speakers.
	Speakers map[string][]string
	// Languages maps a model id to its advertised languages.
	Languages map[string][]string
	// Synthesize replaces the default behaviour of writing a short WAV.
	Synthesize func(ctx context.Context, req *backend.Request) error

	Device backend.Device

	loads     atomic.Int32
	synths    atomic.Int32
	mu        sync.Mutex
	requests  []backend.Request
	handles   []*Handle
	listCalls atomic.Int32
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Provider() backend.Provider { return backend.ProviderCoqui }

func (b *Backend) ListModels(context.Context) ([]string, error) {
	b.listCalls.Add(1)
	if b.ListErr != nil {
		return nil, b.ListErr
	}

	return slices.Clone(b.Models), nil
}

func (b *Backend) ProbeDevice(context.Context) (backend.Device, error) {
	if b.Device == "" {
		return backend.DeviceCPU, nil
	}

	return b.Device, nil
}

func (b *Backend) Load(ctx context.Context, modelID string, device backend.Device) (backend.Handle, error) {
	b.loads.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.LoadErr[modelID]; err != nil {
		return nil, err
	}

	h := &Handle{
		owner:     b,
		modelID:   modelID,
		device:    device,
		speakers:  b.Speakers[modelID],
		languages: b.Languages[modelID],
	}
	h.alive.Store(true)

	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()

	return h, nil
}

func (b *Backend) Close() error { return nil }

// Loads returns how many times Load was called.
func (b *Backend) Loads() int { return int(b.loads.Load()) }

// Syntheses returns how many synthesis calls reached a handle.
func (b *Backend) Syntheses() int { return int(b.synths.Load()) }

// ListCalls returns how many times ListModels was called.
func (b *Backend) ListCalls() int { return int(b.listCalls.Load()) }

// Requests returns every synthesis request seen so far.
func (b *Backend) Requests() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.requests)
}

// Handles returns every handle created by Load.
func (b *Backend) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.handles)
}

// Handle is a fake loaded model.
type Handle struct {
	owner     *Backend
	modelID   string
	device    backend.Device
	speakers  []string
	languages []string
	alive     atomic.Bool
}

func (h *Handle) ModelID() string        { return h.modelID }
func (h *Handle) Device() backend.Device { return h.device }
func (h *Handle) Speakers() []string     { return h.speakers }
func (h *Handle) Languages() []string    { return h.languages }
func (h *Handle) Alive() bool            { return h.alive.Load() }

// Kill simulates a worker that exited on its own.
func (h *Handle) Kill() { h.alive.Store(false) }

func (h *Handle) SynthesizeToFile(ctx context.Context, req *backend.Request) error {
	if !h.Alive() {
		return backend.ErrHandleClosed
	}

	h.owner.synths.Add(1)
	h.owner.mu.Lock()
	h.owner.requests = append(h.owner.requests, *req)
	h.owner.mu.Unlock()

	if h.owner.Synthesize != nil {
		return h.owner.Synthesize(ctx, req)
	}

	return WriteWAV(req.OutputPath, 22050, 2205)
}

func (h *Handle) Close() error {
	h.alive.Store(false)
	return nil
}

// WriteWAV writes a mono 16-bit WAV of frames silent samples to path.
func WriteWAV(path string, sampleRate, frames int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}

	return enc.Close()
}

// WAVBytes returns the bytes of a WAV written by WriteWAV.
func WAVBytes(sampleRate, frames int) ([]byte, error) {
	f, err := os.CreateTemp("", "backendtest-*.wav")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()
	defer os.Remove(path)

	if err := WriteWAV(path, sampleRate, frames); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		return nil, errors.New("backendtest: encoder did not write a RIFF header")
	}

	return data, nil
}
