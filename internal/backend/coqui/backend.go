// Package coqui drives the Coqui TTS Python library through a small bridge
// script. Every loaded model lives in its own worker process that keeps the
// weights resident on the chosen device and answers one request per line.
package coqui

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ekisa-team/voxforge/internal/backend"
	"github.com/ekisa-team/voxforge/internal/mapsafe"
	"github.com/ekisa-team/voxforge/internal/xfs"
)

//go:embed bridge.py
var bridgeScript []byte

// Options configures the Coqui backend.
type Options struct {
	// Runner replaces os/exec, used by tests.
	Runner backend.CommandRunner

	// Python is the interpreter that has the TTS package installed.
	Python string

	// CacheDir receives the bridge script.
	CacheDir string

	ListTimeout time.Duration
	LoadTimeout time.Duration
}

// Backend implements backend.Backend for Coqui TTS.
type Backend struct {
	executor    *backend.Executor
	workers     map[*worker]struct{}
	scriptPath  string
	listTimeout time.Duration
	loadTimeout time.Duration
	mu          sync.Mutex
}

// NewBackend creates a new Coqui backend.
func NewBackend(opts Options) (*Backend, error) {
	var (
		executor *backend.Executor
		err      error
	)
	if opts.Runner != nil {
		executor = backend.NewExecutorWithRunner(opts.Python, opts.ListTimeout, opts.Runner)
	} else {
		executor, err = backend.NewExecutor(opts.Python, opts.ListTimeout)
		if err != nil {
			return nil, err
		}
	}

	scriptPath, err := materializeScript(xfs.ExpandTilde(opts.CacheDir))
	if err != nil {
		return nil, err
	}

	return &Backend{
		executor:    executor,
		scriptPath:  scriptPath,
		listTimeout: opts.ListTimeout,
		loadTimeout: opts.LoadTimeout,
		workers:     make(map[*worker]struct{}),
	}, nil
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.Provider {
	return backend.ProviderCoqui
}

// ListModels returns every model name known to the installed TTS package.
func (b *Backend) ListModels(ctx context.Context) ([]string, error) {
	stdout, stderr, err := b.executor.ExecuteWithTimeout(ctx, b.listTimeout, []string{b.scriptPath, "list"}, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: list models: %w: %s", err, lastLines(stderr, 5))
	}

	var models []string
	if err := decodeLastLine(stdout, &models); err != nil {
		return nil, fmt.Errorf("coqui: list models: %w", err)
	}

	return models, nil
}

// ProbeDevice asks torch whether CUDA is available.
func (b *Backend) ProbeDevice(ctx context.Context) (backend.Device, error) {
	stdout, stderr, err := b.executor.ExecuteWithTimeout(ctx, b.listTimeout, []string{b.scriptPath, "probe"}, nil)
	if err != nil {
		return backend.DeviceCPU, fmt.Errorf("coqui: probe device: %w: %s", err, lastLines(stderr, 5))
	}

	// Older bridge versions report fewer fields, so read it loosely.
	var probe map[string]any
	if err := decodeLastLine(stdout, &probe); err != nil {
		return backend.DeviceCPU, fmt.Errorf("coqui: probe device: %w", err)
	}

	slog.Debug("Probed torch device",
		"torch", mapsafe.Get(probe, "torch", ""),
		"cuda", mapsafe.Get(probe, "cuda", false),
		"device_count", mapsafe.Get(probe, "device_count", 0),
	)

	if mapsafe.Get(probe, "cuda", false) {
		return backend.DeviceCUDA, nil
	}

	return backend.DeviceCPU, nil
}

// Load starts a worker process for modelID and waits until it reports ready.
// The first load of a model may download its weights.
func (b *Backend) Load(ctx context.Context, modelID string, device backend.Device) (backend.Handle, error) {
	args := []string{b.scriptPath, "serve", "--model", modelID, "--device", string(device)}

	// The process outlives the request that loads it.
	procCtx, cancel := context.WithCancel(context.Background())
	stdinR, stdinW := io.Pipe()

	stdout, stderr, wait, err := b.executor.Spawn(procCtx, args, stdinR)
	if err != nil {
		cancel()
		_ = stdinR.Close()
		return nil, fmt.Errorf("coqui: load %s: %w", modelID, err)
	}

	w := newWorker(modelID, device, stdinR, stdinW, cancel)
	w.onClose = b.forget
	w.start(stdout, stderr, wait)

	if err := w.awaitReady(ctx, b.loadTimeout); err != nil {
		w.kill()
		return nil, fmt.Errorf("coqui: load %s: %w", modelID, err)
	}

	b.mu.Lock()
	b.workers[w] = struct{}{}
	b.mu.Unlock()

	slog.Info("Coqui worker ready",
		"model_id", modelID,
		"device", device,
		"speakers", len(w.speakers),
		"languages", len(w.languages),
	)

	return w, nil
}

// Close stops every worker that is still running.
func (b *Backend) Close() error {
	b.mu.Lock()
	workers := make([]*worker, 0, len(b.workers))
	for w := range b.workers {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			slog.Warn("Failed to stop worker", "model_id", w.modelID, "error", err)
		}
	}

	return nil
}

func (b *Backend) forget(w *worker) {
	b.mu.Lock()
	delete(b.workers, w)
	b.mu.Unlock()
}

// materializeScript writes the embedded bridge into dir under a content
// addressed name so upgrades never run a stale copy.
func materializeScript(dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := xfs.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("coqui: failed to create cache dir: %w", err)
	}

	sum := sha256.Sum256(bridgeScript)
	path := filepath.Join(dir, "bridge-"+hex.EncodeToString(sum[:6])+".py")

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, bridgeScript) {
		return path, nil
	}

	tmp, err := os.CreateTemp(dir, "bridge-*.py.tmp")
	if err != nil {
		return "", fmt.Errorf("coqui: failed to write bridge script: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(bridgeScript); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("coqui: failed to write bridge script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("coqui: failed to write bridge script: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("coqui: failed to install bridge script: %w", err)
	}

	return path, nil
}

// decodeLastLine decodes the last non-empty line of out. Libraries tend to
// print progress to stdout before the bridge can redirect it.
func decodeLastLine(out []byte, v any) error {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("%w: %v", backend.ErrProtocol, err)
		}
		return nil
	}

	return fmt.Errorf("%w: empty output", backend.ErrProtocol)
}

// lastLines returns at most n trailing lines of out.
func lastLines(out []byte, n int) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return string(bytes.Join(lines, []byte("\n")))
}
