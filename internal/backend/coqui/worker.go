package coqui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ekisa-team/voxforge/internal/backend"
)

// closeGrace is how long Close waits for a worker to exit after its stdin
// is closed before killing it.
const closeGrace = 5 * time.Second

// maxLine bounds a single protocol line. The ready line carries speaker lists.
const maxLine = 4 << 20

type readyMessage struct {
	Ready     bool     `json:"ready"`
	Error     string   `json:"error"`
	Speakers  []string `json:"speakers"`
	Languages []string `json:"languages"`
}

type synthRequest struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	OutPath    string `json:"out_path"`
	Speaker    string `json:"speaker,omitempty"`
	SpeakerWav string `json:"speaker_wav,omitempty"`
	Language   string `json:"language,omitempty"`
}

type synthResponse struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// worker is a backend.Handle backed by one "serve" process.
type worker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	cancel  context.CancelFunc
	lines   chan []byte
	stopped chan struct{}
	exited  chan struct{}
	exitErr error
	stderr  *tailBuffer
	onClose func(*worker)

	modelID   string
	device    backend.Device
	speakers  []string
	languages []string

	mu        sync.Mutex
	closed    atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
}

func newWorker(modelID string, device backend.Device, stdinR *io.PipeReader, stdinW *io.PipeWriter, cancel context.CancelFunc) *worker {
	return &worker{
		modelID: modelID,
		device:  device,
		stdinR:  stdinR,
		stdinW:  stdinW,
		cancel:  cancel,
		lines:   make(chan []byte, 8),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
		stderr:  newTailBuffer(16),
	}
}

func (w *worker) start(stdout, stderr io.ReadCloser, wait func() error) {
	stderrDone := make(chan struct{})

	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := scanner.Text()
			w.stderr.add(line)
			slog.Debug("Worker output", "model_id", w.modelID, "line", line)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case w.lines <- line:
			case <-w.stopped:
			}
		}

		<-stderrDone
		w.exitErr = wait()
		// Unblock any writer still feeding a process that is gone.
		_ = w.stdinR.CloseWithError(backend.ErrHandleClosed)
		close(w.exited)

		slog.Debug("Worker exited", "model_id", w.modelID, "error", w.exitErr)
	}()
}

func (w *worker) awaitReady(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case line := <-w.lines:
			var msg readyMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				// Stray output printed before the bridge took over stdout.
				continue
			}
			if !msg.Ready {
				if msg.Error == "" {
					return backend.ErrNotReady
				}
				return fmt.Errorf("%w: %s", backend.ErrNotReady, msg.Error)
			}
			w.speakers = msg.Speakers
			w.languages = msg.Languages
			return nil
		case <-w.exited:
			return fmt.Errorf("%w: worker exited: %v: %s", backend.ErrNotReady, w.exitErr, w.stderr.String())
		case <-timer:
			return fmt.Errorf("%w: timed out after %s", backend.ErrNotReady, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *worker) ModelID() string        { return w.modelID }
func (w *worker) Device() backend.Device { return w.device }
func (w *worker) Speakers() []string     { return w.speakers }
func (w *worker) Languages() []string    { return w.languages }

func (w *worker) Alive() bool {
	if w.closed.Load() {
		return false
	}
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// SynthesizeToFile sends one request and waits for its answer. When ctx ends
// first the worker is killed and reaped so it can no longer write to
// req.OutputPath.
func (w *worker) SynthesizeToFile(ctx context.Context, req *backend.Request) error {
	if !w.Alive() {
		return backend.ErrHandleClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	payload, err := json.Marshal(synthRequest{
		ID:         id,
		Text:       req.Text,
		OutPath:    req.OutputPath,
		Speaker:    req.Speaker,
		SpeakerWav: req.ReferenceAudioPath,
		Language:   req.Language,
	})
	if err != nil {
		return err
	}

	if _, err := w.stdinW.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrHandleClosed, err)
	}

	for {
		select {
		case line := <-w.lines:
			var resp synthResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				// Native libraries may print to stdout while the request runs.
				slog.Debug("Ignoring worker output", "model_id", w.modelID, "line", string(line))
				continue
			}
			if resp.ID != id {
				slog.Debug("Ignoring stale response", "model_id", w.modelID, "id", resp.ID)
				continue
			}
			if !resp.OK {
				return errors.New(resp.Error)
			}
			return nil
		case <-w.exited:
			return fmt.Errorf("%w: worker exited: %v: %s", backend.ErrHandleClosed, w.exitErr, w.stderr.String())
		case <-ctx.Done():
			w.kill()
			return ctx.Err()
		}
	}
}

// Close asks the worker to exit by closing its stdin and kills it if it
// does not comply in time.
func (w *worker) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		_ = w.stdinW.Close()

		select {
		case <-w.exited:
		case <-time.After(closeGrace):
			slog.Warn("Worker did not exit, killing", "model_id", w.modelID)
		}
		w.kill()

		if w.onClose != nil {
			w.onClose(w)
		}
	})

	return nil
}

// kill terminates the process and blocks until it has been reaped.
func (w *worker) kill() {
	w.stopOnce.Do(func() {
		w.closed.Store(true)
		w.cancel()
		close(w.stopped)
	})
	<-w.exited
}

// tailBuffer keeps the last few lines a worker wrote to stderr.
type tailBuffer struct {
	lines []string
	max   int
	mu    sync.Mutex
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return strings.Join(t.lines, "\n")
}
