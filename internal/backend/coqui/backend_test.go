package coqui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/voxforge/internal/backend"
)

// fakeRunner emulates the bridge script without a Python interpreter.
type fakeRunner struct {
	runStdout []byte
	runStderr []byte
	runErr    error

	// ready is the first line a serve process prints. Empty means the
	// process exits immediately.
	ready string

	// respond answers a synthesis request. nil means never answer.
	respond func(req synthRequest) synthResponse

	// chatter is printed to stdout before each response.
	chatter string

	mu       sync.Mutex
	args     [][]string
	requests []synthRequest
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ io.Reader) ([]byte, []byte, error) {
	f.mu.Lock()
	f.args = append(f.args, args)
	f.mu.Unlock()

	return f.runStdout, f.runStderr, f.runErr
}

func (f *fakeRunner) Start(ctx context.Context, _ string, args []string, stdin io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	f.mu.Lock()
	f.args = append(f.args, args)
	f.mu.Unlock()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer outW.Close()
		defer errW.Close()

		fmt.Fprintln(errW, "loading weights")
		if f.ready == "" {
			return
		}
		fmt.Fprintln(outW, "progress noise")
		fmt.Fprintln(outW, f.ready)

		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			var req synthRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, req)
			f.mu.Unlock()

			if f.respond == nil {
				continue
			}
			if f.chatter != "" {
				fmt.Fprintln(outW, f.chatter)
			}
			resp := f.respond(req)
			line, _ := json.Marshal(resp)
			fmt.Fprintln(outW, string(line))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			outW.CloseWithError(io.EOF)
			errW.CloseWithError(io.EOF)
		case <-done:
		}
	}()

	wait := func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.New("signal: killed")
		}
	}

	return outR, errR, wait, nil
}

func (f *fakeRunner) recorded() []synthRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]synthRequest(nil), f.requests...)
}

func newTestBackend(t *testing.T, runner *fakeRunner) *Backend {
	t.Helper()

	b, err := NewBackend(Options{
		Runner:      runner,
		Python:      "python3",
		CacheDir:    t.TempDir(),
		ListTimeout: time.Second,
		LoadTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func writeOutput(req synthRequest) synthResponse {
	if err := os.WriteFile(req.OutPath, []byte("RIFF"), 0o600); err != nil {
		return synthResponse{ID: req.ID, Error: err.Error()}
	}
	return synthResponse{ID: req.ID, OK: true}
}

func TestNewBackend_MaterializesScript(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackend(Options{Runner: &fakeRunner{}, Python: "python3", CacheDir: dir})
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(b.scriptPath))
	data, err := os.ReadFile(b.scriptPath)
	require.NoError(t, err)
	assert.Equal(t, bridgeScript, data)

	// A second backend reuses the same file.
	again, err := NewBackend(Options{Runner: &fakeRunner{}, Python: "python3", CacheDir: dir})
	require.NoError(t, err)
	assert.Equal(t, b.scriptPath, again.scriptPath)
}

func TestListModels(t *testing.T) {
	runner := &fakeRunner{
		runStdout: []byte("downloading index\n[\"tts_models/en/ljspeech/vits\", \"vocoder_models/en/ljspeech/hifigan_v2\"]\n"),
	}
	b := newTestBackend(t, runner)

	models, err := b.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"tts_models/en/ljspeech/vits", "vocoder_models/en/ljspeech/hifigan_v2"}, models)
	assert.Equal(t, "list", runner.args[0][1])
}

func TestListModels_Failure(t *testing.T) {
	runner := &fakeRunner{
		runStderr: []byte("Traceback\nModuleNotFoundError: No module named 'TTS'\n"),
		runErr:    errors.New("exit status 1"),
	}
	b := newTestBackend(t, runner)

	models, err := b.ListModels(context.Background())
	require.Error(t, err)
	assert.Nil(t, models)
	assert.Contains(t, err.Error(), "No module named 'TTS'")
}

func TestListModels_BadOutput(t *testing.T) {
	b := newTestBackend(t, &fakeRunner{runStdout: []byte("not json\n")})

	_, err := b.ListModels(context.Background())
	assert.ErrorIs(t, err, backend.ErrProtocol)
}

func TestProbeDevice(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
		want   backend.Device
		err    bool
	}{
		{"cuda", &fakeRunner{runStdout: []byte(`{"cuda": true}`)}, backend.DeviceCUDA, false},
		{"cuda with details", &fakeRunner{runStdout: []byte(`{"cuda": true, "device_count": 2, "torch": "2.3.0"}`)}, backend.DeviceCUDA, false},
		{"cpu", &fakeRunner{runStdout: []byte(`{"cuda": false}`)}, backend.DeviceCPU, false},
		{"missing field", &fakeRunner{runStdout: []byte(`{"torch": "2.3.0"}`)}, backend.DeviceCPU, false},
		{"failure", &fakeRunner{runErr: errors.New("boom")}, backend.DeviceCPU, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t, tt.runner)
			got, err := b.ProbeDevice(context.Background())
			assert.Equal(t, tt.want, got)
			if tt.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_AndSynthesize(t *testing.T) {
	runner := &fakeRunner{
		ready:   `{"ready": true, "speakers": ["p225", "p226"], "languages": ["en"]}`,
		respond: writeOutput,
	}
	b := newTestBackend(t, runner)

	h, err := b.Load(context.Background(), "tts_models/en/vctk/vits", backend.DeviceCPU)
	require.NoError(t, err)

	assert.Equal(t, "tts_models/en/vctk/vits", h.ModelID())
	assert.Equal(t, backend.DeviceCPU, h.Device())
	assert.Equal(t, []string{"p225", "p226"}, h.Speakers())
	assert.Equal(t, []string{"en"}, h.Languages())
	assert.True(t, h.Alive())

	out := filepath.Join(t.TempDir(), "out.wav")
	err = h.SynthesizeToFile(context.Background(), &backend.Request{
		Text:       "hello",
		OutputPath: out,
		Speaker:    "p226",
		Language:   "en",
	})
	require.NoError(t, err)
	assert.FileExists(t, out)

	reqs := runner.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello", reqs[0].Text)
	assert.Equal(t, "p226", reqs[0].Speaker)
	assert.Equal(t, "en", reqs[0].Language)
	assert.Empty(t, reqs[0].SpeakerWav)

	serveArgs := runner.args[0]
	assert.Equal(t, []string{"serve", "--model", "tts_models/en/vctk/vits", "--device", "cpu"}, serveArgs[1:])
}

func TestLoad_NotReady(t *testing.T) {
	b := newTestBackend(t, &fakeRunner{ready: `{"ready": false, "error": "model not found"}`})

	h, err := b.Load(context.Background(), "tts_models/xx/nope", backend.DeviceCPU)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, backend.ErrNotReady)
	assert.Contains(t, err.Error(), "model not found")
}

func TestLoad_ProcessExits(t *testing.T) {
	b := newTestBackend(t, &fakeRunner{})

	_, err := b.Load(context.Background(), "tts_models/en/ljspeech/vits", backend.DeviceCPU)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrNotReady)
	assert.Contains(t, err.Error(), "loading weights")
}

func TestSynthesize_Failure(t *testing.T) {
	runner := &fakeRunner{
		ready: `{"ready": true}`,
		respond: func(req synthRequest) synthResponse {
			return synthResponse{ID: req.ID, Error: "speaker required"}
		},
	}
	b := newTestBackend(t, runner)

	h, err := b.Load(context.Background(), "tts_models/en/vctk/vits", backend.DeviceCPU)
	require.NoError(t, err)

	err = h.SynthesizeToFile(context.Background(), &backend.Request{Text: "hi", OutputPath: "/tmp/x.wav"})
	require.EqualError(t, err, "speaker required")
	assert.True(t, h.Alive())
}

func TestSynthesize_SkipsNonJSONOutput(t *testing.T) {
	runner := &fakeRunner{
		ready:   `{"ready": true}`,
		respond: writeOutput,
		chatter: "[native] cudnn warning: algorithm fallback",
	}
	b := newTestBackend(t, runner)

	h, err := b.Load(context.Background(), "tts_models/en/ljspeech/vits", backend.DeviceCPU)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.wav")
	err = h.SynthesizeToFile(context.Background(), &backend.Request{Text: "hi", OutputPath: out})
	require.NoError(t, err)
	assert.FileExists(t, out)
	assert.True(t, h.Alive())

	require.NoError(t, os.Remove(out))

	// A second request still pairs with its own response.
	err = h.SynthesizeToFile(context.Background(), &backend.Request{Text: "again", OutputPath: out})
	require.NoError(t, err)
	assert.FileExists(t, out)
	assert.Len(t, runner.recorded(), 2)
}

func TestSynthesize_CancelKillsWorker(t *testing.T) {
	runner := &fakeRunner{ready: `{"ready": true}`}
	b := newTestBackend(t, runner)

	h, err := b.Load(context.Background(), "tts_models/en/ljspeech/vits", backend.DeviceCPU)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = h.SynthesizeToFile(ctx, &backend.Request{Text: "hi", OutputPath: "/tmp/x.wav"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, h.Alive())

	err = h.SynthesizeToFile(context.Background(), &backend.Request{Text: "hi", OutputPath: "/tmp/x.wav"})
	assert.ErrorIs(t, err, backend.ErrHandleClosed)
}

func TestClose(t *testing.T) {
	b := newTestBackend(t, &fakeRunner{ready: `{"ready": true}`, respond: writeOutput})

	h, err := b.Load(context.Background(), "tts_models/en/ljspeech/vits", backend.DeviceCPU)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	assert.False(t, h.Alive())
	require.NoError(t, h.Close())

	b.mu.Lock()
	assert.Empty(t, b.workers)
	b.mu.Unlock()

	err = h.SynthesizeToFile(context.Background(), &backend.Request{Text: "hi", OutputPath: "/tmp/x.wav"})
	assert.ErrorIs(t, err, backend.ErrHandleClosed)
}

func TestDecodeLastLine(t *testing.T) {
	var v []string
	require.NoError(t, decodeLastLine([]byte("noise\n[\"a\"]\n\n"), &v))
	assert.Equal(t, []string{"a"}, v)

	assert.ErrorIs(t, decodeLastLine([]byte("  \n"), &v), backend.ErrProtocol)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(2)
	tb.add("one")
	tb.add("two")
	tb.add("three")
	assert.Equal(t, "two\nthree", tb.String())
}
