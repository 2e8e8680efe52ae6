package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/voxforge/internal/apperr"
	"github.com/ekisa-team/voxforge/internal/backend"
	"github.com/ekisa-team/voxforge/internal/backend/backendtest"
	"github.com/ekisa-team/voxforge/internal/catalog"
	"github.com/ekisa-team/voxforge/internal/config"
	"github.com/ekisa-team/voxforge/internal/model"
	"github.com/ekisa-team/voxforge/internal/service"
	"github.com/ekisa-team/voxforge/internal/session"
	"github.com/ekisa-team/voxforge/internal/synth"
	"github.com/ekisa-team/voxforge/internal/transfer"
)

const (
	vits = "tts_models/en/ljspeech/vits"
	xtts = "tts_models/multilingual/multi-dataset/xtts_v2"
)

type testServer struct {
	*httptest.Server
	fake *backendtest.Backend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	fake := &backendtest.Backend{Models: []string{vits, xtts}}

	cfg := config.Default()
	cfg.Storage.TempDir = t.TempDir()

	store := session.NewStore(session.Options{})
	t.Cleanup(store.Close)

	tts := service.NewTTS(
		catalog.New(fake, cfg.Catalog.Namespace, cfg.Catalog.CloningMarkers),
		model.NewManager(fake, backend.DeviceCPU),
		synth.NewInvoker(synth.Options{}),
		store,
		backend.ProviderCoqui,
		cfg,
	)

	ts := httptest.NewServer(NewServer("127.0.0.1:0", tts).Handler())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, fake: fake}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return ts.send(t, req)
}

func (ts *testServer) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}

	return resp.StatusCode, out
}

func (ts *testServer) upload(t *testing.T, sessionID, slot, filename string, data []byte) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut,
		ts.URL+"/api/sessions/"+sessionID+"/samples/"+slot, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())

	return ts.send(t, req)
}

func (ts *testServer) newSession(t *testing.T) string {
	t.Helper()

	status, body := ts.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, status)

	return body["id"].(string)
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	page := string(data)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, page, "Coqui TTS Voice Generator")
	assert.Contains(t, page, "Using device: <strong>cpu</strong>")
	assert.Contains(t, page, `<option value="zh-cn">zh-cn</option>`)
	assert.Contains(t, page, `data-slot="female"`)
	assert.Contains(t, page, "Hello! This is Coqui TTS. I can speak in different voices!")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "cpu", body["device"])
}

func TestOptions(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/options", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["languages"], 14)
	assert.Equal(t, []any{"male", "female"}, body["slots"])
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/api/models", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["single_speaker"], 1)
	assert.Len(t, body["voice_cloning"], 1)
	assert.NotContains(t, body, "error")
}

func TestListModels_Failure(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.ListErr = errors.New("no module named TTS")

	status, body := ts.do(t, http.MethodGet, "/api/models?refresh=true", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["single_speaker"])
	assert.Empty(t, body["voice_cloning"])
	assert.Equal(t, "Could not retrieve the list of models", body["error"])
}

func TestPretrainedFlow(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	status, body := ts.do(t, http.MethodPut, "/api/sessions/"+id+"/model", map[string]string{
		"mode":     "pretrained",
		"model_id": vits,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, false, body["capabilities"].(map[string]any)["has_speaker_list"])

	status, body = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/synthesize", map[string]string{"text": "Hello"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "generated_speech.wav", body["filename"])

	audio, err := transfer.Decode(body["player"].(string))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(audio, []byte("RIFF")))
	assert.Contains(t, body["download"], `download="generated_speech.wav"`)

	status, body = ts.do(t, http.MethodGet, "/api/loaded-models", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["models"], 1)
}

func TestCloningFlow(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	status, body := ts.do(t, http.MethodPut, "/api/sessions/"+id+"/model", map[string]string{
		"mode":     "cloning",
		"model_id": xtts,
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/synthesize", map[string]string{
		"text":     "Hello",
		"language": "en",
		"slot":     "male",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Please upload a male voice sample first", body["detail"])
	assert.Zero(t, ts.fake.Syntheses())

	sample, err := backendtest.WAVBytes(16000, 800)
	require.NoError(t, err)

	status, body = ts.upload(t, id, "male", "me.wav", sample)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["samples"], 1)

	status, body = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/synthesize", map[string]string{
		"text":     "Hello",
		"language": "en",
		"slot":     "male",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "male_cloned_speech.wav", body["filename"])

	status, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id+"/samples/male", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id+"/samples/male", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpload_NotWAV(t *testing.T) {
	ts := newTestServer(t)
	id := ts.newSession(t)

	status, body := ts.upload(t, id, "male", "me.wav", []byte("definitely not audio"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Please upload a WAV file", body["detail"])
}

func TestErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.LoadErr = map[string]error{vits: errors.New("checksum mismatch")}

	status, _ := ts.do(t, http.MethodGet, "/api/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)

	id := ts.newSession(t)
	status, body := ts.do(t, http.MethodPut, "/api/sessions/"+id+"/model", map[string]string{
		"mode":     "pretrained",
		"model_id": vits,
	})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.True(t, strings.HasPrefix(body["detail"].(string), "Error loading model"))

	status, body = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "error", body["state"])
}

func TestStatusFor(t *testing.T) {
	tests := map[apperr.Kind]int{
		apperr.KindMissingInput: http.StatusUnprocessableEntity,
		apperr.KindValidation:   http.StatusUnprocessableEntity,
		apperr.KindNotFound:     http.StatusNotFound,
		apperr.KindRateLimited:  http.StatusTooManyRequests,
		apperr.KindLoad:         http.StatusBadGateway,
		apperr.KindCatalog:      http.StatusServiceUnavailable,
		apperr.KindCanceled:     http.StatusRequestTimeout,
		apperr.KindSynthesis:    http.StatusInternalServerError,
		apperr.KindInternal:     http.StatusInternalServerError,
	}

	for kind, want := range tests {
		assert.Equal(t, want, StatusFor(kind), kind)
	}
}
