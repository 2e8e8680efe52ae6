package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/voxforge/internal/env"
	"github.com/ekisa-team/voxforge/internal/envvar"
)

func TestNew_ProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(env.Production, WithConsole(&buf), WithLevel(slog.LevelInfo))

	log.Info("Model loaded", "model_id", "tts_models/en/ljspeech/vits")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Model loaded", record["msg"])
	assert.Equal(t, "tts_models/en/ljspeech/vits", record["model_id"])
}

func TestNew_DevelopmentUsesTint(t *testing.T) {
	var buf bytes.Buffer
	log := New(env.Test, WithConsole(&buf))

	log.Warn("Catalog unavailable", "error", "boom")

	out := buf.String()
	assert.Contains(t, out, "Catalog unavailable")
	assert.Contains(t, out, "error=boom")
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestNew_FansOutToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "voxforge.log")
	log := New(env.Test, WithConsole(&buf), WithLogToFile(true), WithLogFile(path))

	log.With("session_id", "abc").Info("Speech generated", "bytes", 42)

	assert.Contains(t, buf.String(), "Speech generated")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "abc", record["session_id"])
	assert.EqualValues(t, 42, record["bytes"])
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(env.Production, WithConsole(&buf), WithLevel(slog.LevelInfo))

	log.Debug("Worker line", "line", "noise")
	assert.Empty(t, buf.String())
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(envvar.VoxforgeLogLevel, "debug")
	assert.Equal(t, slog.LevelDebug, LevelFromEnv())

	t.Setenv(envvar.VoxforgeLogLevel, "nonsense")
	assert.Equal(t, slog.LevelInfo, LevelFromEnv())
}
