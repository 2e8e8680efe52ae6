// Package synth validates synthesis requests and runs them against a loaded
// model, owning every temporary file the external library needs.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ekisa-team/voxforge/internal/apperr"
	"github.com/ekisa-team/voxforge/internal/backend"
	"github.com/ekisa-team/voxforge/internal/model"
	"github.com/ekisa-team/voxforge/internal/xfs"
)

const op = "synth.synthesize"

// Mode selects between named or built-in voices and voice cloning.
type Mode string

const (
	ModePretrained Mode = "pretrained"
	ModeCloning    Mode = "cloning"
)

// ParseMode converts a user-supplied mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModePretrained:
		return ModePretrained, nil
	case ModeCloning:
		return ModeCloning, nil
	default:
		return "", apperr.New(apperr.KindValidation, "synth.mode", fmt.Sprintf("Unknown mode %q", raw))
	}
}

// Request is one synthesis request.
type Request struct {
	Mode           Mode
	Text           string
	Speaker        string
	Language       string
	ReferenceAudio []byte
}

// Result is the synthesized audio held in memory.
type Result struct {
	Audio     []byte
	RequestID string
	AudioInfo
	Elapsed time.Duration
}

// Options are the limits the invoker enforces.
type Options struct {
	TempDir        string
	Languages      []string
	MaxTextLength  int
	MaxSampleBytes int64
}

// Invoker runs synthesis requests.
type Invoker struct {
	opts atomic.Pointer[Options]
}

// NewInvoker creates an invoker.
func NewInvoker(opts Options) *Invoker {
	inv := &Invoker{}
	inv.SetOptions(opts)

	return inv
}

// SetOptions replaces the limits for subsequent requests.
func (inv *Invoker) SetOptions(opts Options) {
	opts.Languages = slices.Clone(opts.Languages)
	inv.opts.Store(&opts)
}

// Options returns the current limits.
func (inv *Invoker) Options() Options {
	return *inv.opts.Load()
}

// Validate checks req against the capabilities of the loaded model without
// touching the filesystem.
func (inv *Invoker) Validate(caps model.Capabilities, req Request) error {
	opts := inv.Options()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return apperr.New(apperr.KindMissingInput, op, "Please enter some text to synthesize")
	}
	if opts.MaxTextLength > 0 && utf8.RuneCountInString(text) > opts.MaxTextLength {
		return apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("Text is too long, the limit is %d characters", opts.MaxTextLength))
	}

	switch req.Mode {
	case ModePretrained:
		return validateSpeaker(caps, req.Speaker)
	case ModeCloning:
		return inv.validateCloning(opts, req)
	default:
		return apperr.New(apperr.KindValidation, op, fmt.Sprintf("Unknown mode %q", req.Mode))
	}
}

func validateSpeaker(caps model.Capabilities, speaker string) error {
	if !caps.HasSpeakerList {
		if speaker != "" {
			return apperr.New(apperr.KindValidation, op, "This model has a single voice, no speaker can be selected")
		}
		return nil
	}

	if speaker == "" {
		return apperr.New(apperr.KindMissingInput, op, "Please select a speaker")
	}
	if !slices.Contains(caps.Speakers, speaker) {
		return apperr.New(apperr.KindValidation, op, fmt.Sprintf("Unknown speaker %q for this model", speaker))
	}

	return nil
}

func (inv *Invoker) validateCloning(opts Options, req Request) error {
	if len(req.ReferenceAudio) == 0 {
		return apperr.New(apperr.KindMissingInput, op, "Please upload a voice sample first")
	}
	if opts.MaxSampleBytes > 0 && int64(len(req.ReferenceAudio)) > opts.MaxSampleBytes {
		return apperr.New(apperr.KindValidation, op, "The voice sample is too large")
	}
	if _, err := InspectWAV(req.ReferenceAudio); err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err, "The voice sample must be a WAV file")
	}
	if !slices.Contains(opts.Languages, req.Language) {
		return apperr.New(apperr.KindValidation, op, fmt.Sprintf("Unsupported language %q", req.Language))
	}

	return nil
}

// Synthesize validates req, runs it on inst and returns the audio. Calls on
// one instance run one at a time. Every temporary file is removed before
// Synthesize returns.
func (inv *Invoker) Synthesize(ctx context.Context, inst *model.Instance, req Request) (*Result, error) {
	requestID := uuid.NewString()
	log := slog.With("request_id", requestID, "model_id", inst.ID, "mode", req.Mode)

	req.Text = strings.TrimSpace(req.Text)
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))

	if err := inv.Validate(inst.Capabilities(), req); err != nil {
		log.Info("Rejected synthesis request", "error", err)
		return nil, err
	}

	h := inst.Handle()
	if h == nil || !inst.Alive() {
		return nil, apperr.Wrap(apperr.KindLoad, op, model.ErrUnloaded,
			"The selected model is no longer loaded, please select it again")
	}

	release, err := inst.Acquire(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCanceled, op, err, "")
	}
	defer release()

	start := time.Now()
	opts := inv.Options()

	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := xfs.EnsureDir(dir); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "Could not prepare a temporary directory")
	}

	breq := &backend.Request{Text: req.Text}
	switch req.Mode {
	case ModeCloning:
		refPath, err := writeTemp(dir, "voxforge-ref-*.wav", req.ReferenceAudio)
		if refPath != "" {
			defer removeTemp(log, refPath)
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err, "Could not store the voice sample")
		}
		breq.ReferenceAudioPath = refPath
		breq.Language = req.Language
	case ModePretrained:
		breq.Speaker = req.Speaker
	}

	outPath, err := writeTemp(dir, "voxforge-out-*.wav", nil)
	if outPath != "" {
		defer removeTemp(log, outPath)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "Could not create the output file")
	}
	breq.OutputPath = outPath

	log.Debug("Synthesizing", "chars", utf8.RuneCountInString(req.Text))

	if err := h.SynthesizeToFile(ctx, breq); err != nil {
		log.Error("Synthesis failed", "error", err)
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err, "Error generating speech: "+err.Error())
	}

	audio, err := os.ReadFile(outPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err, "Could not read the generated audio")
	}
	if len(audio) == 0 {
		return nil, apperr.New(apperr.KindSynthesis, op, "The model produced no audio")
	}

	info, err := InspectWAV(audio)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err, "The model produced an invalid audio file")
	}

	result := &Result{
		Audio:     audio,
		RequestID: requestID,
		AudioInfo: info,
		Elapsed:   time.Since(start),
	}

	log.Info("Speech synthesized",
		"bytes", len(audio),
		"duration", info.Duration,
		"sample_rate", info.SampleRate,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// writeTemp creates a uniquely named file in dir holding data. The returned
// path is set whenever the file was created, even on error.
func writeTemp(dir, pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}

	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return f.Name(), err
		}
	}

	return f.Name(), f.Close()
}

func removeTemp(log *slog.Logger, path string) {
	if _, err := xfs.RemoveQuietly(path); err != nil {
		log.Warn("Failed to remove temporary file", "path", path, "error", err)
	}
}
