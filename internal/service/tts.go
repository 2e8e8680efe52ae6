// Package service ties the model catalog, the model cache, the synthesis
// invoker and browser sessions into the operations the transports expose.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ekisa-team/voxforge/internal/apperr"
	"github.com/ekisa-team/voxforge/internal/backend"
	"github.com/ekisa-team/voxforge/internal/catalog"
	"github.com/ekisa-team/voxforge/internal/config"
	"github.com/ekisa-team/voxforge/internal/model"
	"github.com/ekisa-team/voxforge/internal/session"
	"github.com/ekisa-team/voxforge/internal/synth"
	"github.com/ekisa-team/voxforge/internal/transfer"
)

// Options is what the user interface needs to render its controls.
type Options struct {
	Provider           backend.Provider `json:"provider"`
	Device             backend.Device   `json:"device"`
	Modes              []synth.Mode     `json:"modes"`
	Languages          []string         `json:"languages"`
	Slots              []string         `json:"slots"`
	DefaultText        string           `json:"default_text"`
	DefaultCloningText string           `json:"default_cloning_text"`
	MaxTextLength      int              `json:"max_text_length"`
	MaxSampleBytes     int64            `json:"max_sample_bytes"`
}

// Selection is the outcome of selecting a model.
type Selection struct {
	Session      session.View       `json:"session"`
	Capabilities model.Capabilities `json:"capabilities"`
	Device       backend.Device     `json:"device"`
}

// GenerateRequest carries the inputs of one click on Generate.
type GenerateRequest struct {
	Text     string
	Speaker  string
	Language string
	Slot     string
}

// Generation is a synthesized result ready for the browser.
type Generation struct {
	transfer.Presentation
	RequestID string          `json:"request_id"`
	Audio     synth.AudioInfo `json:"audio"`
	Bytes     int             `json:"bytes"`
	Elapsed   time.Duration   `json:"elapsed"`
}

type settings struct {
	slots              []string
	languages          []string
	defaultText        string
	defaultCloningText string
	synthesisTimeout   time.Duration
	maxTextLength      int
	maxSampleBytes     int64
}

// TTS is a service abstraction for text-to-speech.
type TTS struct {
	catalog  *catalog.Catalog
	models   *model.Manager
	invoker  *synth.Invoker
	sessions *session.Store
	provider backend.Provider
	settings atomic.Pointer[settings]
}

// NewTTS creates a new TTS service configured from cfg.
func NewTTS(cat *catalog.Catalog, models *model.Manager, invoker *synth.Invoker, sessions *session.Store, provider backend.Provider, cfg *config.Config) *TTS {
	s := &TTS{
		catalog:  cat,
		models:   models,
		invoker:  invoker,
		sessions: sessions,
		provider: provider,
	}
	s.ApplyConfig(cfg)

	return s
}

// ApplyConfig pushes reloadable settings to every component. Listener
// addresses, the backend and the device only change on restart.
func (s *TTS) ApplyConfig(cfg *config.Config) {
	s.settings.Store(&settings{
		slots:              slices.Clone(cfg.Synthesis.ReferenceSlots),
		languages:          slices.Clone(cfg.Synthesis.Languages),
		defaultText:        cfg.Synthesis.DefaultText,
		defaultCloningText: cfg.Synthesis.DefaultCloningText,
		synthesisTimeout:   cfg.Backend.SynthesisTimeout,
		maxTextLength:      cfg.Synthesis.MaxTextLength,
		maxSampleBytes:     cfg.Synthesis.MaxSampleBytes,
	})

	s.catalog.SetRules(cfg.Catalog.Namespace, cfg.Catalog.CloningMarkers)
	s.invoker.SetOptions(synth.Options{
		TempDir:        cfg.Storage.TempDir,
		Languages:      cfg.Synthesis.Languages,
		MaxTextLength:  cfg.Synthesis.MaxTextLength,
		MaxSampleBytes: cfg.Synthesis.MaxSampleBytes,
	})
	s.sessions.SetOptions(session.Options{
		TTL:           cfg.Sessions.TTL,
		RatePerMinute: cfg.Sessions.RatePerMinute,
		Burst:         cfg.Sessions.Burst,
	})
}

// Options returns the choices the user interface offers.
func (s *TTS) Options() Options {
	st := s.settings.Load()

	return Options{
		Provider:           s.provider,
		Device:             s.models.Device(),
		Modes:              []synth.Mode{synth.ModePretrained, synth.ModeCloning},
		Languages:          slices.Clone(st.languages),
		Slots:              slices.Clone(st.slots),
		DefaultText:        st.defaultText,
		DefaultCloningText: st.defaultCloningText,
		MaxTextLength:      st.maxTextLength,
		MaxSampleBytes:     st.maxSampleBytes,
	}
}

// Models returns the partitioned catalog. On failure the listing is empty
// and the error is a catalog error the caller may show next to it.
func (s *TTS) Models(ctx context.Context, refresh bool) (catalog.Listing, error) {
	if refresh {
		return s.catalog.Refresh(ctx)
	}

	return s.catalog.List(ctx)
}

// LoadedModels reports the models resident in memory.
func (s *TTS) LoadedModels() []model.Info {
	return s.models.List()
}

// CreateSession starts a new browser session.
func (s *TTS) CreateSession() session.View {
	return s.sessions.Create().View()
}

// Session returns the session with id.
func (s *TTS) Session(id string) (session.View, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return session.View{}, err
	}

	return sess.View(), nil
}

// SelectModel loads modelID for use in mode and records the choice.
func (s *TTS) SelectModel(ctx context.Context, sessionID, rawMode, modelID string) (*Selection, error) {
	const op = "service.select_model"

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	mode, err := synth.ParseMode(rawMode)
	if err != nil {
		return nil, err
	}

	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, apperr.New(apperr.KindMissingInput, op, "Please select a model")
	}
	if err := s.checkCategory(ctx, mode, modelID); err != nil {
		return nil, err
	}

	sess.Reset()
	if err := sess.Transition(session.StateModelSelected); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err, "Please wait for the current request to finish")
	}
	sess.Select(mode, modelID)

	inst, err := s.enterReady(ctx, sess, modelID)
	if err != nil {
		return nil, err
	}

	return &Selection{
		Session:      sess.View(),
		Capabilities: inst.Capabilities(),
		Device:       inst.Device,
	}, nil
}

// checkCategory rejects ids the catalog does not list and models that do
// not fit mode.
func (s *TTS) checkCategory(ctx context.Context, mode synth.Mode, modelID string) error {
	want := catalog.CategorySingleSpeaker
	if mode == synth.ModeCloning {
		want = catalog.CategoryVoiceCloning
	}

	d, err := s.catalog.Lookup(ctx, modelID)
	if err != nil {
		return err
	}
	if d.Category != want {
		return apperr.New(apperr.KindValidation, "service.select_model",
			fmt.Sprintf("Model %s cannot be used in %s mode", modelID, mode))
	}

	return nil
}

// enterReady loads modelID for a session in StateModelSelected and leaves it
// in StateModelReady or StateError.
func (s *TTS) enterReady(ctx context.Context, sess *session.Session, modelID string) (*model.Instance, error) {
	if err := sess.Transition(session.StateModelLoading); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "service.load", err, "")
	}

	inst, err := s.models.Load(ctx, modelID)
	if err != nil {
		sess.Fail(apperr.UserMessage(err))
		return nil, err
	}

	if err := sess.Transition(session.StateModelReady); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "service.load", err, "")
	}

	return inst, nil
}

// UploadSample stores a reference recording in slot, replacing any earlier
// upload.
func (s *TTS) UploadSample(sessionID, slot, filename string, data []byte) (session.View, error) {
	const op = "service.upload_sample"

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return session.View{}, err
	}

	slot, err = s.resolveSlot(slot)
	if err != nil {
		return session.View{}, err
	}

	st := s.settings.Load()
	if len(data) == 0 {
		return session.View{}, apperr.New(apperr.KindMissingInput, op, "The uploaded file is empty")
	}
	if st.maxSampleBytes > 0 && int64(len(data)) > st.maxSampleBytes {
		return session.View{}, apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("The voice sample is larger than %d bytes", st.maxSampleBytes))
	}
	if ext := filepath.Ext(filename); ext != "" && !strings.EqualFold(ext, ".wav") {
		return session.View{}, apperr.New(apperr.KindValidation, op, "Please upload a WAV file")
	}

	info, err := synth.InspectWAV(data)
	if err != nil {
		return session.View{}, apperr.Wrap(apperr.KindValidation, op, err, "Please upload a WAV file")
	}

	sess.SetSample(&session.Sample{
		Slot:       slot,
		Filename:   filepath.Base(filename),
		Data:       data,
		Info:       info,
		UploadedAt: time.Now(),
	})
	if sess.Can(session.StateSamplesUploaded) {
		_ = sess.Transition(session.StateSamplesUploaded)
	}

	slog.Info("Voice sample uploaded",
		"session_id", sessionID,
		"slot", slot,
		"bytes", len(data),
		"duration", info.Duration,
	)

	return sess.View(), nil
}

// RemoveSample deletes the upload in slot.
func (s *TTS) RemoveSample(sessionID, slot string) (session.View, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return session.View{}, err
	}

	slot, err = s.resolveSlot(slot)
	if err != nil {
		return session.View{}, err
	}

	if !sess.RemoveSample(slot) {
		return session.View{}, apperr.New(apperr.KindNotFound, "service.remove_sample",
			fmt.Sprintf("No %s voice sample uploaded", slot))
	}

	return sess.View(), nil
}

func (s *TTS) resolveSlot(raw string) (string, error) {
	slot := strings.ToLower(strings.TrimSpace(raw))
	slots := s.settings.Load().slots

	if slot == "" && len(slots) > 0 {
		return slots[0], nil
	}
	if !slices.Contains(slots, slot) {
		return "", apperr.New(apperr.KindValidation, "service.slot",
			fmt.Sprintf("Unknown voice slot %q, expected one of %s", raw, strings.Join(slots, ", ")))
	}

	return slot, nil
}

// Generate synthesizes speech for the session's selected model.
func (s *TTS) Generate(ctx context.Context, sessionID string, req GenerateRequest) (*Generation, error) {
	const op = "service.generate"

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Allow(); err != nil {
		return nil, err
	}

	modelID := sess.ModelID()
	if modelID == "" {
		return nil, apperr.New(apperr.KindMissingInput, op, "Please select a model first")
	}
	mode := sess.Mode()

	slot := ""
	if mode == synth.ModeCloning {
		if slot, err = s.resolveSlot(req.Slot); err != nil {
			return nil, err
		}
	}
	sess.SetInputs(req.Text, req.Speaker, req.Language, slot)

	inst, err := s.ready(ctx, sess, modelID)
	if err != nil {
		return nil, err
	}

	if sess.Can(session.StateTextEntered) {
		_ = sess.Transition(session.StateTextEntered)
	}

	var reference []byte
	if mode == synth.ModeCloning {
		sample, ok := sess.Sample(slot)
		if !ok {
			err := apperr.New(apperr.KindMissingInput, op, fmt.Sprintf("Please upload a %s voice sample first", slot))
			sess.Fail(err.Msg)
			return nil, err
		}
		reference = sample.Data
	}

	if err := sess.Transition(session.StateSynthesizing); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err, "Please wait for the current request to finish")
	}

	if timeout := s.settings.Load().synthesisTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := s.invoker.Synthesize(ctx, inst, synth.Request{
		Mode:           mode,
		Text:           req.Text,
		Speaker:        req.Speaker,
		Language:       req.Language,
		ReferenceAudio: reference,
	})
	if err != nil {
		sess.Fail(apperr.UserMessage(err))
		return nil, err
	}

	if err := sess.Transition(session.StateResultReady); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "")
	}

	return &Generation{
		Presentation: transfer.Present(res.Audio, transfer.Filename(mode, slot)),
		RequestID:    res.RequestID,
		Audio:        res.AudioInfo,
		Bytes:        len(res.Audio),
		Elapsed:      res.Elapsed,
	}, nil
}

// ready returns the loaded instance for a session, re-entering the load
// states when the previous request finished or failed.
func (s *TTS) ready(ctx context.Context, sess *session.Session, modelID string) (*model.Instance, error) {
	switch sess.State() {
	case session.StateIdle, session.StateResultReady, session.StateError:
		sess.Reset()
		if err := sess.Transition(session.StateModelSelected); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "service.ready", err, "")
		}
		return s.enterReady(ctx, sess, modelID)
	case session.StateModelSelected, session.StateModelLoading, session.StateSynthesizing:
		return nil, apperr.New(apperr.KindValidation, "service.ready", "Please wait for the current request to finish")
	default:
		inst, err := s.models.Load(ctx, modelID)
		if err != nil {
			sess.Fail(apperr.UserMessage(err))
			return nil, err
		}
		return inst, nil
	}
}
