package session

import (
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ekisa-team/voxforge/internal/apperr"
	"github.com/ekisa-team/voxforge/internal/synth"
)

// Sample is a reference recording uploaded into a named slot.
type Sample struct {
	UploadedAt time.Time
	Slot       string
	Filename   string
	Data       []byte
	Info       synth.AudioInfo
}

// SampleInfo describes a Sample without its bytes.
type SampleInfo struct {
	UploadedAt time.Time     `json:"uploaded_at"`
	Slot       string        `json:"slot"`
	Filename   string        `json:"filename"`
	Size       int           `json:"size"`
	Duration   time.Duration `json:"duration"`
}

// View is a read-only copy of a session.
type View struct {
	CreatedAt time.Time    `json:"created_at"`
	ID        string       `json:"id"`
	Mode      synth.Mode   `json:"mode"`
	ModelID   string       `json:"model_id,omitempty"`
	Speaker   string       `json:"speaker,omitempty"`
	Language  string       `json:"language,omitempty"`
	Slot      string       `json:"slot,omitempty"`
	Text      string       `json:"text,omitempty"`
	State     State        `json:"state"`
	Error     string       `json:"error,omitempty"`
	Samples   []SampleInfo `json:"samples"`
}

// Session holds the choices of one browser.
type Session struct {
	createdAt time.Time
	lastSeen  time.Time
	limiter   *rate.Limiter
	samples   map[string]*Sample
	ID        string
	mode      synth.Mode
	modelID   string
	speaker   string
	language  string
	slot      string
	text      string
	state     State
	lastErr   string
	mu        sync.Mutex
}

func newSession(id string, now time.Time, limiter *rate.Limiter) *Session {
	return &Session{
		ID:        id,
		createdAt: now,
		lastSeen:  now,
		limiter:   limiter,
		samples:   make(map[string]*Sample),
		mode:      synth.ModePretrained,
		state:     StateIdle,
	}
}

// Allow consumes one token of the session rate limit.
func (s *Session) Allow() error {
	if !s.limiter.Allow() {
		return apperr.New(apperr.KindRateLimited, "session.allow",
			"Too many requests, please wait a moment and try again")
	}

	return nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Can reports whether the session may move to to.
func (s *Session) Can(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return CanTransition(s.state, to)
}

// Transition moves the session to to. Leaving the error state clears the
// last error.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkTransition(s.state, to); err != nil {
		return err
	}

	if s.state == StateError {
		s.lastErr = ""
	}
	s.state = to

	return nil
}

// Fail moves the session to the error state and records msg. It is allowed
// from every state after a model has been selected.
func (s *Session) Fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = msg
	if CanTransition(s.state, StateError) {
		s.state = StateError
	}
}

// Reset returns a finished or failed session to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateResultReady || s.state == StateError {
		s.state = StateIdle
		s.lastErr = ""
	}
}

// Select records the mode and model the user picked.
func (s *Session) Select(mode synth.Mode, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = mode
	s.modelID = modelID
	s.speaker = ""
}

// Mode returns the selected mode.
func (s *Session) Mode() synth.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// ModelID returns the selected model.
func (s *Session) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.modelID
}

// SetInputs records the latest text and voice choices.
func (s *Session) SetInputs(text, speaker, language, slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.text = text
	s.speaker = speaker
	s.language = language
	s.slot = slot
}

// SetSample stores sample, replacing any previous upload in its slot.
func (s *Session) SetSample(sample *Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[sample.Slot] = sample
}

// Sample returns the sample in slot.
func (s *Session) Sample(slot string) (*Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, ok := s.samples[slot]
	return sample, ok
}

// RemoveSample deletes the sample in slot and reports whether one existed.
func (s *Session) RemoveSample(slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.samples[slot]
	delete(s.samples, slot)

	return ok
}

// View returns a copy of the session for display.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]SampleInfo, 0, len(s.samples))
	for _, slot := range slices.Sorted(maps.Keys(s.samples)) {
		sample := s.samples[slot]
		samples = append(samples, SampleInfo{
			Slot:       sample.Slot,
			Filename:   sample.Filename,
			Size:       len(sample.Data),
			Duration:   sample.Info.Duration,
			UploadedAt: sample.UploadedAt,
		})
	}

	return View{
		ID:        s.ID,
		CreatedAt: s.createdAt,
		Mode:      s.mode,
		ModelID:   s.modelID,
		Speaker:   s.speaker,
		Language:  s.language,
		Slot:      s.slot,
		Text:      s.text,
		State:     s.state,
		Error:     s.lastErr,
		Samples:   samples,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return now.Sub(s.lastSeen)
}
