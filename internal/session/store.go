// Package session keeps per-browser state: the chosen model, uploaded
// reference samples and where the user is in the request flow.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ekisa-team/voxforge/internal/apperr"
)

// Options configures session lifetime and rate limiting.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	RatePerMinute int
	Burst         int
}

// Store holds live sessions and evicts idle ones.
type Store struct {
	sessions  map[string]*Session
	now       func() time.Time
	done      chan struct{}
	opts      Options
	mu        sync.RWMutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore creates a store and starts its eviction loop.
func NewStore(opts Options) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
		done:     make(chan struct{}),
		opts:     opts,
	}

	if opts.SweepInterval > 0 && opts.TTL > 0 {
		s.wg.Add(1)
		go s.sweepLoop(opts.SweepInterval)
	}

	return s
}

// SetOptions applies new limits to sessions created from now on and a new
// TTL to every session.
func (s *Store) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts.SweepInterval = s.opts.SweepInterval
	s.opts = opts
}

// Create starts a new session.
func (s *Store) Create() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := newSession(uuid.NewString(), s.now(), newLimiter(s.opts))
	s.sessions[sess.ID] = sess

	slog.Debug("Session created", "session_id", sess.ID)
	return sess
}

// Get returns the session with id and marks it as active.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session.get",
			fmt.Sprintf("Session %q not found or expired, please reload the page", id))
	}

	sess.touch(s.now())
	return sess, nil
}

// Delete removes the session with id.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Sweep evicts sessions idle for longer than the TTL and returns how many
// were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.TTL <= 0 {
		return 0
	}

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.idleSince(now) > s.opts.TTL {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		slog.Info("Expired idle sessions", "removed", removed, "remaining", len(s.sessions))
	}

	return removed
}

// Close stops the eviction loop.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

func newLimiter(opts Options) *rate.Limiter {
	if opts.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := max(opts.Burst, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), burst)
}
