package preview

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/refresh"
)

// NewSessionID returns a fresh hosting-view identifier.
func NewSessionID() string {
	return uuid.NewString()
}

type session struct {
	ctrl     *refresh.Controller
	lastSeen time.Time
}

// Sessions owns one refresh controller per hosting view (an editor tab, a
// dashboard card, a viewer dialog) and evicts views that went idle.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	opts     []refresh.Option
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewSessions creates a registry whose controllers are built with opts. A
// zero ttl disables eviction.
func NewSessions(ttl time.Duration, metrics *monitoring.Metrics, opts ...refresh.Option) *Sessions {
	return &Sessions{
		sessions: make(map[string]*session),
		ttl:      ttl,
		opts:     opts,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Controller returns the controller of id, creating it on first use.
func (s *Sessions) Controller(id string) *refresh.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[id]; ok {
		sess.lastSeen = now
		return sess.ctrl
	}

	sess := &session{ctrl: refresh.NewController(s.opts...), lastSeen: now}
	s.sessions[id] = sess
	s.updateGauge()
	return sess.ctrl
}

// Lookup returns the controller of id without creating one.
func (s *Sessions) Lookup(id string) (*refresh.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.ctrl, true
}

// Remove drops the controller of id, e.g. when its socket closes.
func (s *Sessions) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	s.updateGauge()
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle for longer than the ttl and returns how many
// were removed.
func (s *Sessions) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	evicted := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.updateGauge()
	}
	return evicted
}

// Run sweeps periodically until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}

	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Sessions) updateGauge() {
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
}
