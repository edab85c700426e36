package app

import (
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/rs/zerolog/log"
)

// Session is one negotiation attempt. It exclusively owns its connection.
type Session struct {
	id        domain.SessionID
	hasMedia  bool
	conn      core.Connection
	createdAt time.Time

	mu        sync.Mutex
	state     domain.State
	track     core.FrameHandle
	remoteSet bool
	pending   []domain.Candidate

	// negMu serializes remote description and candidate application.
	negMu sync.Mutex

	releaseOnce sync.Once
}

func newSession(id domain.SessionID, conn core.Connection, hasMedia bool) *Session {
	return &Session{
		id:        id,
		hasMedia:  hasMedia,
		conn:      conn,
		createdAt: time.Now(),
		state:     domain.StateNew,
	}
}

func (s *Session) ID() domain.SessionID  { return s.id }
func (s *Session) HasMedia() bool        { return s.hasMedia }
func (s *Session) Conn() core.Connection { return s.conn }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance applies ev to the current state.
func (s *Session) Advance(ev domain.Event) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := domain.Transition(s.state, ev)
	if err != nil {
		return s.state, err
	}
	if next != s.state {
		log.Debug().
			Str("module", "app.session").
			Str("sid", string(s.id)).
			Str("from", s.state.String()).
			Str("to", next.String()).
			Msg("state change")
	}
	s.state = next
	return next, nil
}

// AttachTrack records the subscriber handle so Release can close it.
func (s *Session) AttachTrack(h core.FrameHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = h
}

func (s *Session) Track() core.FrameHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// WithNegotiationLock runs fn while holding the per-session negotiation lock.
func (s *Session) WithNegotiationLock(fn func() error) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()
	return fn()
}

// RemoteSet reports whether the offer was applied to the connection.
// Callers hold the negotiation lock.
func (s *Session) RemoteSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

// MarkRemoteSet flags the remote description as applied and hands back any
// queued candidates. Callers hold the negotiation lock.
func (s *Session) MarkRemoteSet() []domain.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *Session) QueueCandidate(c domain.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, c)
}

func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Release closes the subscriber handle and the connection. Only the first
// call does anything.
func (s *Session) Release() error {
	var err error
	s.releaseOnce.Do(func() {
		if t := s.Track(); t != nil {
			t.Close()
		}
		if s.conn != nil {
			err = s.conn.Close()
		}
		logger := log.With().Str("module", "app.session").Str("sid", string(s.id)).Logger()
		if err != nil {
			logger.Error().Err(err).Msg("close error")
		} else {
			logger.Info().Msg("released")
		}
	})
	return err
}
