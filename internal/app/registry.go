package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/dkeye/Broadcast/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// newSessionID draws 122 random bits; tests swap it to force collisions.
var newSessionID = func() domain.SessionID {
	return domain.SessionID(uuid.NewString())
}

type SessionInfo struct {
	ID        domain.SessionID `json:"id"`
	State     string           `json:"state"`
	HasMedia  bool             `json:"has_media"`
	CreatedAt time.Time        `json:"created_at"`
}

// Registry is the single source of truth for which sessions exist.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[domain.SessionID]*Session
	maxSessions int
	// closed is set once by Close and never reset.
	closed bool
}

// NewRegistry returns an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[domain.SessionID]*Session),
		maxSessions: maxSessions,
	}
}

// Create registers a new session in state New around conn.
func (r *Registry) Create(conn core.Connection, hasMedia bool) (domain.SessionID, *Session, error) {
	for attempt := 0; attempt < 3; attempt++ {
		id := newSessionID()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", nil, domain.ErrShuttingDown
		}
		if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			return "", nil, domain.ErrTooManySessions
		}
		if _, taken := r.sessions[id]; taken {
			r.mu.Unlock()
			continue
		}
		sess := newSession(id, conn, hasMedia)
		r.sessions[id] = sess
		r.mu.Unlock()

		log.Info().Str("module", "app.registry").Str("sid", string(id)).Bool("media", hasMedia).Msg("created session")
		return id, sess, nil
	}
	return "", nil, errors.New("failed to allocate unique session id")
}

func (r *Registry) Get(id domain.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id. Removing an absent id is a no-op.
func (r *Registry) Remove(id domain.SessionID) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("removed session")
	}
	return s, ok
}

func (r *Registry) IDs() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists sessions, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        id,
			State:     s.State().String(),
			HasMedia:  s.HasMedia(),
			CreatedAt: s.CreatedAt(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close makes every later Create fail with ErrShuttingDown. Existing
// sessions are left alone.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Clear empties the registry and returns what it held.
func (r *Registry) Clear() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	clear(r.sessions)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Int("count", len(out)).Msg("cleared sessions")
	return out
}
