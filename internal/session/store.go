package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blogcore/internal/infrastructure"
)

// Session is one client's server-side state. Values are safe for
// concurrent use by overlapping requests carrying the same cookie.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.RWMutex
	values     map[string]any
	lastAccess time.Time
}

// ID returns the session id stored in the cookie.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastAccess)
}

// Store keeps sessions in memory and expires them after IdleTimeout
// without access.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session

	idle   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(idle time.Duration, logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		idle:     idle,
		now:      time.Now,
		logger:   infrastructure.WithComponent(logger, "session"),
	}
}

// IdleTimeout returns the expiry window.
func (st *Store) IdleTimeout() time.Duration {
	return st.idle
}

// Load returns the live session with id and marks it accessed. Expired
// sessions are removed and reported as missing.
func (st *Store) Load(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	now := st.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	if s.idleSince(now) > st.idle {
		delete(st.sessions, id)
		return nil, false
	}
	s.touch(now)
	return s, true
}

// Create starts a new session.
func (st *Store) Create() *Session {
	now := st.now()
	s := &Session{
		id:         uuid.NewString(),
		createdAt:  now,
		values:     make(map[string]any),
		lastAccess: now,
	}

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// Release marks the end of a request using s, restarting its idle window.
func (st *Store) Release(s *Session) {
	if s == nil {
		return
	}
	s.touch(st.now())
}

// Destroy removes a session.
func (st *Store) Destroy(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep removes expired sessions and returns how many were dropped.
func (st *Store) Sweep() int {
	now := st.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		if s.idleSince(now) > st.idle {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (st *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = st.idle / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := st.Sweep(); n > 0 {
				st.logger.Debug("expired sessions removed", slog.Int("count", n))
			}
		}
	}
}

type contextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session attached by the session stage.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}
