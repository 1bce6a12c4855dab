package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/qbwc-bridge/internal/models"
	"github.com/wolfeidau/qbwc-bridge/internal/store"
)

var _ store.SessionStore = (*SessionStore)(nil)

// SessionStore implements store.SessionStore using in-memory storage.
// Sessions are lost on restart, which is acceptable as a sync run does not
// survive a restart of the endpoint either.
type SessionStore struct {
	mu sync.RWMutex

	sessions map[string]*models.Session // ticket -> Session
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithTTL sets the idle timeout after which a session is treated as expired.
func WithTTL(ttl time.Duration) Option {
	return func(s *SessionStore) {
		s.ttl = ttl
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *SessionStore) {
		s.now = now
	}
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore(opts ...Option) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a new ticket and stores an authenticated session for username.
func (s *SessionStore) Create(ctx context.Context, username string) (*models.Session, error) {
	ticket, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.Session{
		Ticket:     ticket.String(),
		Username:   username,
		State:      models.SessionAuthenticated,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.Ticket] = session

	clone := *session
	return &clone, nil
}

// Get retrieves a session by ticket.
func (s *SessionStore) Get(ctx context.Context, ticket string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[ticket]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	if session.IsIdle(s.now(), s.ttl) {
		return nil, store.ErrSessionExpired
	}

	// Clone to avoid external modifications
	clone := *session
	return &clone, nil
}

// Update applies fn to a copy of the session under the write lock and stores
// the result if fn succeeds. LastUsedAt is refreshed on success.
func (s *SessionStore) Update(ctx context.Context, ticket string, fn func(*models.Session) error) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[ticket]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	now := s.now()
	if session.IsIdle(now, s.ttl) {
		delete(s.sessions, ticket)
		return nil, store.ErrSessionExpired
	}

	clone := *session
	if err := fn(&clone); err != nil {
		return nil, err
	}

	// identity fields are owned by the store
	clone.Ticket = session.Ticket
	clone.CreatedAt = session.CreatedAt
	clone.LastUsedAt = now
	s.sessions[ticket] = &clone

	result := clone
	return &result, nil
}

// Delete removes a session by ticket. Unknown tickets are ignored.
func (s *SessionStore) Delete(ctx context.Context, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, ticket)
	return nil
}

// DeleteExpired deletes all idle sessions (cleanup sweep).
func (s *SessionStore) DeleteExpired(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for ticket, session := range s.sessions {
		if session.IsIdle(now, s.ttl) {
			delete(s.sessions, ticket)
			count++
		}
	}

	return count, nil
}

// Count returns the number of stored sessions, including idle ones not yet swept.
func (s *SessionStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
