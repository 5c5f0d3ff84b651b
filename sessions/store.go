package sessions

import (
	"log/slog"
	"sync"
	"time"
)

// Store owns every session of this process and every live connection.
type Store struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	connMu sync.Mutex
	conns  map[*Conn]struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
		conns:    make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// GetOrCreate returns the session with id, creating it if unknown.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	sess = newSession(id, s.now())
	s.sessions[id] = sess
	s.log.Debug("sessions.create", slog.String("session_id", id))
	return sess
}

// Get returns the session with id if it exists.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove drops the session with id: its live connection is closed, pending
// messages are settled as Discarded and all other state is dropped silently.
// It reports whether a session was removed.
func (s *Store) Remove(id string) bool {
	return s.remove(id, nil)
}

// RemoveIf is Remove guarded by fn, which is evaluated against the session's
// lifecycle while the session is locked. A session bound again between a
// caller's check and the removal is therefore kept.
func (s *Store) RemoveIf(id string, fn func(Lifecycle) bool) bool {
	return s.remove(id, fn)
}

func (s *Store) remove(id string, fn func(Lifecycle) bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	conn, pending, ok := sess.markRemoved(fn)
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug("sessions.remove.close_fail", slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
	for _, p := range pending {
		p.Settle(Discarded)
	}
	s.log.Debug("sessions.remove", slog.String("session_id", id), slog.Int("discarded", len(pending)))
	return true
}

// FindByUserID returns a session authenticated as userID. The scan is linear.
func (s *Store) FindByUserID(userID string) (*Session, bool) {
	if userID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.UserID() == userID {
			return sess, true
		}
	}
	return nil, false
}

// SessionsByUserID returns every session authenticated as userID.
func (s *Store) SessionsByUserID(userID string) []*Session {
	if userID == "" {
		return nil
	}
	var out []*Session
	for _, sess := range s.Snapshot() {
		if sess.UserID() == userID {
			out = append(out, sess)
		}
	}
	return out
}

// Snapshot returns the current sessions. Sessions removed after the snapshot
// was taken report Removed.
func (s *Store) Snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Open starts tracking t as a live connection.
func (s *Store) Open(t Transport) *Conn {
	c := &Conn{t: t, openedAt: s.now()}
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	return c
}

// Close stops tracking c. It does not close the transport.
func (s *Store) Close(c *Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// Conns returns every live connection, configured or not.
func (s *Store) Conns() []*Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}
