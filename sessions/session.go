package sessions

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// AuthState is the authentication status of a session.
type AuthState string

const (
	AuthPending         AuthState = "pending"
	AuthUnauthenticated AuthState = "unauthenticated"
	AuthAuthenticated   AuthState = "authenticated"
)

const (
	// DedupCapacity is the size above which the recent-request cache is
	// pruned.
	DedupCapacity = 100
	// DedupRetention is the minimum time a request id stays in the cache.
	DedupRetention = 10 * time.Minute
)

var (
	// ErrSessionGone is returned when mutating a session that was removed.
	ErrSessionGone = errors.New("session gone")
	// ErrMissingUserID is returned when authenticating without a user id.
	ErrMissingUserID = errors.New("authenticated session requires a user id")
	// ErrDuplicateServerID is returned when a pending message with the same
	// serverId is already tracked.
	ErrDuplicateServerID = errors.New("duplicate server id")
	// ErrNotBound is returned when a mutation is attempted on behalf of a
	// connection that is no longer bound to the session.
	ErrNotBound = errors.New("connection not bound to session")
)

// Identity is a consistent snapshot of a session's authentication state.
type Identity struct {
	State  AuthState
	UserID string
	Claims []string
	Locals map[string]any
}

// Authenticated reports whether the identity is authenticated.
func (i Identity) Authenticated() bool { return i.State == AuthAuthenticated }

// Lifecycle is a snapshot of the fields the keep-alive supervisor inspects.
type Lifecycle struct {
	CreatedAt      time.Time
	Configured     bool
	Connected      bool
	DisconnectedAt time.Time
}

type recentRequest struct {
	id         string
	receivedAt time.Time
}

// Session is one logical client identity. All methods are safe for
// concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu             sync.Mutex
	removed        bool
	conn           *Conn
	configured     bool
	clientType     string
	headers        map[string]any
	disconnectedAt time.Time

	authState AuthState
	userID    string
	claims    []string
	locals    map[string]any

	pending []*Pending
	recent  []recentRequest
	subs    []*Subscription
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		authState: AuthPending,
		locals:    map[string]any{},
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Removed reports whether the store dropped this session.
func (s *Session) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Conn returns the live connection, or nil while disconnected.
func (s *Session) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// ClientType is the client flavour declared at configure time.
func (s *Session) ClientType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientType
}

// Headers returns a copy of the connection headers declared at configure time.
func (s *Session) Headers() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.headers)
}

// Lifecycle returns the connection lifecycle snapshot.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycleLocked()
}

func (s *Session) lifecycleLocked() Lifecycle {
	return Lifecycle{
		CreatedAt:      s.createdAt,
		Configured:     s.configured,
		Connected:      s.conn != nil,
		DisconnectedAt: s.disconnectedAt,
	}
}

// ConnectionInfo describes a configure/connect handshake.
type ConnectionInfo struct {
	ClientType string
	Headers    map[string]any
}

// Bind attaches c as the session's live connection and resets authentication
// to pending. It returns the connection previously bound, if it differs from
// c, so the caller can close it.
func (s *Session) Bind(c *Conn, info ConnectionInfo) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, ErrSessionGone
	}
	prev := s.conn
	if prev == c {
		prev = nil
	}
	s.conn = c
	s.configured = true
	s.disconnectedAt = time.Time{}
	s.clientType = info.ClientType
	s.headers = maps.Clone(info.Headers)
	s.clearAuthLocked()
	c.setSessionID(s.id)
	return prev, nil
}

// Unbind detaches c if it is still the live connection, stamps the
// disconnect time, clears the authentication and returns every subscription
// the session held. ok is false when c was not the bound connection.
func (s *Session) Unbind(c *Conn, now time.Time) (subs []*Subscription, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c || c == nil {
		return nil, false
	}
	s.conn = nil
	s.disconnectedAt = now
	s.clearAuthLocked()
	subs = s.subs
	s.subs = nil
	return subs, true
}

// Identity returns the authentication snapshot.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Identity{
		State:  s.authState,
		UserID: s.userID,
		Claims: slices.Clone(s.claims),
		Locals: maps.Clone(s.locals),
	}
}

// UserID returns the authenticated user id, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetAuthenticated marks the session authenticated as userID. Locals are
// replaced, never merged.
func (s *Session) SetAuthenticated(userID string, claims []string, locals map[string]any) error {
	if userID == "" {
		return ErrMissingUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrSessionGone
	}
	s.setAuthLocked(userID, claims, locals)
	return nil
}

// SetAuthenticatedOn is SetAuthenticated restricted to the connection c. It
// returns ErrNotBound when c is no longer the session's live connection.
func (s *Session) SetAuthenticatedOn(c *Conn, userID string, claims []string, locals map[string]any) error {
	if userID == "" {
		return ErrMissingUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.boundLocked(c); err != nil {
		return err
	}
	s.setAuthLocked(userID, claims, locals)
	return nil
}

func (s *Session) setAuthLocked(userID string, claims []string, locals map[string]any) {
	s.authState = AuthAuthenticated
	s.userID = userID
	s.claims = slices.Clone(claims)
	s.locals = maps.Clone(locals)
	if s.locals == nil {
		s.locals = map[string]any{}
	}
}

// SetUnauthenticated records a completed handshake that did not authenticate.
func (s *Session) SetUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAuthLocked()
	s.authState = AuthUnauthenticated
}

// SetUnauthenticatedOn is SetUnauthenticated restricted to the connection c.
func (s *Session) SetUnauthenticatedOn(c *Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.boundLocked(c); err != nil {
		return err
	}
	s.clearAuthLocked()
	s.authState = AuthUnauthenticated
	return nil
}

func (s *Session) boundLocked(c *Conn) error {
	if s.removed {
		return ErrSessionGone
	}
	if c == nil || s.conn != c {
		return ErrNotBound
	}
	return nil
}

// ClearAuthentication resets the session to pending.
func (s *Session) ClearAuthentication() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAuthLocked()
}

func (s *Session) clearAuthLocked() {
	s.authState = AuthPending
	s.userID = ""
	s.claims = nil
	s.locals = map[string]any{}
}

// RecordRequest registers requestID in the recent-request cache. It returns
// true when the id was already present, in which case only its timestamp is
// refreshed.
func (s *Session) RecordRequest(requestID string, now time.Time) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recent {
		if s.recent[i].id == requestID {
			s.recent[i].receivedAt = now
			return true
		}
	}
	s.recent = append(s.recent, recentRequest{id: requestID, receivedAt: now})
	if len(s.recent) > DedupCapacity {
		cutoff := now.Add(-DedupRetention)
		s.recent = slices.DeleteFunc(s.recent, func(r recentRequest) bool {
			return r.receivedAt.Before(cutoff)
		})
	}
	return false
}

// RecentRequests returns the number of request ids currently cached.
func (s *Session) RecentRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent)
}

// AppendPending adds p to the pending list.
func (s *Session) AppendPending(p *Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrSessionGone
	}
	id := p.ServerID()
	for _, q := range s.pending {
		if q.ServerID() == id {
			return ErrDuplicateServerID
		}
	}
	s.pending = append(s.pending, p)
	return nil
}

// TakePending removes and returns the pending message with serverID.
func (s *Session) TakePending(serverID string) (*Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.ServerID() == serverID {
			s.pending = slices.Delete(s.pending, i, i+1)
			return p, true
		}
	}
	return nil, false
}

// TakeAllPending removes and returns every pending message.
func (s *Session) TakeAllPending() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// TakeExpiredPending removes and returns the pending messages first tried
// before cutoff.
func (s *Session) TakeExpiredPending(cutoff time.Time) []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*Pending
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.FirstTryAt.Before(cutoff) {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	return expired
}

// PendingSnapshot returns the pending messages in send order.
func (s *Session) PendingSnapshot() []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// PutSubscription registers sub on behalf of the connection c, replacing any
// subscription with the same listen id. The replaced subscription is
// returned. It fails with ErrNotBound once c was unbound, so a listen that
// completes after its connection went away leaves nothing behind.
func (s *Session) PutSubscription(c *Conn, sub *Subscription) (replaced *Subscription, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.boundLocked(c); err != nil {
		return nil, err
	}
	for i, cur := range s.subs {
		if cur.ListenID == sub.ListenID {
			s.subs[i] = sub
			return cur, nil
		}
	}
	s.subs = append(s.subs, sub)
	return nil, nil
}

// RemoveSubscription removes the subscription with listenID.
func (s *Session) RemoveSubscription(listenID string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.subs {
		if cur.ListenID == listenID {
			s.subs = slices.Delete(s.subs, i, i+1)
			return cur, true
		}
	}
	return nil, false
}

// RemoveSubscriptionIf removes the exact subscription sub, leaving a newer
// subscription that reused its listen id in place.
func (s *Session) RemoveSubscriptionIf(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = slices.Delete(s.subs, i, i+1)
			return true
		}
	}
	return false
}

// RemoveSubscriptionsWhere removes and returns every subscription matching fn.
func (s *Session) RemoveSubscriptionsWhere(fn func(*Subscription) bool) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*Subscription
	kept := s.subs[:0]
	for _, cur := range s.subs {
		if fn(cur) {
			removed = append(removed, cur)
			continue
		}
		kept = append(kept, cur)
	}
	clear(s.subs[len(kept):])
	s.subs = kept
	return removed
}

// HoldsSubscription reports whether sub itself is still registered.
func (s *Session) HoldsSubscription(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.subs, sub)
}

// Subscription returns a copy of the subscription with listenID.
func (s *Session) Subscription(listenID string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.subs {
		if cur.ListenID == listenID {
			return cur.clone(), true
		}
	}
	return nil, false
}

// Subscriptions returns copies of every active subscription.
func (s *Session) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Subscription, 0, len(s.subs))
	for _, cur := range s.subs {
		out = append(out, cur.clone())
	}
	return out
}

// markRemoved drops all state and returns what the caller must settle or
// close. When fn is non-nil the session is only removed if fn accepts its
// lifecycle; ok reports whether it was.
func (s *Session) markRemoved(fn func(Lifecycle) bool) (conn *Conn, pending []*Pending, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil && !fn(s.lifecycleLocked()) {
		return nil, nil, false
	}
	s.removed = true
	conn = s.conn
	pending = s.pending
	s.conn = nil
	s.pending = nil
	s.subs = nil
	s.recent = nil
	s.clearAuthLocked()
	return conn, pending, true
}
