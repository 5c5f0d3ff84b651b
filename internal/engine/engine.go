// Package engine is the protocol state machine of the realtime server. It
// turns decoded client frames into session mutations, route invocations and
// outbound deliveries, runs the authentication handshake and owns the
// listen/notify fanout.
//
// Transports talk to the Engine through three calls: Connect when a socket
// opens, HandleMessage for each decoded frame (each in its own goroutine if
// the transport wishes) and Disconnect when the socket closes.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/realtime-go/auth"
	"github.com/ggoodman/realtime-go/internal/delivery"
	"github.com/ggoodman/realtime-go/internal/logctx"
	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
	"github.com/ggoodman/realtime-go/sessions"
)

const (
	DefaultAuthTimeout = 4 * time.Second
	DefaultNotifyDelay = 200 * time.Millisecond
)

// internalErrorDescription replaces the detail of untyped handler failures
// unless internal errors are exposed.
const internalErrorDescription = "An internal error occurred"

var (
	// ErrProtocolViolation wraps any frame the engine refuses to process.
	// The offending transport is closed.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownRoute is returned by server-side operations naming a route
	// that is not registered as READ.
	ErrUnknownRoute = errors.New("unknown listenable route")
)

// DefaultTunables returns the connection tunables advertised when none are
// configured.
func DefaultTunables() protocol.Tunables {
	return protocol.Tunables{
		ServerRetryIntervalMs:  delivery.DefaultRetryInterval.Milliseconds(),
		ClientRetryIntervalMs:  (5 * time.Second).Milliseconds(),
		ClientPingIntervalMs:   time.Second.Milliseconds(),
		DisconnectAfterMs:      (12 * time.Second).Milliseconds(),
		ReconnectWithoutPongMs: (6 * time.Second).Milliseconds(),
		AuthTimeoutMs:          DefaultAuthTimeout.Milliseconds(),
		RequestTimeoutMs:       (7 * time.Second).Milliseconds(),
	}
}

// Engine coordinates sessions, routes and delivery for one server node.
type Engine struct {
	store    *sessions.Store
	registry *routes.Registry
	delivery *delivery.Engine
	log      *slog.Logger
	id       string

	authFn               auth.Func
	authTimeout          time.Duration
	notifyDelay          time.Duration
	exposeInternalErrors bool

	tunables protocol.Tunables

	versionsMu sync.RWMutex
	versions   map[string]protocol.VersionRange // clientType -> supported range

	// unix nanos of the moment the node started accepting connections
	listeningSince atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithAuthFunc sets the authenticate callback. The default accepts every
// client as unauthenticated.
func WithAuthFunc(fn auth.Func) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.authFn = fn
		}
	}
}

// WithAuthTimeout bounds how long the authenticate callback may take.
func WithAuthTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.authTimeout = d
		}
	}
}

// WithNotifyDelay sets how long after MarkListening notifies are held back.
// Zero disables the delay.
func WithNotifyDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.notifyDelay = d
		}
	}
}

// WithExposeInternalErrors sends the text of untyped handler errors to
// clients instead of a generic description.
func WithExposeInternalErrors(expose bool) EngineOption {
	return func(e *Engine) { e.exposeInternalErrors = expose }
}

// WithTunables replaces the tunables sent in every ConfigureConnectionAck.
// The supported client version range is filled in per client type.
func WithTunables(t protocol.Tunables) EngineOption {
	return func(e *Engine) { e.tunables = t }
}

// WithClientVersions advertises the version range supported for clientType.
func WithClientVersions(clientType string, r protocol.VersionRange) EngineOption {
	return func(e *Engine) { e.versions[clientType] = r }
}

// New constructs an Engine. Sessions and time come from store; outbound
// messages go through dl.
func New(store *sessions.Store, registry *routes.Registry, dl *delivery.Engine, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		registry:    registry,
		delivery:    dl,
		log:         slog.Default(),
		id:          uuid.NewString(),
		authFn:      auth.Unauthenticated,
		authTimeout: DefaultAuthTimeout,
		notifyDelay: DefaultNotifyDelay,
		tunables:    DefaultTunables(),
		versions:    make(map[string]protocol.VersionRange),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.listeningSince.Store(time.Now().UnixNano())
	return e
}

// ID is the process-unique identifier of this engine.
func (e *Engine) ID() string { return e.id }

// MarkListening records that the node just started accepting connections.
// Notifies wait until the notify delay has passed since this moment.
func (e *Engine) MarkListening() { e.listeningSince.Store(time.Now().UnixNano()) }

// SetClientVersions updates the version range advertised for clientType.
func (e *Engine) SetClientVersions(clientType string, r protocol.VersionRange) {
	e.versionsMu.Lock()
	e.versions[clientType] = r
	e.versionsMu.Unlock()
}

func (e *Engine) tunablesFor(clientType string) protocol.Tunables {
	t := e.tunables
	e.versionsMu.RLock()
	t.ClientVersions = e.versions[clientType]
	e.versionsMu.RUnlock()
	return t
}

// Connect registers a newly opened transport. The returned connection is
// passed back on every HandleMessage and on Disconnect.
func (e *Engine) Connect(ctx context.Context, t sessions.Transport) *sessions.Conn {
	c := e.store.Open(t)
	e.log.DebugContext(ctx, "engine.connect", slog.String("conn_id", c.ID()))
	return c
}

// Disconnect runs the close handling for c: the session it was bound to is
// detached, loses its authentication and every subscription, and keeps its
// pending messages for a reconnect within the grace period.
func (e *Engine) Disconnect(ctx context.Context, c *sessions.Conn) {
	e.store.Close(c)
	sess := e.boundSession(c)
	if sess == nil {
		e.log.DebugContext(ctx, "engine.disconnect.unbound", slog.String("conn_id", c.ID()))
		return
	}
	ident := identityOf(sess.ID(), sess.Identity())
	subs, ok := sess.Unbind(c, e.store.Now())
	if !ok {
		return
	}
	for _, sub := range subs {
		e.listenStopped(ctx, ident, sub)
	}
	e.log.InfoContext(ctx, "engine.disconnect",
		slog.String("conn_id", c.ID()),
		slog.String("session_id", sess.ID()),
		slog.Int("subscriptions", len(subs)),
	)
}

// boundSession returns the session c is the live connection of, or nil.
func (e *Engine) boundSession(c *sessions.Conn) *sessions.Session {
	id := c.SessionID()
	if id == "" {
		return nil
	}
	sess, ok := e.store.Get(id)
	if !ok || sess.Conn() != c {
		return nil
	}
	return sess
}

func (e *Engine) lookupListenable(name string) (*routes.Route, error) {
	r, ok := e.registry.Lookup(name, protocol.VerbRead)
	if !ok {
		return nil, ErrUnknownRoute
	}
	return r, nil
}

// runHook invokes an application hook, containing any panic it raises.
func (e *Engine) runHook(ctx context.Context, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			e.log.ErrorContext(ctx, "engine.hook.panic", slog.String("hook", name), slog.Any("panic", p))
		}
	}()
	fn()
}

func identityOf(sessionID string, id sessions.Identity) routes.Identity {
	return routes.Identity{
		SessionID:     sessionID,
		UserID:        id.UserID,
		Authenticated: id.Authenticated(),
		Claims:        id.Claims,
		Locals:        id.Locals,
	}
}

func withSession(ctx context.Context, sess *sessions.Session) context.Context {
	id := sess.Identity()
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    id.UserID,
		AuthState: string(id.State),
	})
}

func subscriberOf(ident routes.Identity, sub *sessions.Subscription) routes.Subscriber {
	return routes.Subscriber{
		Identity:  ident,
		Route:     sub.Route,
		ListenID:  sub.ListenID,
		Params:    maps.Clone(sub.Params),
		RequestID: sub.RequestID,
	}
}
