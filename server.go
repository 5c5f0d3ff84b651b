package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/realtime-go/auth"
	"github.com/ggoodman/realtime-go/broker"
	"github.com/ggoodman/realtime-go/internal/delivery"
	"github.com/ggoodman/realtime-go/internal/engine"
	"github.com/ggoodman/realtime-go/internal/keepalive"
	"github.com/ggoodman/realtime-go/internal/logctx"
	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
	"github.com/ggoodman/realtime-go/sessions"
	"github.com/ggoodman/realtime-go/websocket"
)

// ErrAlreadyRunning is returned by a second concurrent call to Run.
var ErrAlreadyRunning = errors.New("realtime: server already running")

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	log      *slog.Logger
	authFn   auth.Func
	broker   broker.Broker
	versions map[string]protocol.VersionRange
}

func WithLogger(l *slog.Logger) Option {
	return func(o *serverOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAuthFunc sets the callback deciding every Authenticate request. By
// default every client is accepted as unauthenticated.
func WithAuthFunc(fn auth.Func) Option {
	return func(o *serverOptions) { o.authFn = fn }
}

// WithBroker shares cluster events with every node using the same broker.
// The caller keeps ownership of b.
func WithBroker(b broker.Broker) Option {
	return func(o *serverOptions) { o.broker = b }
}

// WithClientVersions advertises the supported version range for clientType
// in every ConfigureConnectionAck.
func WithClientVersions(clientType string, min, max int) Option {
	return func(o *serverOptions) {
		o.versions[clientType] = protocol.VersionRange{Min: min, Max: max}
	}
}

// Server is one realtime node: the session store, the protocol engine, the
// delivery and keep-alive loops, and the WebSocket handler serving them.
type Server struct {
	cfg      Config
	log      *slog.Logger
	store    *sessions.Store
	registry *routes.Registry
	delivery *delivery.Engine
	keep     *keepalive.Supervisor
	engine   *engine.Engine
	ws       *websocket.Handler
	broker   broker.Broker
	running  atomic.Bool

	readyOnce sync.Once
	ready     chan struct{}
}

// New validates cfg and assembles a Server. Nothing runs until Run.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := serverOptions{
		log:      slog.Default(),
		authFn:   auth.Unauthenticated,
		versions: make(map[string]protocol.VersionRange),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	// Every component logs through the context-aware handler so records
	// carry the connection, session and message being handled.
	o.log = slog.New(logctx.Handler{Handler: o.log.Handler()})

	store := sessions.NewStore(sessions.WithLogger(o.log))
	registry := routes.NewRegistry()
	dl := delivery.New(store,
		delivery.WithLogger(o.log),
		delivery.WithRetryInterval(cfg.RetryInterval),
		delivery.WithGiveUpAfter(cfg.GiveUpAfter),
	)
	engOpts := []engine.EngineOption{
		engine.WithLogger(o.log),
		engine.WithAuthFunc(o.authFn),
		engine.WithAuthTimeout(cfg.AuthTimeout),
		engine.WithNotifyDelay(cfg.NotifyDelay),
		engine.WithExposeInternalErrors(cfg.ExposeInternalErrors),
		engine.WithTunables(cfg.tunables()),
	}
	for clientType, r := range o.versions {
		engOpts = append(engOpts, engine.WithClientVersions(clientType, r))
	}
	eng := engine.New(store, registry, dl, engOpts...)

	s := &Server{
		cfg:      cfg,
		log:      o.log,
		store:    store,
		registry: registry,
		delivery: dl,
		keep: keepalive.New(store,
			keepalive.WithLogger(o.log),
			keepalive.WithProbeInterval(cfg.LivenessInterval),
			keepalive.WithMissedProbes(cfg.MissedProbes),
			keepalive.WithGracePeriod(cfg.GracePeriod),
			keepalive.WithHandshakeGrace(cfg.HandshakeGrace),
			keepalive.WithCleanupInterval(cfg.CleanupInterval),
		),
		engine: eng,
		ws: websocket.NewHandler(eng,
			websocket.WithLogger(o.log),
			websocket.WithMaxMessageSize(cfg.MaxMessageSize),
			websocket.WithWriteWait(cfg.WriteWait),
		),
		broker: o.broker,
		ready:  make(chan struct{}),
	}
	return s, nil
}

// Handler returns the WebSocket endpoint clients connect to.
func (s *Server) Handler() http.Handler { return s.ws }

// NodeID identifies this server among the nodes of a cluster.
func (s *Server) NodeID() string { return s.engine.ID() }

// SetClientVersions updates the advertised version range for clientType
// while the server runs.
func (s *Server) SetClientVersions(clientType string, min, max int) {
	s.engine.SetClientVersions(clientType, protocol.VersionRange{Min: min, Max: max})
}

// Ready is closed once Run has joined the cluster and started serving.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run drives the retry loop, the keep-alive loops and, with a broker, the
// cluster subscription, until ctx is done. On return every connection has
// been closed.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if s.broker != nil {
		if err := s.broker.Subscribe(ctx, clusterTopic, s.applyEvent); err != nil {
			return fmt.Errorf("subscribe cluster events: %w", err)
		}
	}
	s.engine.MarkListening()
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.InfoContext(ctx, "server.run.start", slog.String("node_id", s.NodeID()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.delivery.Run(gctx) })
	g.Go(func() error { return s.keep.Run(gctx) })
	err := g.Wait()

	for _, c := range s.store.Conns() {
		_ = c.Close()
	}
	s.ws.Wait()
	s.log.InfoContext(context.WithoutCancel(ctx), "server.run.stop")
	return err
}

// ClearAuthentication resets every session authenticated as userID to
// pending, on every node. Transports stay open; clients are expected to
// authenticate again.
func (s *Server) ClearAuthentication(ctx context.Context, userID string) error {
	if s.broker != nil {
		return s.publish(ctx, &clusterEvent{Type: eventClearAuthentication, UserID: userID})
	}
	s.engine.ClearAuthentication(ctx, userID)
	return nil
}
