package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
	"github.com/ggoodman/realtime-go/sessions"
)

// ListenAck is the output of the response to a successful Listen.
type ListenAck struct {
	ListenID string `json:"listenId"`
}

type listenArgs struct {
	// conn is the connection the listen arrived on. The subscription is
	// only registered while it is still bound.
	conn      *sessions.Conn
	route     string
	listenID  string
	params    map[string]any
	requestID string
	// replay is set when the listen is re-established from a Ping
	// enumeration rather than requested by a Listen frame.
	replay bool
}

// listen subscribes sess and pushes the initial payload. An existing
// subscription with the same listen id is stopped first.
func (e *Engine) listen(ctx context.Context, sess *sessions.Session, a listenArgs) {
	ident := identityOf(sess.ID(), sess.Identity())
	fail := func(err error) {
		if a.requestID != "" {
			e.respondError(ctx, sess, a.requestID, err)
		}
		if a.replay {
			e.pushStop(ctx, sess, a.listenID)
		}
	}

	if a.listenID == "" {
		fail(protocol.NewError(protocol.CodeBadRequest, "listen without listenId"))
		return
	}
	r, err := e.route(a.route, protocol.VerbRead, ident)
	if err != nil {
		fail(err)
		return
	}

	sub := &sessions.Subscription{
		Route:                  a.route,
		ListenID:               a.listenID,
		Params:                 maps.Clone(a.params),
		Locals:                 ident.Locals,
		RequiresAuthentication: r.RequireAuthentication,
		RequestID:              a.requestID,
		CreatedAt:              e.store.Now(),
	}
	replaced, err := sess.PutSubscription(a.conn, sub)
	if err != nil {
		e.log.DebugContext(ctx, "engine.listen.unbound", slog.String("err", err.Error()))
		return
	}
	if replaced != nil {
		e.listenStopped(ctx, ident, replaced)
	}

	subscriber := subscriberOf(ident, sub)
	req := e.subscriberRequest(sess, subscriber)
	entity, err := r.Resolve(ctx, req)
	var out any
	if err == nil {
		out, err = r.Output(ctx, entity, req)
	}
	if !sess.HoldsSubscription(sub) {
		// Torn down while resolving: disconnected, replaced or stopped.
		e.log.DebugContext(ctx, "engine.listen.superseded", slog.String("listen_id", a.listenID))
		return
	}
	if err != nil {
		if protocol.HasCode(err, protocol.CodePermissionDenied, protocol.CodePendingAuthentication, protocol.CodeInvalidCredential) {
			sess.RemoveSubscriptionIf(sub)
			e.log.InfoContext(ctx, "engine.listen.denied", slog.String("err", err.Error()))
			fail(err)
			return
		}
		// The subscription stays: a later notify may resolve.
		e.log.WarnContext(ctx, "engine.listen.resolve_fail", slog.String("err", err.Error()))
		e.ackListen(ctx, sess, a)
		e.listenStarted(ctx, r, subscriber)
		return
	}

	e.ackListen(ctx, sess, a)
	e.push(ctx, sess, r, subscriber, entity, out)
	e.listenStarted(ctx, r, subscriber)
	e.log.DebugContext(ctx, "engine.listen.ok", slog.Bool("replay", a.replay))
}

func (e *Engine) ackListen(ctx context.Context, sess *sessions.Session, a listenArgs) {
	if a.requestID == "" {
		return
	}
	if _, err := e.delivery.Send(ctx, sess, protocol.NewResponse(a.requestID, ListenAck{ListenID: a.listenID})); err != nil {
		e.log.DebugContext(ctx, "engine.listen.session_gone", slog.String("err", err.Error()))
	}
}

func (e *Engine) subscriberRequest(sess *sessions.Session, sub routes.Subscriber) *routes.Request {
	req := sub.Request()
	req.ClientType = sess.ClientType()
	req.Headers = sess.Headers()
	return req
}

// push delivers a PushNotification for sub. The received hook gets entity
// once the client acknowledged the push.
func (e *Engine) push(ctx context.Context, sess *sessions.Session, r *routes.Route, sub routes.Subscriber, entity, out any) bool {
	d, err := e.delivery.Send(ctx, sess, protocol.NewPushNotification(sub.ListenID, out))
	if err != nil {
		e.log.DebugContext(ctx, "engine.push.session_gone", slog.String("listen_id", sub.ListenID))
		return false
	}
	if r.OnReceived != nil {
		hookCtx := context.WithoutCancel(ctx)
		d.OnSettled(func(o sessions.Outcome) {
			if o == sessions.Acknowledged {
				e.runHook(hookCtx, "on_received", func() { r.OnReceived(hookCtx, entity, sub) })
			}
		})
	}
	return true
}

func (e *Engine) pushStop(ctx context.Context, sess *sessions.Session, listenID string) {
	if _, err := e.delivery.Send(ctx, sess, protocol.NewStopListening(listenID)); err != nil {
		e.log.DebugContext(ctx, "engine.stop_listening.session_gone", slog.String("listen_id", listenID))
	}
}

func (e *Engine) listenStarted(ctx context.Context, r *routes.Route, sub routes.Subscriber) {
	if r.OnListenStarted == nil {
		return
	}
	e.runHook(ctx, "on_listen_started", func() { r.OnListenStarted(ctx, sub) })
}

func (e *Engine) listenStopped(ctx context.Context, ident routes.Identity, sub *sessions.Subscription) {
	r, ok := e.registry.Lookup(sub.Route, protocol.VerbRead)
	if !ok || r.OnListenStopped == nil {
		return
	}
	e.runHook(ctx, "on_listen_stopped", func() { r.OnListenStopped(ctx, subscriberOf(ident, sub)) })
}

// revoke tears down one subscription from the server side and tells the
// client. A newer subscription reusing the listen id is left alone.
func (e *Engine) revoke(ctx context.Context, sess *sessions.Session, ident routes.Identity, sub *sessions.Subscription) {
	removed := sess.RemoveSubscriptionsWhere(func(s *sessions.Subscription) bool {
		return s.ListenID == sub.ListenID && s.RequestID == sub.RequestID && s.CreatedAt.Equal(sub.CreatedAt)
	})
	for _, s := range removed {
		e.listenStopped(ctx, ident, s)
		e.pushStop(ctx, sess, s.ListenID)
	}
}

// ping answers a client Ping and reconciles the session's subscriptions
// with the listens the client enumerates: server-side listens the client no
// longer holds are stopped, client listens the server lacks are replayed.
func (e *Engine) ping(ctx context.Context, sess *sessions.Session, c *sessions.Conn, f *protocol.Frame) {
	if err := e.delivery.SendUntracked(ctx, sess, protocol.NewPong()); err != nil {
		e.log.DebugContext(ctx, "engine.ping.pong_fail", slog.String("err", err.Error()))
	}

	held := make(map[string]bool, len(f.ActiveListens))
	for _, al := range f.ActiveListens {
		held[al.ListenID] = true
	}
	ident := identityOf(sess.ID(), sess.Identity())
	stale := sess.RemoveSubscriptionsWhere(func(s *sessions.Subscription) bool { return !held[s.ListenID] })
	for _, s := range stale {
		e.listenStopped(ctx, ident, s)
	}

	replayed := 0
	for _, al := range f.ActiveListens {
		if al.ListenID == "" {
			continue
		}
		if _, ok := sess.Subscription(al.ListenID); ok {
			continue
		}
		e.listen(ctx, sess, listenArgs{
			conn:      c,
			route:     al.Route,
			listenID:  al.ListenID,
			params:    al.Params,
			requestID: al.RequestID,
			replay:    true,
		})
		replayed++
	}
	if len(stale) > 0 || replayed > 0 {
		e.log.InfoContext(ctx, "engine.ping.reconcile", slog.Int("stopped", len(stale)), slog.Int("replayed", replayed))
	}
}

type target struct {
	sess *sessions.Session
	raw  *sessions.Subscription
	sub  routes.Subscriber
}

// targets collects every subscription to r, skipping sessions that no
// longer satisfy the route's authentication requirement.
func (e *Engine) targets(r *routes.Route) []target {
	var out []target
	for _, sess := range e.store.Snapshot() {
		var ident routes.Identity
		loaded := false
		for _, s := range sess.Subscriptions() {
			if s.Route != r.Name {
				continue
			}
			if !loaded {
				ident = identityOf(sess.ID(), sess.Identity())
				loaded = true
			}
			if r.RequireAuthentication && !ident.Authenticated {
				break
			}
			out = append(out, target{sess: sess, raw: s, sub: subscriberOf(ident, s)})
		}
	}
	return out
}

func (e *Engine) awaitListening(ctx context.Context) error {
	if e.notifyDelay <= 0 {
		return nil
	}
	wait := time.Until(time.Unix(0, e.listeningSince.Load()).Add(e.notifyDelay))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify re-evaluates route name for its subscribers and pushes the result.
// The Where predicate runs before any resolution; subscribers failing it
// cost nothing. Without a Resolve override the route's own handler runs
// once per subscriber. A permission failure while resolving revokes that
// subscription. Notify returns the number of pushes sent.
func (e *Engine) Notify(ctx context.Context, name string, opts routes.NotifyOptions) (int, error) {
	r, err := e.lookupListenable(name)
	if err != nil {
		return 0, fmt.Errorf("notify %q: %w", name, err)
	}
	if err := e.awaitListening(ctx); err != nil {
		return 0, err
	}

	start := time.Now()
	pushed := 0
	for _, t := range e.targets(r) {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		if opts.Where != nil && !opts.Where(t.sub) {
			continue
		}
		req := e.subscriberRequest(t.sess, t.sub)
		var entity any
		if opts.Resolve != nil {
			entity, err = r.ResolveWith(ctx, opts.Resolve, t.sub)
		} else {
			entity, err = r.Resolve(ctx, req)
		}
		var out any
		if err == nil {
			out, err = r.Output(ctx, entity, req)
		}
		if err != nil {
			if protocol.HasCode(err, protocol.CodePermissionDenied, protocol.CodePendingAuthentication) {
				e.log.InfoContext(ctx, "engine.notify.revoke",
					slog.String("route", name),
					slog.String("session_id", t.sess.ID()),
					slog.String("listen_id", t.sub.ListenID),
				)
				e.revoke(ctx, t.sess, t.sub.Identity, t.raw)
				continue
			}
			e.log.WarnContext(ctx, "engine.notify.resolve_fail",
				slog.String("route", name),
				slog.String("session_id", t.sess.ID()),
				slog.String("err", err.Error()),
			)
			continue
		}
		if e.push(ctx, t.sess, r, t.sub, entity, out) {
			pushed++
		}
	}
	e.log.DebugContext(ctx, "engine.notify.done",
		slog.String("route", name),
		slog.Int("pushed", pushed),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return pushed, nil
}

// Broadcast pushes a precomputed output to the subscribers of route name,
// limited to sessions authenticated as one of userIDs when any are given.
// The received hook gets output as its entity.
func (e *Engine) Broadcast(ctx context.Context, name string, output any, userIDs []string) (int, error) {
	r, err := e.lookupListenable(name)
	if err != nil {
		return 0, fmt.Errorf("broadcast %q: %w", name, err)
	}
	if err := e.awaitListening(ctx); err != nil {
		return 0, err
	}
	pushed := 0
	for _, t := range e.targets(r) {
		if len(userIDs) > 0 && !(t.sub.Authenticated && slices.Contains(userIDs, t.sub.UserID)) {
			continue
		}
		if e.push(ctx, t.sess, r, t.sub, output, output) {
			pushed++
		}
	}
	return pushed, nil
}

// StopListening removes every listen on route name held by sessions
// authenticated as userID and sends StopListening for each.
func (e *Engine) StopListening(ctx context.Context, name, userID string) int {
	stopped := 0
	for _, sess := range e.store.SessionsByUserID(userID) {
		ident := identityOf(sess.ID(), sess.Identity())
		for _, s := range sess.RemoveSubscriptionsWhere(func(s *sessions.Subscription) bool { return s.Route == name }) {
			e.listenStopped(ctx, ident, s)
			e.pushStop(ctx, sess, s.ListenID)
			stopped++
		}
	}
	if stopped > 0 {
		e.log.InfoContext(ctx, "engine.stop_listening", slog.String("route", name), slog.String("user_id", userID), slog.Int("stopped", stopped))
	}
	return stopped
}

// ClearAuthentication resets every session authenticated as userID to
// pending without closing its transport. It returns how many sessions were
// reset.
func (e *Engine) ClearAuthentication(ctx context.Context, userID string) int {
	sessList := e.store.SessionsByUserID(userID)
	for _, sess := range sessList {
		sess.ClearAuthentication()
	}
	if len(sessList) > 0 {
		e.log.InfoContext(ctx, "engine.clear_authentication", slog.String("user_id", userID), slog.Int("sessions", len(sessList)))
	}
	return len(sessList)
}
