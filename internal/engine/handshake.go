package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/realtime-go/auth"
	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
	"github.com/ggoodman/realtime-go/sessions"
)

// configure binds c to the session named in the frame. It is always
// allowed: reconfiguring moves the session to the new transport, closes the
// previous one and resets the authentication to pending.
func (e *Engine) configure(ctx context.Context, c *sessions.Conn, f *protocol.Frame) {
	if old := e.boundSession(c); old != nil && old.ID() != f.SessionID {
		ident := identityOf(old.ID(), old.Identity())
		if subs, ok := old.Unbind(c, e.store.Now()); ok {
			for _, sub := range subs {
				e.listenStopped(ctx, ident, sub)
			}
		}
	}

	info := sessions.ConnectionInfo{ClientType: f.ClientType, Headers: f.Headers}
	var (
		sess *sessions.Session
		prev *sessions.Conn
		err  error
	)
	// A grace cleanup may remove the session between lookup and bind.
	for attempt := 0; attempt < 2; attempt++ {
		sess = e.store.GetOrCreate(f.SessionID)
		if prev, err = sess.Bind(c, info); err == nil {
			break
		}
	}
	if err != nil {
		e.log.WarnContext(ctx, "engine.configure.fail", slog.String("session_id", f.SessionID), slog.String("err", err.Error()))
		return
	}
	ctx = withSession(ctx, sess)
	if prev != nil {
		e.log.InfoContext(ctx, "engine.configure.replace", slog.String("prev_conn_id", prev.ID()))
		_ = prev.Close()
	}

	if f.RequestID != "" {
		if err := e.delivery.SendUntracked(ctx, sess, protocol.NewReceipt(f.RequestID)); err != nil {
			e.log.DebugContext(ctx, "engine.receipt.fail", slog.String("err", err.Error()))
		}
	}
	if _, err := e.delivery.Send(ctx, sess, protocol.NewConfigureConnectionAck(f.RequestID, e.tunablesFor(f.ClientType))); err != nil {
		e.log.DebugContext(ctx, "engine.configure.session_gone", slog.String("err", err.Error()))
		return
	}
	e.log.InfoContext(ctx, "engine.configure.ok",
		slog.String("conn_id", c.ID()),
		slog.String("client_type", f.ClientType),
		slog.Int("client_version", f.ClientVersion),
	)
}

// authenticate runs the authenticate callback against the frame's
// credential and replies with a tracked AuthenticateResult. The outcome only
// applies while c is still the session's connection; a reconfigure during
// the callback discards it.
func (e *Engine) authenticate(ctx context.Context, sess *sessions.Session, c *sessions.Conn, f *protocol.Frame) {
	if f.RequestID != "" && !e.admit(ctx, sess, f.RequestID) {
		return
	}
	sess.ClearAuthentication()

	start := time.Now()
	d := auth.Run(ctx, e.log, e.authFn, &auth.Request{
		SessionID:  sess.ID(),
		ClientType: sess.ClientType(),
		Headers:    sess.Headers(),
		Credential: f.Credential,
	}, e.authTimeout)

	res := &protocol.AuthenticateResult{Kind: protocol.KindAuthenticateResult, RequestID: f.RequestID}
	var err error
	switch d.Outcome {
	case auth.OutcomeAuthenticated:
		err = sess.SetAuthenticatedOn(c, d.UserID, d.Claims, d.Locals)
		res.UserID = d.UserID
		res.Claims = d.Claims
	case auth.OutcomeUnauthenticated:
		err = sess.SetUnauthenticatedOn(c)
	default:
		err = sess.SetUnauthenticatedOn(c)
		res.ErrorCode = string(d.ErrorCode)
		res.ErrorDescription = d.Description
	}
	if err != nil {
		e.log.InfoContext(ctx, "engine.authenticate.stale",
			slog.String("conn_id", c.ID()),
			slog.String("outcome", d.Outcome.String()),
			slog.String("err", err.Error()),
		)
		return
	}

	e.log.InfoContext(ctx, "engine.authenticate.done",
		slog.String("outcome", d.Outcome.String()),
		slog.String("user_id", d.UserID),
		slog.String("error_code", string(d.ErrorCode)),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)

	dl, err := e.delivery.Send(ctx, sess, res)
	if err != nil {
		return
	}
	hookCtx := context.WithoutCancel(ctx)
	switch d.Outcome {
	case auth.OutcomeAuthenticated:
		userID := d.UserID
		dl.OnSettled(func(o sessions.Outcome) {
			if o == sessions.Acknowledged {
				e.renotifyUser(hookCtx, sess, userID)
			}
		})
	case auth.OutcomeRejected:
		dl.OnSettled(func(o sessions.Outcome) {
			if o == sessions.Acknowledged {
				e.log.InfoContext(hookCtx, "engine.authenticate.reject_close", slog.String("conn_id", c.ID()))
				_ = c.Close()
			}
		})
	}
}

// renotifyUser re-pushes every route sess listens to, for the subscribers
// authenticated as userID. Data may have become visible only now.
func (e *Engine) renotifyUser(ctx context.Context, sess *sessions.Session, userID string) {
	seen := make(map[string]bool)
	for _, sub := range sess.Subscriptions() {
		if seen[sub.Route] {
			continue
		}
		seen[sub.Route] = true
		if _, err := e.Notify(ctx, sub.Route, routes.NotifyOptions{Where: routes.UserIs(userID)}); err != nil {
			e.log.DebugContext(ctx, "engine.authenticate.renotify_fail", slog.String("route", sub.Route), slog.String("err", err.Error()))
		}
	}
}
