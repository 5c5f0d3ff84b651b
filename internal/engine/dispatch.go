package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/realtime-go/internal/logctx"
	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
	"github.com/ggoodman/realtime-go/sessions"
)

// HandleMessage processes one decoded frame received on c. It returns a
// non-nil error only for protocol violations, after closing c.
func (e *Engine) HandleMessage(ctx context.Context, c *sessions.Conn, f *protocol.Frame) error {
	start := time.Now()
	c.MarkAlive()

	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{
		Kind:      string(f.Kind),
		RequestID: f.RequestID,
		Route:     f.Route,
		ListenID:  f.ListenID,
	})

	if err := f.Validate(); err != nil {
		return e.violation(ctx, c, err)
	}

	if f.Kind == protocol.KindConfigureConnection {
		e.configure(ctx, c, f)
		return nil
	}

	sess := e.boundSession(c)
	if sess == nil {
		e.log.InfoContext(ctx, "engine.handle_message.drop",
			slog.String("conn_id", c.ID()),
			slog.String("reason", "connection not configured"),
		)
		return nil
	}
	ctx = withSession(ctx, sess)

	switch f.Kind {
	case protocol.KindPing:
		e.ping(ctx, sess, c, f)
	case protocol.KindAuthenticate:
		e.authenticate(ctx, sess, c, f)
	case protocol.KindConfirmReceipt:
		n := e.delivery.Acknowledge(sess, f.ServerID)
		e.log.DebugContext(ctx, "engine.confirm_receipt", slog.String("server_id", f.ServerID), slog.Int("settled", n))
	case protocol.KindRead, protocol.KindListen, protocol.KindModify:
		if !e.admit(ctx, sess, f.RequestID) {
			return nil
		}
		switch f.Kind {
		case protocol.KindRead:
			e.read(ctx, sess, f)
		case protocol.KindListen:
			e.listen(ctx, sess, listenArgs{
				conn:      c,
				route:     f.Route,
				listenID:  f.ListenID,
				params:    f.Params,
				requestID: f.RequestID,
			})
		case protocol.KindModify:
			e.modify(ctx, sess, f)
		}
	}

	e.log.DebugContext(ctx, "engine.handle_message.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

func (e *Engine) violation(ctx context.Context, c *sessions.Conn, err error) error {
	e.log.WarnContext(ctx, "engine.handle_message.violation",
		slog.String("conn_id", c.ID()),
		slog.String("err", err.Error()),
	)
	_ = c.Close()
	return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
}

// admit records requestID in the session's dedup cache and sends the early
// receipt. It reports false for a duplicate, which must not be processed
// again.
func (e *Engine) admit(ctx context.Context, sess *sessions.Session, requestID string) bool {
	if sess.RecordRequest(requestID, e.store.Now()) {
		e.log.DebugContext(ctx, "engine.handle_message.duplicate")
		return false
	}
	if err := e.delivery.SendUntracked(ctx, sess, protocol.NewReceipt(requestID)); err != nil {
		e.log.DebugContext(ctx, "engine.receipt.fail", slog.String("err", err.Error()))
	}
	return true
}

func (e *Engine) newRequest(sess *sessions.Session, verb protocol.Verb, f *protocol.Frame) *routes.Request {
	return &routes.Request{
		Identity:   identityOf(sess.ID(), sess.Identity()),
		Verb:       verb,
		Route:      f.Route,
		RequestID:  f.RequestID,
		ClientType: sess.ClientType(),
		Headers:    sess.Headers(),
		Params:     f.Params,
		Body:       f.Body,
		ListenID:   f.ListenID,
	}
}

// route resolves name and verb for a client request and checks the
// session may call it.
func (e *Engine) route(name string, verb protocol.Verb, ident routes.Identity) (*routes.Route, error) {
	r, ok := e.registry.Lookup(name, verb)
	if !ok {
		return nil, protocol.NewError(protocol.CodeInvalidRoute, "no %s route named %q", verb, name)
	}
	if r.RequireAuthentication && !ident.Authenticated {
		return nil, protocol.NewError(protocol.CodePendingAuthentication, "%s %s requires an authenticated session", verb, name)
	}
	return r, nil
}

func (e *Engine) read(ctx context.Context, sess *sessions.Session, f *protocol.Frame) {
	req := e.newRequest(sess, protocol.VerbRead, f)
	r, err := e.route(f.Route, protocol.VerbRead, req.Identity)
	if err != nil {
		e.respondError(ctx, sess, req.RequestID, err)
		return
	}
	entity, err := r.Resolve(ctx, req)
	e.respond(ctx, sess, r, req, entity, err)
}

func (e *Engine) modify(ctx context.Context, sess *sessions.Session, f *protocol.Frame) {
	switch f.Verb {
	case protocol.VerbCreate, protocol.VerbUpdate, protocol.VerbDelete:
	default:
		e.respondError(ctx, sess, f.RequestID, protocol.NewError(protocol.CodeBadRequest, "unsupported modify verb %q", f.Verb))
		return
	}
	req := e.newRequest(sess, f.Verb, f)
	r, err := e.route(f.Route, f.Verb, req.Identity)
	if err != nil {
		e.respondError(ctx, sess, req.RequestID, err)
		return
	}
	entity, err := r.Resolve(ctx, req)
	e.respond(ctx, sess, r, req, entity, err)
}

// respond delivers the terminal outcome of a route call. The delivered hook
// receives the entity the handler produced, not its wire output.
func (e *Engine) respond(ctx context.Context, sess *sessions.Session, r *routes.Route, req *routes.Request, entity any, err error) {
	if err != nil {
		e.respondError(ctx, sess, req.RequestID, err)
		return
	}
	out, err := r.Output(ctx, entity, req)
	if err != nil {
		e.respondError(ctx, sess, req.RequestID, err)
		return
	}
	d, err := e.delivery.Send(ctx, sess, protocol.NewResponse(req.RequestID, out))
	if err != nil {
		e.log.DebugContext(ctx, "engine.respond.session_gone", slog.String("err", err.Error()))
		return
	}
	if r.OnDelivered == nil {
		return
	}
	hookCtx := context.WithoutCancel(ctx)
	d.OnSettled(func(o sessions.Outcome) {
		if o != sessions.Acknowledged {
			return
		}
		e.runHook(hookCtx, "on_delivered", func() { r.OnDelivered(hookCtx, entity, req) })
	})
}

// respondError delivers err as an error response. INVALID_CREDENTIAL closes
// the session's transport once the response has been handed to it.
func (e *Engine) respondError(ctx context.Context, sess *sessions.Session, requestID string, err error) {
	pe := e.wireError(ctx, err)
	if _, sendErr := e.delivery.Send(ctx, sess, protocol.NewErrorResponse(requestID, pe)); sendErr != nil {
		e.log.DebugContext(ctx, "engine.respond.session_gone", slog.String("err", sendErr.Error()))
		return
	}
	if pe.Code == protocol.CodeInvalidCredential {
		if c := sess.Conn(); c != nil {
			e.log.InfoContext(ctx, "engine.respond.invalid_credential_close", slog.String("conn_id", c.ID()))
			_ = c.Close()
		}
	}
}

// wireError converts a handler failure into the error sent to the client.
func (e *Engine) wireError(ctx context.Context, err error) *protocol.Error {
	if pe, ok := protocol.AsError(err); ok {
		cp := *pe
		return &cp
	}
	e.log.ErrorContext(ctx, "engine.handler.error", slog.String("err", err.Error()))
	desc := internalErrorDescription
	if e.exposeInternalErrors {
		desc = err.Error()
	}
	return &protocol.Error{Code: protocol.CodeInternalError, Description: desc}
}
