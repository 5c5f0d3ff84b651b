package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the connection, session and message
// attributes stored in the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("codec", cd.Codec),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("auth", sd.AuthState),
		))
	}

	if md, ok := ctx.Value(msgDataKey{}).(*MessageData); ok {
		attrs := []any{slog.String("kind", md.Kind)}
		if md.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", md.RequestID))
		}
		if md.Route != "" {
			attrs = append(attrs, slog.String("route", md.Route))
		}
		if md.ListenID != "" {
			attrs = append(attrs, slog.String("listen_id", md.ListenID))
		}
		r.AddAttrs(slog.Group("msg", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type connDataKey struct{}

// ConnData identifies the transport a log line relates to.
type ConnData struct {
	ConnID     string
	RemoteAddr string
	Codec      string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	UserID    string
	AuthState string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type msgDataKey struct{}

// MessageData describes the inbound message being handled.
type MessageData struct {
	Kind      string
	RequestID string
	Route     string
	ListenID  string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, msgDataKey{}, data)
}
