package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ggoodman/realtime-go/protocol"
)

// BearerOption configures Bearer.
type BearerOption func(*bearerConfig)

type bearerConfig struct {
	allowAnonymous bool
	locals         func(ctx context.Context, ui UserInfo) map[string]any
	log            *slog.Logger
}

// AllowAnonymous accepts clients that present no credential as
// unauthenticated instead of rejecting them.
func AllowAnonymous() BearerOption {
	return func(c *bearerConfig) { c.allowAnonymous = true }
}

// WithLocals derives the session locals from the verified user.
func WithLocals(fn func(ctx context.Context, ui UserInfo) map[string]any) BearerOption {
	return func(c *bearerConfig) { c.locals = fn }
}

// WithBearerLogger sets the logger used for verification failures.
func WithBearerLogger(l *slog.Logger) BearerOption {
	return func(c *bearerConfig) { c.log = l }
}

// Bearer adapts an Authenticator into a Func. The credential may be a token
// string (optionally prefixed with "Bearer ") or an object with a "token" or
// "accessToken" field.
func Bearer(a Authenticator, opts ...BearerOption) Func {
	cfg := bearerConfig{log: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(ctx context.Context, req *Request, r *Resolver) {
		tok := TokenFromCredential(req.Credential)
		if tok == "" {
			if cfg.allowAnonymous {
				_ = r.AsUnauthenticated()
				return
			}
			_ = r.Reject(protocol.CodeInvalidCredential, "missing credential")
			return
		}

		ui, err := a.CheckAuthentication(ctx, tok)
		switch {
		case errors.Is(err, ErrInsufficientScope):
			cfg.log.InfoContext(ctx, "auth.bearer.insufficient_scope", slog.String("session_id", req.SessionID))
			_ = r.Reject(protocol.CodePermissionDenied, "insufficient scope")
			return
		case errors.Is(err, ErrUnauthorized):
			cfg.log.InfoContext(ctx, "auth.bearer.unauthorized", slog.String("session_id", req.SessionID), slog.String("err", err.Error()))
			_ = r.Reject(protocol.CodeInvalidCredential, "invalid token")
			return
		case err != nil:
			cfg.log.ErrorContext(ctx, "auth.bearer.fail", slog.String("session_id", req.SessionID), slog.String("err", err.Error()))
			_ = r.Reject(protocol.CodeInternalError, "authentication failed")
			return
		}

		var claims []string
		if s, ok := ui.(Scoped); ok {
			claims = s.Scopes()
		}
		var locals map[string]any
		if cfg.locals != nil {
			locals = cfg.locals(ctx, ui)
		}
		_ = r.AsAuthenticated(ui.UserID(), claims, locals)
	}
}

// TokenFromCredential extracts a bearer token from an Authenticate
// credential.
func TokenFromCredential(cred any) string {
	switch v := cred.(type) {
	case string:
		tok := strings.TrimSpace(v)
		if len(tok) > 7 && strings.EqualFold(tok[:7], "bearer ") {
			tok = strings.TrimSpace(tok[7:])
		}
		return tok
	case map[string]any:
		for _, k := range []string{"token", "accessToken", "access_token"} {
			if s, ok := v[k].(string); ok && s != "" {
				return TokenFromCredential(s)
			}
		}
	}
	return ""
}
