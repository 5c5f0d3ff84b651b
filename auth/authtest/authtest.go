// Package authtest provides Authenticators for tests and local development.
package authtest

import (
	"context"
	"fmt"

	"github.com/ggoodman/realtime-go/auth"
	"github.com/ggoodman/realtime-go/protocol"
)

// Tokens is an Authenticator backed by a fixed token to user id table.
type Tokens map[string]string

var _ auth.Authenticator = Tokens(nil)

// CheckAuthentication returns the user mapped to tok, or auth.ErrUnauthorized.
func (t Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	uid, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return userInfo(uid), nil
}

type userInfo string

func (u userInfo) UserID() string { return string(u) }

func (u userInfo) Claims(ref any) error {
	return protocol.Rebind(map[string]any{"sub": string(u)}, ref)
}

// AcceptAll is a Func authenticating every client as the user id found in
// its credential. Credentials that are not strings are rejected.
func AcceptAll(ctx context.Context, req *auth.Request, r *auth.Resolver) {
	uid, ok := req.Credential.(string)
	if !ok || uid == "" {
		_ = r.Reject(protocol.CodeInvalidCredential, "expected a user id")
		return
	}
	_ = r.AsAuthenticated(uid, nil, nil)
}

// Never is a Func that never decides, for exercising the timeout.
func Never(ctx context.Context, req *auth.Request, r *auth.Resolver) {}
