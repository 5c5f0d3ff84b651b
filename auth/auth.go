package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrContractViolation is returned when a Func resolves an attempt more than
// once, or resolves it inconsistently with the timeout that already did.
var ErrContractViolation = errors.New("auth: completion handle used after the attempt was resolved")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Scoped is implemented by UserInfo values that carry OAuth scopes. Bearer
// uses them as the session's claims.
type Scoped interface {
	Scopes() []string
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Request is one authentication attempt.
type Request struct {
	SessionID  string
	ClientType string
	Headers    map[string]any
	// Credential is whatever the client put in its Authenticate message.
	Credential any
}

// Func decides an authentication attempt by calling exactly one of the
// Resolver's completion handles, synchronously or later.
type Func func(ctx context.Context, req *Request, r *Resolver)

// Unauthenticated accepts every client as unauthenticated. It is the default
// when the application does not supply a Func.
func Unauthenticated(_ context.Context, _ *Request, r *Resolver) {
	_ = r.AsUnauthenticated()
}
