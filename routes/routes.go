// Package routes defines the route handlers an application registers with
// the realtime server, and the registry the dispatcher resolves them from.
//
// A route is identified by its name and verb. READ routes double as
// listenable routes: a Listen request runs the same Handle function to
// produce the initial push, and every later notify runs it again per
// subscriber unless the caller supplies an override resolver.
package routes

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"

	"github.com/ggoodman/realtime-go/protocol"
)

var (
	// ErrDuplicateRoute is returned when a name and verb pair is registered twice.
	ErrDuplicateRoute = errors.New("route already registered")
	// ErrInvalidRoute is returned when registering a malformed route.
	ErrInvalidRoute = errors.New("invalid route")
	// ErrHandlerPanic wraps a recovered panic from route code.
	ErrHandlerPanic = errors.New("route handler panicked")
)

// Identity is the authentication context a route call runs under.
type Identity struct {
	SessionID     string
	UserID        string
	Authenticated bool
	Claims        []string
	// Locals is the authentication-scoped data attached by the authenticate
	// callback. The server never inspects it.
	Locals map[string]any
}

// Request is a single route invocation.
type Request struct {
	Identity
	Verb       protocol.Verb
	Route      string
	RequestID  string
	ClientType string
	Headers    map[string]any
	Params     map[string]any
	Body       any
	// ListenID is set when the call resolves a listen or a notify.
	ListenID string
}

// Bind decodes the request params into v.
func (r *Request) Bind(v any) error { return protocol.Rebind(r.Params, v) }

// BindBody decodes the request body into v.
func (r *Request) BindBody(v any) error { return protocol.Rebind(r.Body, v) }

// Subscriber is the view of one active listen handed to notify predicates,
// override resolvers and listen hooks.
type Subscriber struct {
	Identity
	Route     string
	ListenID  string
	Params    map[string]any
	RequestID string
}

// Request builds the READ request a subscriber's data is resolved with.
func (s Subscriber) Request() *Request {
	return &Request{
		Identity:  s.Identity,
		Verb:      protocol.VerbRead,
		Route:     s.Route,
		RequestID: s.RequestID,
		Params:    maps.Clone(s.Params),
		ListenID:  s.ListenID,
	}
}

// Handler resolves a request to a domain entity. Returning a *protocol.Error
// (possibly wrapped) produces a typed error response; any other error becomes
// INTERNAL_ERROR. A nil entity with a nil error is a successful empty result.
type Handler func(ctx context.Context, req *Request) (any, error)

// Resolver produces the entity pushed to one subscriber during a notify.
type Resolver func(ctx context.Context, sub Subscriber) (any, error)

// Route is a named, verb-tagged handler. Routes are immutable once
// registered.
type Route struct {
	Name                  string
	Verb                  protocol.Verb
	RequireAuthentication bool
	Handle                Handler

	// ToOutput converts the entity into its wire form. The entity is sent
	// as-is when nil.
	ToOutput func(ctx context.Context, entity any, req *Request) (any, error)

	// OnDelivered runs once the client acknowledged the response, with the
	// entity the handler returned.
	OnDelivered func(ctx context.Context, entity any, req *Request)

	// OnReceived runs once the client acknowledged a push for a listen on
	// this route. READ routes only.
	OnReceived func(ctx context.Context, entity any, sub Subscriber)

	// OnListenStarted runs once a listen is established, including when its
	// initial resolution failed with an error other than a permission error;
	// such a listen stays registered and a later notify may resolve it. It
	// does not run when a permission error undoes the listen, nor when the
	// connection went away before resolution finished. OnListenStopped runs
	// whenever a registered listen is torn down.
	OnListenStarted func(ctx context.Context, sub Subscriber)
	OnListenStopped func(ctx context.Context, sub Subscriber)
}

// Validate checks that r can be registered.
func (r *Route) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRoute)
	}
	if !r.Verb.Valid() {
		return fmt.Errorf("%w: %s has unknown verb %q", ErrInvalidRoute, r.Name, r.Verb)
	}
	if r.Handle == nil {
		return fmt.Errorf("%w: %s %s has no handler", ErrInvalidRoute, r.Verb, r.Name)
	}
	if r.Verb != protocol.VerbRead && (r.OnReceived != nil || r.OnListenStarted != nil || r.OnListenStopped != nil) {
		return fmt.Errorf("%w: %s %s declares listen hooks but is not a READ route", ErrInvalidRoute, r.Verb, r.Name)
	}
	return nil
}

// Listenable reports whether clients may listen to r.
func (r *Route) Listenable() bool { return r.Verb == protocol.VerbRead }

// Resolve runs the handler, converting a panic into an error wrapping
// ErrHandlerPanic.
func (r *Route) Resolve(ctx context.Context, req *Request) (entity any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s %s: %v\n%s", ErrHandlerPanic, r.Verb, r.Name, p, debug.Stack())
		}
	}()
	return r.Handle(ctx, req)
}

// ResolveWith runs an override resolver for sub under the same panic
// protection as Resolve.
func (r *Route) ResolveWith(ctx context.Context, fn Resolver, sub Subscriber) (entity any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s %s override: %v\n%s", ErrHandlerPanic, r.Verb, r.Name, p, debug.Stack())
		}
	}()
	return fn(ctx, sub)
}

// Output converts entity to its wire form.
func (r *Route) Output(ctx context.Context, entity any, req *Request) (out any, err error) {
	if r.ToOutput == nil {
		return entity, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s %s output: %v", ErrHandlerPanic, r.Verb, r.Name, p)
		}
	}()
	return r.ToOutput(ctx, entity, req)
}

// Typed adapts a handler taking decoded params P to a Handler. Params that
// fail to decode are rejected with BAD_REQUEST.
func Typed[P any](fn func(ctx context.Context, req *Request, params P) (any, error)) Handler {
	return func(ctx context.Context, req *Request) (any, error) {
		var p P
		if len(req.Params) > 0 {
			if err := req.Bind(&p); err != nil {
				return nil, protocol.NewError(protocol.CodeBadRequest, "invalid params: %v", err)
			}
		}
		return fn(ctx, req, p)
	}
}

// TypedBody adapts a handler taking a decoded body B to a Handler.
func TypedBody[B any](fn func(ctx context.Context, req *Request, body B) (any, error)) Handler {
	return func(ctx context.Context, req *Request) (any, error) {
		var b B
		if req.Body != nil {
			if err := req.BindBody(&b); err != nil {
				return nil, protocol.NewError(protocol.CodeBadRequest, "invalid body: %v", err)
			}
		}
		return fn(ctx, req, b)
	}
}

// NotifyOptions scopes and customizes a notify.
type NotifyOptions struct {
	// Where is evaluated per subscriber before any resolution. Subscribers
	// for which it returns false are skipped entirely.
	Where func(sub Subscriber) bool
	// Resolve replaces the route's handler for this notify.
	Resolve Resolver
}

// UserIs returns a predicate matching subscribers authenticated as userID.
func UserIs(userID string) func(Subscriber) bool {
	return func(s Subscriber) bool { return s.Authenticated && s.UserID == userID }
}

// UserIn returns a predicate matching subscribers authenticated as any of
// userIDs.
func UserIn(userIDs ...string) func(Subscriber) bool {
	ids := slices.Clone(userIDs)
	return func(s Subscriber) bool { return s.Authenticated && slices.Contains(ids, s.UserID) }
}
