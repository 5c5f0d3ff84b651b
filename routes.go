package realtime

import (
	"context"
	"fmt"

	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
)

// Registrar registers routes with a fixed authentication requirement.
type Registrar struct {
	s           *Server
	requireAuth bool
}

// ForAuthenticatedUsers registers routes only authenticated sessions may
// call or listen to.
func (s *Server) ForAuthenticatedUsers() *Registrar {
	return &Registrar{s: s, requireAuth: true}
}

// ForAllUsers registers routes any configured session may call.
func (s *Server) ForAllUsers() *Registrar {
	return &Registrar{s: s}
}

func (rg *Registrar) Create(r routes.Route) (*RouteHandle, error) {
	return rg.register(protocol.VerbCreate, r)
}

// Read registers a READ route. Clients may also listen to it.
func (rg *Registrar) Read(r routes.Route) (*RouteHandle, error) {
	return rg.register(protocol.VerbRead, r)
}

func (rg *Registrar) Update(r routes.Route) (*RouteHandle, error) {
	return rg.register(protocol.VerbUpdate, r)
}

func (rg *Registrar) Delete(r routes.Route) (*RouteHandle, error) {
	return rg.register(protocol.VerbDelete, r)
}

func (rg *Registrar) register(verb protocol.Verb, r routes.Route) (*RouteHandle, error) {
	r.Verb = verb
	r.RequireAuthentication = rg.requireAuth
	reg, err := rg.s.registry.Register(r)
	if err != nil {
		return nil, fmt.Errorf("register %s %s: %w", verb, r.Name, err)
	}
	return &RouteHandle{s: rg.s, route: reg}, nil
}

// RouteHandle is the server-side view of a registered route.
type RouteHandle struct {
	s     *Server
	route *routes.Route
}

func (h *RouteHandle) Name() string { return h.route.Name }

func (h *RouteHandle) Verb() protocol.Verb { return h.route.Verb }

// Notify re-resolves the route for its listeners and pushes the result.
// Options carrying a predicate or resolver apply to this node only; a plain
// notify reaches every node when a broker is configured.
func (h *RouteHandle) Notify(ctx context.Context, opts routes.NotifyOptions) error {
	if h.s.broker != nil && opts.Where == nil && opts.Resolve == nil {
		return h.s.publish(ctx, &clusterEvent{Type: eventNotify, Route: h.route.Name})
	}
	_, err := h.s.engine.Notify(ctx, h.route.Name, opts)
	return err
}

// BroadcastOptions describe a push whose output is computed once.
type BroadcastOptions struct {
	// Output is pushed as-is to every matching listener.
	Output any
	// UserIDs limits the push to sessions authenticated as one of them.
	// Empty means every listener.
	UserIDs []string
}

// Broadcast pushes opts.Output to the route's listeners on every node.
func (h *RouteHandle) Broadcast(ctx context.Context, opts BroadcastOptions) error {
	if h.s.broker != nil {
		return h.s.publish(ctx, &clusterEvent{
			Type:    eventBroadcast,
			Route:   h.route.Name,
			Output:  opts.Output,
			UserIDs: opts.UserIDs,
		})
	}
	_, err := h.s.engine.Broadcast(ctx, h.route.Name, opts.Output, opts.UserIDs)
	return err
}

// StopListening ends every listen on this route held by userID's sessions.
// Clients receive StopListening for each.
func (h *RouteHandle) StopListening(ctx context.Context, userID string) error {
	if h.s.broker != nil {
		return h.s.publish(ctx, &clusterEvent{Type: eventStopListening, Route: h.route.Name, UserID: userID})
	}
	h.s.engine.StopListening(ctx, h.route.Name, userID)
	return nil
}
