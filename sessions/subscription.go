package sessions

import (
	"maps"
	"time"
)

// Subscription is an active listen held by a session.
type Subscription struct {
	Route    string
	ListenID string
	Params   map[string]any
	// Locals is a snapshot of the session's locals taken when the listen
	// started.
	Locals                 map[string]any
	RequiresAuthentication bool
	// RequestID is the request that created the subscription, if any.
	RequestID string
	CreatedAt time.Time
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Params = maps.Clone(s.Params)
	cp.Locals = maps.Clone(s.Locals)
	return &cp
}
