package routes

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/realtime-go/protocol"
)

type key struct {
	name string
	verb protocol.Verb
}

// Registry holds the registered routes. Registration is expected at startup;
// lookups are safe from any goroutine.
type Registry struct {
	mu     sync.RWMutex
	routes map[key]*Route
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[key]*Route)}
}

// Register validates r and adds it. The registry keeps its own copy.
func (rg *Registry) Register(r Route) (*Route, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	k := key{name: r.Name, verb: r.Verb}

	rg.mu.Lock()
	defer rg.mu.Unlock()
	if _, ok := rg.routes[k]; ok {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateRoute, r.Verb, r.Name)
	}
	cp := r
	rg.routes[k] = &cp
	return &cp, nil
}

// Lookup finds the route registered for name and verb.
func (rg *Registry) Lookup(name string, verb protocol.Verb) (*Route, bool) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	r, ok := rg.routes[key{name: name, verb: verb}]
	return r, ok
}

// Routes returns every registered route ordered by name then verb.
func (rg *Registry) Routes() []*Route {
	rg.mu.RLock()
	out := make([]*Route, 0, len(rg.routes))
	for _, r := range rg.routes {
		out = append(out, r)
	}
	rg.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Route) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(string(a.Verb), string(b.Verb))
	})
	return out
}
