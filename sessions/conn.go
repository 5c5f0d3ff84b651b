package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/realtime-go/protocol"
)

// Transport is the socket-level collaborator a session is bound to while a
// client is connected. Implementations MUST be safe for concurrent use.
type Transport interface {
	// ID is a process-unique identifier, used for logging.
	ID() string
	// Send encodes and transmits msg. It must not block indefinitely.
	Send(ctx context.Context, msg protocol.Outbound) error
	// Probe sends a transport-level liveness probe. Any traffic from the
	// peer counts as the answer.
	Probe(ctx context.Context) error
	// Close tears the transport down. It is idempotent; the transport's
	// owner is notified asynchronously through its close callback.
	Close() error
}

// Conn is a live Transport as tracked by the Store.
type Conn struct {
	t        Transport
	openedAt time.Time
	missed   atomic.Int32

	mu        sync.Mutex
	sessionID string
}

// Transport returns the underlying transport.
func (c *Conn) Transport() Transport { return c.t }

// ID returns the transport's identifier.
func (c *Conn) ID() string { return c.t.ID() }

// OpenedAt reports when the store first saw the transport.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// SessionID returns the id of the session this connection configured, or ""
// when the client has not configured the connection yet.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// MarkAlive records that the peer answered: any inbound traffic or probe
// response resets the missed-probe counter.
func (c *Conn) MarkAlive() { c.missed.Store(0) }

// MissedProbes is the number of consecutive probes left unanswered.
func (c *Conn) MissedProbes() int { return int(c.missed.Load()) }

// Probe counts a new outstanding probe and sends it.
func (c *Conn) Probe(ctx context.Context) error {
	c.missed.Add(1)
	return c.t.Probe(ctx)
}

// Send transmits msg over the transport.
func (c *Conn) Send(ctx context.Context, msg protocol.Outbound) error {
	return c.t.Send(ctx, msg)
}

// Close closes the transport.
func (c *Conn) Close() error { return c.t.Close() }
