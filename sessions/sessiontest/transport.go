// Package sessiontest provides an in-memory sessions.Transport for tests.
package sessiontest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/sessions"
)

// ErrClosed is returned by Send and Probe after Close.
var ErrClosed = errors.New("transport closed")

var nextID atomic.Int64

// Transport records everything sent through it.
type Transport struct {
	id string

	mu      sync.Mutex
	sent    []protocol.Outbound
	failing error
	closed  bool
	notify  chan struct{}
	onClose func()

	probes atomic.Int32
}

// NewTransport constructs an open Transport.
func NewTransport() *Transport {
	return &Transport{
		id:     "test-" + strconv.FormatInt(nextID.Add(1), 10),
		notify: make(chan struct{}, 1),
	}
}

var _ sessions.Transport = (*Transport)(nil)

func (t *Transport) ID() string { return t.id }

func (t *Transport) Send(ctx context.Context, msg protocol.Outbound) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.failing != nil {
		err := t.failing
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) Probe(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.probes.Add(1)
	return nil
}

// Close marks the transport closed and runs the OnClose callback once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fn := t.onClose
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// OnClose registers fn to run when the transport is closed.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// FailSends makes every subsequent Send return err. A nil err restores
// normal behaviour.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.failing = err
	t.mu.Unlock()
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Probes is the number of probes sent.
func (t *Transport) Probes() int { return int(t.probes.Load()) }

// Sent returns a copy of every message sent so far.
func (t *Transport) Sent() []protocol.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Outbound, len(t.sent))
	copy(out, t.sent)
	return out
}

// Reset forgets recorded messages.
func (t *Transport) Reset() {
	t.mu.Lock()
	t.sent = nil
	t.mu.Unlock()
}

// OfKind returns the recorded messages of kind k.
func (t *Transport) OfKind(k protocol.Kind) []protocol.Outbound {
	var out []protocol.Outbound
	for _, m := range t.Sent() {
		if m.OutboundKind() == k {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor blocks until match returns true for some recorded message, or the
// timeout elapses. It returns the matching message.
func (t *Transport) WaitFor(timeout time.Duration, match func(protocol.Outbound) bool) (protocol.Outbound, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, m := range t.Sent() {
			if match(m) {
				return m, true
			}
		}
		select {
		case <-t.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}

// WaitForKind waits for the n-th message (1-based) of kind k.
func (t *Transport) WaitForKind(timeout time.Duration, k protocol.Kind, n int) (protocol.Outbound, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := t.OfKind(k); len(got) >= n {
			return got[n-1], true
		}
		select {
		case <-t.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}
