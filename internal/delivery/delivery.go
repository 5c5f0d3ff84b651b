// Package delivery implements acknowledged, retried delivery of outbound
// messages to sessions.
//
// Every tracked message is stamped with a fresh serverId and appended to the
// session's pending list before the first transmit attempt, so a message
// survives a disconnect that happens mid-send. A retry loop re-transmits
// pending messages until the client confirms them or the give-up horizon
// passes.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/sessions"
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultGiveUpAfter   = 40 * time.Second
)

// ErrNoTransport is returned when a transmit finds the session disconnected.
var ErrNoTransport = errors.New("delivery: no live transport")

// Engine delivers messages to the sessions of one Store.
type Engine struct {
	store *sessions.Store
	log   *slog.Logger

	retryInterval time.Duration
	giveUpAfter   time.Duration
	newID         func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRetryInterval sets how often pending messages are re-transmitted.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryInterval = d
		}
	}
}

// WithGiveUpAfter sets how long a message is retried before it is dropped.
func WithGiveUpAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.giveUpAfter = d
		}
	}
}

// WithIDGenerator replaces the serverId generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New constructs an Engine over store. Time comes from the store's clock.
func New(store *sessions.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		log:           slog.Default(),
		retryInterval: DefaultRetryInterval,
		giveUpAfter:   DefaultGiveUpAfter,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Delivery resolves once its message leaves the pending list. It is the only
// completion signal a sender gets; subscribe with OnSettled or Wait.
type Delivery struct {
	serverID string

	mu      sync.Mutex
	outcome sessions.Outcome
	done    chan struct{}
	fn      func(sessions.Outcome)
}

func newDelivery(serverID string) *Delivery {
	return &Delivery{serverID: serverID, done: make(chan struct{})}
}

// ServerID is the tracking id the client must confirm.
func (d *Delivery) ServerID() string { return d.serverID }

// Done is closed once the delivery settled.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Outcome reports the settled outcome, or zero while pending.
func (d *Delivery) Outcome() sessions.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

// OnSettled registers fn to run with the outcome. If the delivery already
// settled, fn runs immediately on the calling goroutine. Only one callback
// is kept; a second registration replaces the first if it has not run yet.
func (d *Delivery) OnSettled(fn func(sessions.Outcome)) {
	d.mu.Lock()
	if d.outcome != 0 {
		o := d.outcome
		d.mu.Unlock()
		fn(o)
		return
	}
	d.fn = fn
	d.mu.Unlock()
}

// Wait blocks until the delivery settles or ctx is done.
func (d *Delivery) Wait(ctx context.Context) (sessions.Outcome, error) {
	select {
	case <-d.done:
		return d.Outcome(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *Delivery) settle(o sessions.Outcome) {
	d.mu.Lock()
	d.outcome = o
	fn := d.fn
	d.fn = nil
	close(d.done)
	d.mu.Unlock()
	if fn != nil {
		fn(o)
	}
}

// Send stamps msg with a fresh serverId, records it as pending on sess and
// attempts a first transmit. A missing or failing transport is not an error:
// the retry loop picks the message up. The error is non-nil only when the
// session is gone.
func (e *Engine) Send(ctx context.Context, sess *sessions.Session, msg protocol.Tracked) (*Delivery, error) {
	id := e.newID()
	msg.Track(id)
	d := newDelivery(id)
	p := sessions.NewPending(msg, e.store.Now(), d.settle)
	if err := sess.AppendPending(p); err != nil {
		return nil, err
	}
	_ = e.transmit(ctx, sess, msg)
	return d, nil
}

// SendUntracked transmits msg once without recording it. Used for receipts
// and pongs, which the client never confirms. It returns ErrNoTransport when
// the session is disconnected.
func (e *Engine) SendUntracked(ctx context.Context, sess *sessions.Session, msg protocol.Outbound) error {
	return e.transmit(ctx, sess, msg)
}

func (e *Engine) transmit(ctx context.Context, sess *sessions.Session, msg protocol.Outbound) error {
	c := sess.Conn()
	if c == nil {
		e.log.DebugContext(ctx, "delivery.transmit.no_transport",
			slog.String("session_id", sess.ID()),
			slog.String("kind", string(msg.OutboundKind())),
		)
		return ErrNoTransport
	}
	if err := c.Send(ctx, msg); err != nil {
		e.log.InfoContext(ctx, "delivery.transmit.fail",
			slog.String("session_id", sess.ID()),
			slog.String("conn_id", c.ID()),
			slog.String("kind", string(msg.OutboundKind())),
			slog.String("err", err.Error()),
		)
		return err
	}
	return nil
}

// Acknowledge settles the pending message with serverID. An empty serverID
// acknowledges every pending message of the session. It returns how many
// messages were settled; a stale or repeated ack settles none.
func (e *Engine) Acknowledge(sess *sessions.Session, serverID string) int {
	var acked []*sessions.Pending
	if serverID == "" {
		acked = sess.TakeAllPending()
	} else if p, ok := sess.TakePending(serverID); ok {
		acked = []*sessions.Pending{p}
	}
	for _, p := range acked {
		p.Settle(sessions.Acknowledged)
	}
	return len(acked)
}

// RetryOnce drops every pending message older than the give-up horizon and
// re-transmits the others that have waited at least one retry interval.
func (e *Engine) RetryOnce(ctx context.Context) {
	now := e.store.Now()
	giveUpBefore := now.Add(-e.giveUpAfter)
	resendBefore := now.Add(-e.retryInterval)

	for _, sess := range e.store.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		for _, p := range sess.TakeExpiredPending(giveUpBefore) {
			e.log.InfoContext(ctx, "delivery.retry.give_up",
				slog.String("session_id", sess.ID()),
				slog.String("server_id", p.ServerID()),
				slog.String("kind", string(p.Message.OutboundKind())),
			)
			p.Settle(sessions.GivenUp)
		}
		if sess.Conn() == nil {
			continue
		}
		for _, p := range sess.PendingSnapshot() {
			if p.FirstTryAt.After(resendBefore) {
				continue
			}
			_ = e.transmit(ctx, sess, p.Message)
		}
	}
}

// Run drives RetryOnce every retry interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.retryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.RetryOnce(ctx)
		}
	}
}
