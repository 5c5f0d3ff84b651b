// Package keepalive runs the two periodic tasks that keep the session store
// honest: the liveness sweep, which probes live transports and closes the
// unresponsive ones, and the grace cleanup, which purges sessions whose
// client is presumed gone for good.
package keepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/realtime-go/sessions"
)

const (
	DefaultProbeInterval   = 12 * time.Second
	DefaultMissedProbes    = 1
	DefaultGracePeriod     = 53 * time.Second
	DefaultHandshakeGrace  = 20 * time.Second
	DefaultCleanupInterval = 5 * time.Second
)

// Supervisor owns the liveness sweep and grace cleanup loops.
type Supervisor struct {
	store *sessions.Store
	log   *slog.Logger

	probeInterval   time.Duration
	missedProbes    int
	gracePeriod     time.Duration
	handshakeGrace  time.Duration
	cleanupInterval time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithProbeInterval sets the liveness sweep period.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// WithMissedProbes sets how many consecutive unanswered probes a transport
// survives. With the default of 1 a transport is closed at the first sweep
// that finds the previous probe unanswered.
func WithMissedProbes(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.missedProbes = n
		}
	}
}

// WithGracePeriod sets how long a disconnected session is kept for a
// reconnect.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithHandshakeGrace sets how long a session that never had a configured
// connection is kept.
func WithHandshakeGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.handshakeGrace = d
		}
	}
}

// WithCleanupInterval sets the grace cleanup period.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// New constructs a Supervisor over store.
func New(store *sessions.Store, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:           store,
		log:             slog.Default(),
		probeInterval:   DefaultProbeInterval,
		missedProbes:    DefaultMissedProbes,
		gracePeriod:     DefaultGracePeriod,
		handshakeGrace:  DefaultHandshakeGrace,
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sweep runs one liveness pass over every live transport. A transport with
// too many unanswered probes is closed; its owner's close callback performs
// the session's disconnect handling. Every other transport is probed.
func (s *Supervisor) Sweep(ctx context.Context) (closed int) {
	for _, c := range s.store.Conns() {
		if ctx.Err() != nil {
			return closed
		}
		if missed := c.MissedProbes(); missed >= s.missedProbes {
			s.log.InfoContext(ctx, "keepalive.sweep.close",
				slog.String("conn_id", c.ID()),
				slog.String("session_id", c.SessionID()),
				slog.Int("missed", missed),
			)
			if err := c.Close(); err != nil {
				s.log.DebugContext(ctx, "keepalive.sweep.close_fail", slog.String("conn_id", c.ID()), slog.String("err", err.Error()))
			}
			closed++
			continue
		}
		if err := c.Probe(ctx); err != nil {
			s.log.DebugContext(ctx, "keepalive.sweep.probe_fail", slog.String("conn_id", c.ID()), slog.String("err", err.Error()))
		}
	}
	return closed
}

// Cleanup removes every session past its grace window and returns how many
// were removed.
func (s *Supervisor) Cleanup(ctx context.Context) (removed int) {
	now := s.store.Now()
	expired := func(lc sessions.Lifecycle) bool { return s.expired(lc, now) }
	for _, sess := range s.store.Snapshot() {
		if !expired(sess.Lifecycle()) {
			continue
		}
		// Re-checked under the session lock: a configure may have landed.
		if s.store.RemoveIf(sess.ID(), expired) {
			s.log.InfoContext(ctx, "keepalive.cleanup.remove", slog.String("session_id", sess.ID()))
			removed++
		}
	}
	return removed
}

func (s *Supervisor) expired(lc sessions.Lifecycle, now time.Time) bool {
	if lc.Connected {
		return false
	}
	if !lc.DisconnectedAt.IsZero() {
		return now.Sub(lc.DisconnectedAt) > s.gracePeriod
	}
	// Created by a lookup but never configured.
	return !lc.Configured && now.Sub(lc.CreatedAt) > s.handshakeGrace
}

// Run drives both loops until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.probeInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			s.Sweep(ctx)
		case <-cleanup.C:
			s.Cleanup(ctx)
		}
	}
}
