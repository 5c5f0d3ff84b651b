package auth

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/realtime-go/protocol"
)

// Outcome is how an authentication attempt resolved.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota + 1
	OutcomeUnauthenticated
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeUnauthenticated:
		return "unauthenticated"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// Decision is the single result of an attempt.
type Decision struct {
	Outcome Outcome
	UserID  string
	Claims  []string
	Locals  map[string]any

	// ErrorCode and Description are set for rejections.
	ErrorCode   protocol.ErrorCode
	Description string
}

// Resolver carries the completion handles of one attempt. At most one
// resolution is ever accepted.
type Resolver struct {
	log *slog.Logger

	mu       sync.Mutex
	resolved bool
	timedOut bool
	ch       chan Decision
}

func newResolver(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log, ch: make(chan Decision, 1)}
}

// AsAuthenticated accepts the client as userID. claims and locals are
// optional; locals replace whatever the session held before.
func (r *Resolver) AsAuthenticated(userID string, claims []string, locals map[string]any) error {
	if userID == "" {
		r.log.Error("auth.resolve.missing_user_id")
		return fmt.Errorf("%w: authenticated without a user id", ErrContractViolation)
	}
	return r.resolve(Decision{
		Outcome: OutcomeAuthenticated,
		UserID:  userID,
		Claims:  slices.Clone(claims),
		Locals:  maps.Clone(locals),
	})
}

// AsUnauthenticated accepts the client without an identity.
func (r *Resolver) AsUnauthenticated() error {
	return r.resolve(Decision{Outcome: OutcomeUnauthenticated})
}

// Reject refuses the credential. An empty code defaults to
// INVALID_CREDENTIAL.
func (r *Resolver) Reject(code protocol.ErrorCode, description string) error {
	if code == "" {
		code = protocol.CodeInvalidCredential
	}
	return r.resolve(Decision{Outcome: OutcomeRejected, ErrorCode: code, Description: description})
}

func (r *Resolver) resolve(d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		if r.timedOut && d.Outcome == OutcomeRejected {
			return nil
		}
		r.log.Error("auth.resolve.contract_violation",
			slog.String("outcome", d.Outcome.String()),
			slog.Bool("timed_out", r.timedOut),
		)
		return ErrContractViolation
	}
	r.resolved = true
	r.ch <- d
	return nil
}

// expire resolves the attempt as timed out unless a decision already
// exists. It reports whether the timeout won.
func (r *Resolver) expire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved = true
	r.timedOut = true
	return true
}

// Run races fn against timeout and returns the attempt's decision. fn may
// keep running after Run returns; its context is cancelled by then.
func Run(ctx context.Context, log *slog.Logger, fn Func, req *Request, timeout time.Duration) Decision {
	if fn == nil {
		fn = Unauthenticated
	}
	r := newResolver(log)
	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("auth.func.panic", slog.Any("panic", p))
				_ = r.Reject(protocol.CodeInternalError, "authentication failed")
			}
		}()
		fn(fnCtx, req, r)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reason string
	select {
	case d := <-r.ch:
		return d
	case <-timer.C:
		reason = "authentication timed out"
	case <-ctx.Done():
		reason = "authentication cancelled"
	}
	if !r.expire() {
		// A decision landed concurrently with the timer.
		return <-r.ch
	}
	r.log.Warn("auth.run.timeout", slog.Int64("timeout_ms", timeout.Milliseconds()))
	return Decision{Outcome: OutcomeRejected, ErrorCode: protocol.CodeAuthorizeTimeout, Description: reason}
}
