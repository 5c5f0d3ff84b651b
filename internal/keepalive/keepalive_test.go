package keepalive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/realtime-go/sessions"
	"github.com/ggoodman/realtime-go/sessions/sessiontest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestSweepProbesThenCloses(t *testing.T) {
	store := sessions.NewStore()
	sup := New(store)
	tr := sessiontest.NewTransport()
	c := store.Open(tr)
	ctx := context.Background()

	if n := sup.Sweep(ctx); n != 0 {
		t.Fatalf("first sweep closed %d", n)
	}
	if tr.Probes() != 1 {
		t.Fatalf("expected a probe, got %d", tr.Probes())
	}

	c.MarkAlive()
	sup.Sweep(ctx)
	if tr.Closed() {
		t.Fatalf("answered probe must keep the transport open")
	}

	if n := sup.Sweep(ctx); n != 1 || !tr.Closed() {
		t.Fatalf("unanswered probe must close the transport (closed=%d)", n)
	}
}

func TestSweepHonoursThreshold(t *testing.T) {
	store := sessions.NewStore()
	sup := New(store, WithMissedProbes(2))
	tr := sessiontest.NewTransport()
	store.Open(tr)
	ctx := context.Background()

	sup.Sweep(ctx)
	sup.Sweep(ctx)
	if tr.Closed() {
		t.Fatalf("closed after one missed probe with threshold 2")
	}
	sup.Sweep(ctx)
	if !tr.Closed() {
		t.Fatalf("expected close after two missed probes")
	}
}

func TestCleanupAfterGrace(t *testing.T) {
	clk := newClock()
	store := sessions.NewStore(sessions.WithClock(clk.Now))
	sup := New(store)
	ctx := context.Background()

	sess := store.GetOrCreate("u1")
	conn := store.Open(sessiontest.NewTransport())
	_, _ = sess.Bind(conn, sessions.ConnectionInfo{})
	sess.Unbind(conn, clk.Now())

	clk.Advance(DefaultGracePeriod)
	if n := sup.Cleanup(ctx); n != 0 {
		t.Fatalf("removed at exactly the grace period")
	}
	clk.Advance(time.Second)
	if n := sup.Cleanup(ctx); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok := store.Get("u1"); ok {
		t.Fatalf("session still present")
	}
}

func TestCleanupKeepsConnectedAndReconnected(t *testing.T) {
	clk := newClock()
	store := sessions.NewStore(sessions.WithClock(clk.Now))
	sup := New(store)

	live := store.GetOrCreate("live")
	_, _ = live.Bind(store.Open(sessiontest.NewTransport()), sessions.ConnectionInfo{})

	back := store.GetOrCreate("back")
	c1 := store.Open(sessiontest.NewTransport())
	_, _ = back.Bind(c1, sessions.ConnectionInfo{})
	back.Unbind(c1, clk.Now())
	_, _ = back.Bind(store.Open(sessiontest.NewTransport()), sessions.ConnectionInfo{})

	clk.Advance(time.Hour)
	if n := sup.Cleanup(context.Background()); n != 0 {
		t.Fatalf("removed %d connected sessions", n)
	}
}

// A configure racing the cleanup either wins, and keeps its session and
// transport, or loses to a removal that happened before it bound.
func TestCleanupRacingConfigureNeverDropsBoundSession(t *testing.T) {
	clk := newClock()
	store := sessions.NewStore(sessions.WithClock(clk.Now))
	sup := New(store)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		sess := store.GetOrCreate("u1")
		c1 := store.Open(sessiontest.NewTransport())
		_, _ = sess.Bind(c1, sessions.ConnectionInfo{})
		sess.Unbind(c1, clk.Now())
		clk.Advance(DefaultGracePeriod + time.Second)

		tr := sessiontest.NewTransport()
		c2 := store.Open(tr)
		var (
			wg      sync.WaitGroup
			bindErr error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, bindErr = sess.Bind(c2, sessions.ConnectionInfo{})
		}()
		sup.Cleanup(ctx)
		wg.Wait()

		if bindErr == nil && (sess.Removed() || tr.Closed()) {
			t.Fatalf("iteration %d: bound session was removed by cleanup", i)
		}
		store.Remove("u1")
		store.Close(c1)
		store.Close(c2)
	}
}

func TestCleanupNeverConfigured(t *testing.T) {
	clk := newClock()
	store := sessions.NewStore(sessions.WithClock(clk.Now))
	sup := New(store)
	store.GetOrCreate("ghost")

	clk.Advance(DefaultHandshakeGrace)
	if n := sup.Cleanup(context.Background()); n != 0 {
		t.Fatalf("removed before the handshake grace elapsed")
	}
	clk.Advance(time.Second)
	if n := sup.Cleanup(context.Background()); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sup := New(sessions.NewStore(), WithProbeInterval(time.Millisecond), WithCleanupInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
