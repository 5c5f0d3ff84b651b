package sessions_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/sessions"
	"github.com/ggoodman/realtime-go/sessions/sessiontest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pushTo(listenID, serverID string) *protocol.PushNotification {
	p := protocol.NewPushNotification(listenID, "x")
	p.Track(serverID)
	return p
}

func TestGetOrCreateIsStable(t *testing.T) {
	st := sessions.NewStore()
	a := st.GetOrCreate("u1")
	b := st.GetOrCreate("u1")
	if a != b {
		t.Fatalf("expected same session for repeated id")
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", st.Len())
	}
	if got := a.Identity().State; got != sessions.AuthPending {
		t.Fatalf("new session state = %q, want pending", got)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	st := sessions.NewStore()
	var wg sync.WaitGroup
	got := make([]*sessions.Session, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = st.GetOrCreate("same")
		}(i)
	}
	wg.Wait()
	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d observed a different session", i)
		}
	}
}

func TestRemoveDiscardsPendingAndClosesConn(t *testing.T) {
	st := sessions.NewStore()
	sess := st.GetOrCreate("u1")
	tr := sessiontest.NewTransport()
	conn := st.Open(tr)
	if _, err := sess.Bind(conn, sessions.ConnectionInfo{}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var outcome sessions.Outcome
	p := sessions.NewPending(pushTo("L1", "s1"), st.Now(), func(o sessions.Outcome) { outcome = o })
	if err := sess.AppendPending(p); err != nil {
		t.Fatalf("append: %v", err)
	}

	if !st.Remove("u1") {
		t.Fatalf("expected remove to report true")
	}
	if outcome != sessions.Discarded {
		t.Fatalf("outcome = %v, want discarded", outcome)
	}
	if !tr.Closed() {
		t.Fatalf("expected transport closed on remove")
	}
	if !sess.Removed() {
		t.Fatalf("expected session marked removed")
	}
	if err := sess.AppendPending(sessions.NewPending(pushTo("L1", "s2"), st.Now(), nil)); !errors.Is(err, sessions.ErrSessionGone) {
		t.Fatalf("append after remove: got %v, want ErrSessionGone", err)
	}
	if st.Remove("u1") {
		t.Fatalf("second remove should report false")
	}

	fresh := st.GetOrCreate("u1")
	if fresh == sess {
		t.Fatalf("expected a brand-new session after removal")
	}
}

func TestRemoveIfKeepsReboundSession(t *testing.T) {
	clk := newFakeClock()
	st := sessions.NewStore(sessions.WithClock(clk.Now))
	sess := st.GetOrCreate("u1")
	c1 := st.Open(sessiontest.NewTransport())
	_, _ = sess.Bind(c1, sessions.ConnectionInfo{})
	sess.Unbind(c1, clk.Now())
	clk.Advance(time.Minute)

	stale := func(lc sessions.Lifecycle) bool {
		return !lc.Connected && clk.Now().Sub(lc.DisconnectedAt) > 30*time.Second
	}
	if !stale(sess.Lifecycle()) {
		t.Fatalf("expected session past grace")
	}

	// A configure lands between the caller's check and the removal.
	tr := sessiontest.NewTransport()
	c2 := st.Open(tr)
	if _, err := sess.Bind(c2, sessions.ConnectionInfo{}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if st.RemoveIf("u1", stale) {
		t.Fatalf("rebound session must survive RemoveIf")
	}
	if sess.Removed() || tr.Closed() {
		t.Fatalf("rebound session was torn down")
	}
	if got, ok := st.Get("u1"); !ok || got != sess {
		t.Fatalf("session dropped from the store")
	}

	sess.Unbind(c2, clk.Now())
	clk.Advance(time.Minute)
	if !st.RemoveIf("u1", stale) {
		t.Fatalf("expected expired session removed")
	}
	if !sess.Removed() || st.Len() != 0 {
		t.Fatalf("session not removed")
	}
	if st.RemoveIf("u1", stale) {
		t.Fatalf("unknown session reported removed")
	}
}

func TestFindByUserID(t *testing.T) {
	st := sessions.NewStore()
	a := st.GetOrCreate("a")
	b := st.GetOrCreate("b")
	if err := a.SetAuthenticated("1", nil, nil); err != nil {
		t.Fatalf("auth a: %v", err)
	}
	if err := b.SetAuthenticated("1", nil, nil); err != nil {
		t.Fatalf("auth b: %v", err)
	}
	st.GetOrCreate("c")

	if _, ok := st.FindByUserID("1"); !ok {
		t.Fatalf("expected to find user 1")
	}
	if _, ok := st.FindByUserID("2"); ok {
		t.Fatalf("unexpected match for user 2")
	}
	if _, ok := st.FindByUserID(""); ok {
		t.Fatalf("empty user id must never match")
	}
	if n := len(st.SessionsByUserID("1")); n != 2 {
		t.Fatalf("SessionsByUserID = %d, want 2", n)
	}
}

func TestOpenCloseTracksConns(t *testing.T) {
	clk := newFakeClock()
	st := sessions.NewStore(sessions.WithClock(clk.Now))
	c1 := st.Open(sessiontest.NewTransport())
	c2 := st.Open(sessiontest.NewTransport())
	if !c1.OpenedAt().Equal(clk.Now()) {
		t.Fatalf("openedAt not stamped from clock")
	}
	if n := len(st.Conns()); n != 2 {
		t.Fatalf("conns = %d, want 2", n)
	}
	st.Close(c1)
	conns := st.Conns()
	if len(conns) != 1 || conns[0] != c2 {
		t.Fatalf("unexpected conns after close: %v", conns)
	}
}
