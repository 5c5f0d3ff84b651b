package sessions_test

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/realtime-go/sessions"
	"github.com/ggoodman/realtime-go/sessions/sessiontest"
)

func TestBindResetsAuthAndReturnsPrevious(t *testing.T) {
	st := sessions.NewStore()
	sess := st.GetOrCreate("u1")
	c1 := st.Open(sessiontest.NewTransport())
	c2 := st.Open(sessiontest.NewTransport())

	if prev, err := sess.Bind(c1, sessions.ConnectionInfo{ClientType: "web", Headers: map[string]any{"lang": "en"}}); err != nil || prev != nil {
		t.Fatalf("first bind: prev=%v err=%v", prev, err)
	}
	if c1.SessionID() != "u1" {
		t.Fatalf("conn session id = %q", c1.SessionID())
	}
	if err := sess.SetAuthenticated("42", []string{"admin"}, map[string]any{"k": 1}); err != nil {
		t.Fatalf("auth: %v", err)
	}

	prev, err := sess.Bind(c2, sessions.ConnectionInfo{ClientType: "web"})
	if err != nil {
		t.Fatalf("second bind: %v", err)
	}
	if prev != c1 {
		t.Fatalf("expected previous conn returned")
	}
	id := sess.Identity()
	if id.State != sessions.AuthPending || id.UserID != "" || len(id.Claims) != 0 || len(id.Locals) != 0 {
		t.Fatalf("bind must reset auth, got %+v", id)
	}
	if sess.Conn() != c2 {
		t.Fatalf("expected c2 bound")
	}
	if sess.Headers() != nil && len(sess.Headers()) != 0 {
		t.Fatalf("headers should be replaced, got %v", sess.Headers())
	}
}

func TestUnbindOnlyCurrentConn(t *testing.T) {
	st := sessions.NewStore()
	sess := st.GetOrCreate("u1")
	c1 := st.Open(sessiontest.NewTransport())
	c2 := st.Open(sessiontest.NewTransport())
	_, _ = sess.Bind(c1, sessions.ConnectionInfo{})
	_, _ = sess.Bind(c2, sessions.ConnectionInfo{})
	if _, err := sess.PutSubscription(c2, &sessions.Subscription{Route: "items", ListenID: "L1"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, ok := sess.Unbind(c1, time.Now()); ok {
		t.Fatalf("stale conn must not unbind the session")
	}
	if sess.Conn() != c2 {
		t.Fatalf("current conn lost")
	}

	now := time.Now()
	subs, ok := sess.Unbind(c2, now)
	if !ok {
		t.Fatalf("expected unbind to succeed")
	}
	if len(subs) != 1 || subs[0].ListenID != "L1" {
		t.Fatalf("unexpected subs: %+v", subs)
	}
	lc := sess.Lifecycle()
	if lc.Connected || !lc.DisconnectedAt.Equal(now) {
		t.Fatalf("unexpected lifecycle after unbind: %+v", lc)
	}
	if len(sess.Subscriptions()) != 0 {
		t.Fatalf("subscriptions should be cleared on unbind")
	}
}

func TestAuthenticatedRequiresUserID(t *testing.T) {
	sess := sessions.NewStore().GetOrCreate("u1")
	if err := sess.SetAuthenticated("", nil, nil); !errors.Is(err, sessions.ErrMissingUserID) {
		t.Fatalf("got %v, want ErrMissingUserID", err)
	}
	if sess.Identity().Authenticated() {
		t.Fatalf("session must not be authenticated without a user id")
	}
}

func TestLocalsReplacedNotMerged(t *testing.T) {
	sess := sessions.NewStore().GetOrCreate("u1")
	_ = sess.SetAuthenticated("1", nil, map[string]any{"a": 1})
	_ = sess.SetAuthenticated("1", nil, map[string]any{"b": 2})
	locals := sess.Identity().Locals
	if _, ok := locals["a"]; ok {
		t.Fatalf("locals should be replaced, got %v", locals)
	}
	if locals["b"] != 2 {
		t.Fatalf("missing new local, got %v", locals)
	}

	sess.SetUnauthenticated()
	id := sess.Identity()
	if id.State != sessions.AuthUnauthenticated || id.UserID != "" || len(id.Locals) != 0 {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestRecordRequestDeduplicates(t *testing.T) {
	sess := sessions.NewStore().GetOrCreate("u1")
	now := time.Now()
	if sess.RecordRequest("r1", now) {
		t.Fatalf("first record must not be a duplicate")
	}
	if !sess.RecordRequest("r1", now.Add(time.Minute)) {
		t.Fatalf("second record must be a duplicate")
	}
	if sess.RecentRequests() != 1 {
		t.Fatalf("duplicate must not grow the cache")
	}
}

func TestRecordRequestPrunesOnlyOldEntries(t *testing.T) {
	sess := sessions.NewStore().GetOrCreate("u1")
	start := time.Now()

	for i := 0; i < sessions.DedupCapacity; i++ {
		sess.RecordRequest("old-"+strconv.Itoa(i), start)
	}
	// Still young: exceeding the capacity prunes nothing.
	sess.RecordRequest("young", start.Add(time.Minute))
	if n := sess.RecentRequests(); n != sessions.DedupCapacity+1 {
		t.Fatalf("young entries were evicted: %d", n)
	}
	if !sess.RecordRequest("old-0", start.Add(2*time.Minute)) {
		t.Fatalf("young entry must still deduplicate")
	}

	later := start.Add(sessions.DedupRetention + time.Second)
	sess.RecordRequest("fresh", later)
	// old-0 was refreshed at +2m so survives; the other 99 old entries go.
	if n := sess.RecentRequests(); n != 3 {
		t.Fatalf("after prune = %d, want 3", n)
	}
	if sess.RecordRequest("old-5", later) {
		t.Fatalf("pruned entry should be accepted as new")
	}
}

func TestPendingAcknowledgeOnce(t *testing.T) {
	sess := sessions.NewStore().GetOrCreate("u1")
	calls := 0
	p := sessions.NewPending(pushTo("L1", "s1"), time.Now(), func(sessions.Outcome) { calls++ })
	if err := sess.AppendPending(p); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sess.AppendPending(sessions.NewPending(pushTo("L1", "s1"), time.Now(), nil)); !errors.Is(err, sessions.ErrDuplicateServerID) {
		t.Fatalf("duplicate serverId: got %v", err)
	}

	got, ok := sess.TakePending("s1")
	if !ok || got != p {
		t.Fatalf("expected pending s1")
	}
	got.Settle(sessions.Acknowledged)
	got.Settle(sessions.Acknowledged)
	if calls != 1 {
		t.Fatalf("settle ran %d times", calls)
	}
	if _, ok := sess.TakePending("s1"); ok {
		t.Fatalf("stale second ack must find nothing")
	}
}

func TestTakeExpiredPending(t *testing.T) {
	sess := sessions.NewStore().GetOrCreate("u1")
	base := time.Now()
	_ = sess.AppendPending(sessions.NewPending(pushTo("L", "a"), base, nil))
	_ = sess.AppendPending(sessions.NewPending(pushTo("L", "b"), base.Add(10*time.Second), nil))
	_ = sess.AppendPending(sessions.NewPending(pushTo("L", "c"), base.Add(-time.Second), nil))

	expired := sess.TakeExpiredPending(base.Add(time.Second))
	if len(expired) != 2 {
		t.Fatalf("expired = %d, want 2", len(expired))
	}
	left := sess.PendingSnapshot()
	if len(left) != 1 || left[0].ServerID() != "b" {
		t.Fatalf("unexpected remaining pending: %v", left)
	}
}

func TestSubscriptionReplaceAndIdentityRemove(t *testing.T) {
	st := sessions.NewStore()
	sess := st.GetOrCreate("u1")
	c := st.Open(sessiontest.NewTransport())
	_, _ = sess.Bind(c, sessions.ConnectionInfo{})
	first := &sessions.Subscription{Route: "items", ListenID: "L1"}
	second := &sessions.Subscription{Route: "items", ListenID: "L1", Params: map[string]any{"q": "x"}}

	if replaced, _ := sess.PutSubscription(c, first); replaced != nil {
		t.Fatalf("nothing to replace yet")
	}
	if replaced, _ := sess.PutSubscription(c, second); replaced != first {
		t.Fatalf("expected first replaced")
	}
	if len(sess.Subscriptions()) != 1 {
		t.Fatalf("listenId must be unique per session")
	}
	if sess.RemoveSubscriptionIf(first) {
		t.Fatalf("stale subscription must not remove its replacement")
	}
	got, ok := sess.Subscription("L1")
	if !ok || got.Params["q"] != "x" {
		t.Fatalf("unexpected subscription %+v", got)
	}
	got.Params["q"] = "mutated"
	again, _ := sess.Subscription("L1")
	if again.Params["q"] != "x" {
		t.Fatalf("returned subscription must be a copy")
	}

	removed := sess.RemoveSubscriptionsWhere(func(s *sessions.Subscription) bool { return s.Route == "items" })
	if len(removed) != 1 || removed[0] != second {
		t.Fatalf("unexpected removed set %v", removed)
	}
}

func TestPutSubscriptionRequiresBoundConn(t *testing.T) {
	st := sessions.NewStore()
	sess := st.GetOrCreate("u1")
	c1 := st.Open(sessiontest.NewTransport())
	c2 := st.Open(sessiontest.NewTransport())

	if _, err := sess.PutSubscription(c1, &sessions.Subscription{Route: "items", ListenID: "L0"}); !errors.Is(err, sessions.ErrNotBound) {
		t.Fatalf("put before bind: got %v, want ErrNotBound", err)
	}
	_, _ = sess.Bind(c1, sessions.ConnectionInfo{})
	if _, ok := sess.Unbind(c1, time.Now()); !ok {
		t.Fatalf("unbind c1")
	}
	sub := &sessions.Subscription{Route: "items", ListenID: "L1"}
	if _, err := sess.PutSubscription(c1, sub); !errors.Is(err, sessions.ErrNotBound) {
		t.Fatalf("put after unbind: got %v, want ErrNotBound", err)
	}
	if sess.HoldsSubscription(sub) {
		t.Fatalf("rejected subscription must not be held")
	}

	_, _ = sess.Bind(c2, sessions.ConnectionInfo{})
	if _, err := sess.PutSubscription(c1, sub); !errors.Is(err, sessions.ErrNotBound) {
		t.Fatalf("put on replaced conn: got %v, want ErrNotBound", err)
	}
	if n := len(sess.Subscriptions()); n != 0 {
		t.Fatalf("rebound session carries %d subscriptions", n)
	}
	if _, err := sess.PutSubscription(c2, sub); err != nil {
		t.Fatalf("put on live conn: %v", err)
	}
	if !sess.HoldsSubscription(sub) {
		t.Fatalf("expected subscription held")
	}

	st.Remove("u1")
	if _, err := sess.PutSubscription(c2, sub); !errors.Is(err, sessions.ErrSessionGone) {
		t.Fatalf("put after remove: got %v, want ErrSessionGone", err)
	}
}

func TestAuthOnStaleConnIsRejected(t *testing.T) {
	st := sessions.NewStore()
	sess := st.GetOrCreate("u1")
	c1 := st.Open(sessiontest.NewTransport())
	c2 := st.Open(sessiontest.NewTransport())
	_, _ = sess.Bind(c1, sessions.ConnectionInfo{})
	_, _ = sess.Bind(c2, sessions.ConnectionInfo{})

	if err := sess.SetAuthenticatedOn(c1, "42", nil, nil); !errors.Is(err, sessions.ErrNotBound) {
		t.Fatalf("authenticate stale conn: got %v, want ErrNotBound", err)
	}
	if err := sess.SetUnauthenticatedOn(c1); !errors.Is(err, sessions.ErrNotBound) {
		t.Fatalf("downgrade stale conn: got %v, want ErrNotBound", err)
	}
	if got := sess.Identity().State; got != sessions.AuthPending {
		t.Fatalf("state = %q, want pending", got)
	}

	if err := sess.SetAuthenticatedOn(c2, "42", []string{"admin"}, nil); err != nil {
		t.Fatalf("authenticate live conn: %v", err)
	}
	if id := sess.Identity(); !id.Authenticated() || id.UserID != "42" {
		t.Fatalf("unexpected identity %+v", id)
	}
	if err := sess.SetUnauthenticatedOn(c2); err != nil {
		t.Fatalf("downgrade live conn: %v", err)
	}
	if got := sess.Identity().State; got != sessions.AuthUnauthenticated {
		t.Fatalf("state = %q, want unauthenticated", got)
	}
	if err := sess.SetAuthenticatedOn(c2, "", nil, nil); !errors.Is(err, sessions.ErrMissingUserID) {
		t.Fatalf("empty user id: got %v", err)
	}
}
