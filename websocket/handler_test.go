package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/ggoodman/realtime-go/internal/delivery"
	"github.com/ggoodman/realtime-go/internal/engine"
	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/routes"
	"github.com/ggoodman/realtime-go/sessions"
)

type testServer struct {
	store *sessions.Store
	srv   *httptest.Server
	url   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := sessions.NewStore()
	reg := routes.NewRegistry()
	if _, err := reg.Register(routes.Route{
		Name: "greeting",
		Verb: protocol.VerbRead,
		Handle: func(ctx context.Context, req *routes.Request) (any, error) {
			var p struct {
				Name string `json:"name"`
			}
			if err := req.Bind(&p); err != nil {
				return nil, err
			}
			return map[string]any{"text": "hello " + p.Name}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := engine.New(store, reg, delivery.New(store), engine.WithNotifyDelay(0))
	h := NewHandler(eng)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Wait()
	})
	return &testServer{store: store, srv: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

type testClient struct {
	t     *testing.T
	ws    *gws.Conn
	codec protocol.Codec
	in    chan map[string]any
	gone  chan struct{}
}

func (s *testServer) dial(t *testing.T, subprotocol string) *testClient {
	t.Helper()
	d := gws.Dialer{HandshakeTimeout: time.Second}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	ws, _, err := d.Dial(s.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{
		t:     t,
		ws:    ws,
		codec: negotiatedCodec(ws.Subprotocol()),
		in:    make(chan map[string]any, 64),
		gone:  make(chan struct{}),
	}
	t.Cleanup(func() { _ = ws.Close() })
	// Reading also answers the server's pings.
	go func() {
		defer close(c.gone)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := c.codec.Unmarshal(data, &m); err != nil {
				t.Errorf("decode server message: %v", err)
				return
			}
			c.in <- m
		}
	}()
	return c
}

func (c *testClient) send(f protocol.Frame) {
	c.t.Helper()
	data, err := c.codec.Marshal(f)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	mt := gws.TextMessage
	if c.codec.Binary() {
		mt = gws.BinaryMessage
	}
	if err := c.ws.WriteMessage(mt, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) next(kind protocol.Kind) map[string]any {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-c.in:
			if m["kind"] == string(kind) {
				return m
			}
		case <-deadline:
			c.t.Fatalf("no %s message received", kind)
			return nil
		}
	}
}

func (c *testClient) configure(sessionID string) {
	c.t.Helper()
	c.send(protocol.Frame{Kind: protocol.KindConfigureConnection, SessionID: sessionID, ClientType: "web", RequestID: "cfg"})
	ack := c.next(protocol.KindConfigureConnectionAck)
	if ack["serverId"] == "" || ack["serverId"] == nil {
		c.t.Fatalf("ack without serverId: %v", ack)
	}
	c.send(protocol.Frame{Kind: protocol.KindConfirmReceipt, ServerID: ack["serverId"].(string)})
}

func TestJSONReadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "realtime.json")
	if c.codec != protocol.JSON {
		t.Fatalf("negotiated %s, want json", c.codec.Name())
	}
	c.configure("s1")

	c.send(protocol.Frame{Kind: protocol.KindRead, RequestID: "r1", Route: "greeting", Params: map[string]any{"name": "ada"}})
	if r := c.next(protocol.KindReceipt); r["requestId"] != "r1" {
		t.Fatalf("receipt = %v", r)
	}
	resp := c.next(protocol.KindResponse)
	out, _ := resp["output"].(map[string]any)
	if out["text"] != "hello ada" {
		t.Fatalf("response = %v", resp)
	}
}

func TestMsgpackNegotiation(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "realtime.msgpack")
	if c.codec != protocol.Msgpack {
		t.Fatalf("negotiated %q, want msgpack", c.ws.Subprotocol())
	}
	c.configure("s1")
	c.send(protocol.Frame{Kind: protocol.KindRead, RequestID: "r1", Route: "greeting", Params: map[string]any{"name": "bo"}})
	resp := c.next(protocol.KindResponse)
	out, _ := resp["output"].(map[string]any)
	if out["text"] != "hello bo" {
		t.Fatalf("response = %v", resp)
	}
}

func TestNoSubprotocolDefaultsToJSON(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "")
	c.configure("s1")
	c.send(protocol.Frame{Kind: protocol.KindPing})
	c.next(protocol.KindPong)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "realtime.json")
	if err := c.ws.WriteMessage(gws.TextMessage, []byte(`{"kind":"Read","route":"greeting"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-c.gone:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection still open after a frame without requestId")
	}
}

func TestProbeAnsweredByPong(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "realtime.json")
	c.configure("s1")

	sess, ok := s.store.Get("s1")
	if !ok || sess.Conn() == nil {
		t.Fatalf("session not bound")
	}
	conn := sess.Conn()
	if err := conn.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.MissedProbes() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("probe never answered; missed = %d", conn.MissedProbes())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientCloseUnbindsSession(t *testing.T) {
	s := newTestServer(t)
	c := s.dial(t, "realtime.json")
	c.configure("s1")
	sess, _ := s.store.Get("s1")

	_ = c.ws.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sess.Conn() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("session still bound after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := s.store.Get("s1"); !ok {
		t.Fatalf("session removed on disconnect; it must survive until the grace period ends")
	}
}
