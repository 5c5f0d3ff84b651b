package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/ggoodman/realtime-go/internal/logctx"
	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/sessions"
)

const (
	// SubprotocolPrefix precedes the codec name in negotiated subprotocols.
	SubprotocolPrefix = "realtime."

	DefaultMaxMessageSize = 1 << 20
	DefaultWriteWait      = 10 * time.Second
	DefaultSendBuffer     = 256
)

// Dispatcher is the protocol engine the handler feeds.
type Dispatcher interface {
	Connect(ctx context.Context, t sessions.Transport) *sessions.Conn
	HandleMessage(ctx context.Context, c *sessions.Conn, f *protocol.Frame) error
	Disconnect(ctx context.Context, c *sessions.Conn)
}

// Option configures a Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	log            *slog.Logger
	maxMessageSize int64
	writeWait      time.Duration
	sendBuffer     int
	checkOrigin    func(r *http.Request) bool
}

func WithLogger(l *slog.Logger) Option {
	return func(c *handlerConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMaxMessageSize caps the size of inbound messages; larger messages
// close the connection.
func WithMaxMessageSize(n int64) Option {
	return func(c *handlerConfig) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithWriteWait bounds every socket write and how long Send waits for room in
// the outbound queue.
func WithWriteWait(d time.Duration) Option {
	return func(c *handlerConfig) {
		if d > 0 {
			c.writeWait = d
		}
	}
}

func WithSendBuffer(n int) Option {
	return func(c *handlerConfig) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithCheckOrigin overrides the upgrade origin check. By default the Origin
// header, if present, must match the request host.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(c *handlerConfig) { c.checkOrigin = fn }
}

// Handler upgrades HTTP requests and serves the realtime protocol on them.
type Handler struct {
	d        Dispatcher
	cfg      handlerConfig
	upgrader gws.Upgrader
	wg       sync.WaitGroup
}

// NewHandler returns a Handler dispatching every connection to d.
func NewHandler(d Dispatcher, opts ...Option) *Handler {
	cfg := handlerConfig{
		log:            slog.Default(),
		maxMessageSize: DefaultMaxMessageSize,
		writeWait:      DefaultWriteWait,
		sendBuffer:     DefaultSendBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	subprotocols := make([]string, 0, len(protocol.Codecs()))
	for _, c := range protocol.Codecs() {
		subprotocols = append(subprotocols, SubprotocolPrefix+c.Name())
	}
	return &Handler{
		d:   d,
		cfg: cfg,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    subprotocols,
			CheckOrigin:     cfg.checkOrigin,
		},
	}
}

// Wait blocks until every connection served so far has been torn down.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.cfg.log.InfoContext(r.Context(), "websocket.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	codec := negotiatedCodec(ws.Subprotocol())
	t := newTransport(ws, codec, &h.cfg)

	// The connection outlives the upgrade request's context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     t.ID(),
		RemoteAddr: r.RemoteAddr,
		Codec:      codec.Name(),
	})

	go t.writeLoop()
	c := h.d.Connect(ctx, t)
	h.cfg.log.InfoContext(ctx, "websocket.connect")

	var inflight sync.WaitGroup
	h.readLoop(ctx, t, c, &inflight)
	_ = t.Close()
	cancel()
	h.d.Disconnect(context.WithoutCancel(ctx), c)
	inflight.Wait()
	h.cfg.log.InfoContext(ctx, "websocket.disconnect")
}

// readLoop decodes inbound messages until the socket fails. Configure frames
// are handled inline so later messages see the bound session; everything
// else runs concurrently so a slow handler never blocks the connection.
func (h *Handler) readLoop(ctx context.Context, t *transport, c *sessions.Conn, inflight *sync.WaitGroup) {
	ws := t.ws
	ws.SetReadLimit(h.cfg.maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})
	ws.SetPingHandler(func(data string) error {
		c.MarkAlive()
		err := ws.WriteControl(gws.PongMessage, []byte(data), time.Now().Add(h.cfg.writeWait))
		if errors.Is(err, gws.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
				h.cfg.log.InfoContext(ctx, "websocket.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		f, err := protocol.DecodeFrame(t.codec, data)
		if err != nil {
			h.cfg.log.WarnContext(ctx, "websocket.read.malformed", slog.String("err", err.Error()))
			_ = t.Close()
			return
		}
		if f.Kind == protocol.KindConfigureConnection {
			if err := h.d.HandleMessage(ctx, c, f); err != nil {
				return
			}
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			_ = h.d.HandleMessage(ctx, c, f)
		}()
	}
}

func negotiatedCodec(subprotocol string) protocol.Codec {
	if name, ok := strings.CutPrefix(subprotocol, SubprotocolPrefix); ok {
		if c, ok := protocol.CodecByName(name); ok {
			return c
		}
	}
	return protocol.JSON
}
