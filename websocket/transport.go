package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/ggoodman/realtime-go/protocol"
	"github.com/ggoodman/realtime-go/sessions"
)

var (
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("websocket: transport closed")
	// ErrSendTimeout is returned when the outbound queue stayed full for
	// longer than the write wait.
	ErrSendTimeout = errors.New("websocket: send queue full")
)

type frame struct {
	messageType int
	data        []byte
}

// transport adapts one upgraded connection to sessions.Transport. Writes are
// funnelled through a single writer goroutine; pings and the close frame use
// WriteControl, which gorilla allows concurrently with other writes.
type transport struct {
	id        string
	ws        *gws.Conn
	codec     protocol.Codec
	log       *slog.Logger
	writeWait time.Duration

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

var _ sessions.Transport = (*transport)(nil)

func newTransport(ws *gws.Conn, codec protocol.Codec, cfg *handlerConfig) *transport {
	return &transport{
		id:        uuid.NewString(),
		ws:        ws,
		codec:     codec,
		log:       cfg.log,
		writeWait: cfg.writeWait,
		send:      make(chan frame, cfg.sendBuffer),
		done:      make(chan struct{}),
	}
}

func (t *transport) ID() string { return t.id }

func (t *transport) Send(ctx context.Context, msg protocol.Outbound) error {
	data, err := t.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.OutboundKind(), err)
	}
	mt := gws.TextMessage
	if t.codec.Binary() {
		mt = gws.BinaryMessage
	}

	timer := time.NewTimer(t.writeWait)
	defer timer.Stop()
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- frame{messageType: mt, data: data}:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}

func (t *transport) Probe(context.Context) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.ws.WriteControl(gws.PingMessage, nil, time.Now().Add(t.writeWait))
}

// Close stops the writer, which sends a close frame and tears down the
// socket. The read loop then observes the failure and disconnects.
func (t *transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *transport) writeLoop() {
	defer func() {
		_ = t.ws.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(t.writeWait))
		_ = t.ws.Close()
	}()
	for {
		select {
		case <-t.done:
			return
		case f := <-t.send:
			_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
			if err := t.ws.WriteMessage(f.messageType, f.data); err != nil {
				t.log.Debug("websocket.write.fail", slog.String("conn_id", t.id), slog.String("err", err.Error()))
				t.Close()
				return
			}
		}
	}
}
