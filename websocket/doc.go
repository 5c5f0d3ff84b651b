// Package websocket exposes the realtime protocol over WebSocket
// connections. It mounts as a standard net/http handler: every upgraded
// connection becomes a sessions.Transport driven by a Dispatcher.
//
// Codec negotiation
//
// Clients pick the wire encoding through the WebSocket subprotocol:
// "realtime.json" (text frames) or "realtime.msgpack" (binary frames).
// A client offering neither is served JSON.
//
// Liveness
//
// Probe sends a WebSocket ping control frame. Pongs, like any other
// inbound traffic, mark the connection alive; the keep-alive supervisor
// decides when an unresponsive connection is closed.
//
// Construction
//
//	h := websocket.NewHandler(srv,                  // a Dispatcher
//	    websocket.WithLogger(logger),
//	    websocket.WithMaxMessageSize(1<<20),
//	)
//	mux.Handle("/realtime", h)
package websocket
