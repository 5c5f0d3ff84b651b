// Package realtime is a realtime pub-sub server: clients connect over
// WebSocket, read and modify named routes, and listen to READ routes for
// pushes whenever server code notifies them.
//
// Delivery is reliable: every response and push carries a serverId, is
// retried until the client confirms it and is dropped after a give-up
// horizon. Sessions survive reconnects within a grace period, keeping their
// undelivered messages.
//
// Construction
//
//	cfg, err := realtime.LoadConfig("realtime.yaml") // or realtime.ConfigFromEnv()
//	srv, err := realtime.New(cfg,
//	    realtime.WithLogger(logger),
//	    realtime.WithAuthFunc(auth.Bearer(authenticator)),
//	)
//	items, err := srv.ForAuthenticatedUsers().Read(routes.Route{Name: "items", Handle: listItems})
//	http.Handle("/realtime", srv.Handler())
//	go srv.Run(ctx)
//
//	// later, after items changed:
//	_ = items.Notify(ctx, routes.NotifyOptions{})
//
// Clustering
//
// With WithBroker, broadcasts, plain notifies, StopListening and
// ClearAuthentication are published to every node sharing the broker, and
// each node applies them to the sessions it holds.
package realtime
