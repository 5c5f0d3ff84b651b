// Package sessions owns the per-client logical session record and all of its
// mutable runtime state.
//
// A Session is keyed by a client-chosen identifier that stays stable across
// transport reconnects. It carries the authentication state, the outbound
// messages still awaiting acknowledgment, the active listen subscriptions and
// the recent-request cache used to deduplicate retransmitted requests.
//
// Layers & Roles
//
//	Store     -> creates, finds and removes sessions; tracks every live Conn
//	Session   -> per-session state behind a single mutex; every mutation goes
//	             through its accessors
//	Conn      -> one live Transport plus its liveness counter and the id of
//	             the session it is bound to
//	Transport -> the socket-level collaborator (send, probe, close)
//
// # Concurrency
//
// Mutations of a single session are mutually exclusive; different sessions
// proceed in parallel. A removed session keeps answering its accessors but
// refuses new pending messages and subscriptions with ErrSessionGone, so work
// racing with cleanup discovers the removal instead of resurrecting state.
//
// # Lifecycle
//
// Sessions are created lazily by GetOrCreate, bound to a Conn when the client
// configures its connection, unbound when that Conn closes and finally removed
// by the keep-alive supervisor once the grace period has elapsed.
package sessions
