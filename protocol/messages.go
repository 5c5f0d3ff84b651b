package protocol

import (
	"errors"
	"fmt"
)

// Kind discriminates protocol messages on the wire.
type Kind string

// Client to server kinds.
const (
	KindConfigureConnection Kind = "ConfigureConnection"
	KindAuthenticate        Kind = "Authenticate"
	KindRead                Kind = "Read"
	KindListen              Kind = "Listen"
	KindModify              Kind = "Modify"
	KindConfirmReceipt      Kind = "ConfirmReceipt"
	KindPing                Kind = "Ping"
)

// Server to client kinds.
const (
	KindConfigureConnectionAck Kind = "ConfigureConnectionAck"
	KindAuthenticateResult     Kind = "AuthenticateResult"
	KindReceipt                Kind = "Receipt"
	KindResponse               Kind = "Response"
	KindPushNotification       Kind = "PushNotification"
	KindStopListening          Kind = "StopListening"
	KindPong                   Kind = "Pong"
)

// Verb is the CRUD verb a route is registered under.
type Verb string

const (
	VerbCreate Verb = "CREATE"
	VerbRead   Verb = "READ"
	VerbUpdate Verb = "UPDATE"
	VerbDelete Verb = "DELETE"
)

// Valid reports whether v is one of the four known verbs.
func (v Verb) Valid() bool {
	switch v {
	case VerbCreate, VerbRead, VerbUpdate, VerbDelete:
		return true
	}
	return false
}

// ErrMalformedFrame is wrapped by Frame.Validate for any structurally invalid
// inbound message. Transports treat it as connection-fatal.
var ErrMalformedFrame = errors.New("malformed frame")

// ActiveListen is one entry of a client's Ping enumeration: a listen the
// client believes is active, with enough detail to replay it server-side.
type ActiveListen struct {
	ListenID  string         `json:"listenId"`
	Route     string         `json:"route"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// Frame is the decoded form of any client to server message. Which fields
// are populated depends on Kind.
type Frame struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"requestId,omitempty"`

	// ConfigureConnection
	SessionID     string         `json:"sessionId,omitempty"`
	ClientType    string         `json:"clientType,omitempty"`
	ClientVersion int            `json:"clientVersion,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`

	// Authenticate
	Credential any `json:"credential,omitempty"`

	// Read, Listen, Modify
	Route    string         `json:"route,omitempty"`
	Verb     Verb           `json:"verb,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Body     any            `json:"body,omitempty"`
	ListenID string         `json:"listenId,omitempty"`

	// ConfirmReceipt
	ServerID string `json:"serverId,omitempty"`

	// Ping
	ActiveListens []ActiveListen `json:"activeListens,omitempty"`
}

// Validate checks the structural requirements of the frame for its kind.
// Semantic checks (unknown routes, bad verbs for a route) are left to the
// dispatcher so they can be reported back as BAD_REQUEST or INVALID_ROUTE.
func (f *Frame) Validate() error {
	switch f.Kind {
	case KindConfigureConnection:
		if f.SessionID == "" {
			return fmt.Errorf("%w: %s without sessionId", ErrMalformedFrame, f.Kind)
		}
	case KindAuthenticate, KindConfirmReceipt, KindPing:
	case KindRead, KindListen, KindModify:
		if f.RequestID == "" {
			return fmt.Errorf("%w: %s without requestId", ErrMalformedFrame, f.Kind)
		}
	case "":
		return fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, f.Kind)
	}
	return nil
}

// Outbound is implemented by every server to client message.
type Outbound interface {
	OutboundKind() Kind
}

// Tracked is implemented by outbound messages that demand acknowledgment.
type Tracked interface {
	Outbound
	TrackingID() string
	Track(serverID string)
}

// Tracking is embedded by outbound messages that carry a serverId the client
// must echo back in a ConfirmReceipt.
type Tracking struct {
	ServerID string `json:"serverId,omitempty"`
}

// TrackingID returns the serverId stamped on the message, if any.
func (t *Tracking) TrackingID() string { return t.ServerID }

// Track stamps the message with serverID.
func (t *Tracking) Track(serverID string) { t.ServerID = serverID }

// VersionRange is the inclusive range of client version codes a server
// accepts. Zero bounds are open.
type VersionRange struct {
	Min int `json:"moreThanOrEqual,omitempty"`
	Max int `json:"lessThanOrEqual,omitempty"`
}

// Contains reports whether version falls within the range.
func (r VersionRange) Contains(version int) bool {
	if r.Min != 0 && version < r.Min {
		return false
	}
	if r.Max != 0 && version > r.Max {
		return false
	}
	return true
}

// Tunables are the server-side timings a client adapts to after connecting.
type Tunables struct {
	ServerRetryIntervalMs  int64        `json:"intervalInMsServerSendSameMessage"`
	ClientRetryIntervalMs  int64        `json:"intervalInMsClientSendSameMessage"`
	ClientPingIntervalMs   int64        `json:"intervalInMsClientPing"`
	DisconnectAfterMs      int64        `json:"millisecondsToDisconnectClientAfterWithoutClientPing"`
	ReconnectWithoutPongMs int64        `json:"reconnectClientAfterMillisecondsWithoutServerPong"`
	AuthTimeoutMs          int64        `json:"waitForAuthenticationTimeoutInMs"`
	RequestTimeoutMs       int64        `json:"requestTimeoutInMs"`
	ServerVersion          string       `json:"serverVersion,omitempty"`
	ClientVersions         VersionRange `json:"clientVersionCodeSupported"`
}

type ConfigureConnectionAck struct {
	Kind      Kind     `json:"kind"`
	RequestID string   `json:"requestId,omitempty"`
	Tunables  Tunables `json:"tunables"`
	Tracking
}

func NewConfigureConnectionAck(requestID string, t Tunables) *ConfigureConnectionAck {
	return &ConfigureConnectionAck{Kind: KindConfigureConnectionAck, RequestID: requestID, Tunables: t}
}

func (*ConfigureConnectionAck) OutboundKind() Kind { return KindConfigureConnectionAck }

type AuthenticateResult struct {
	Kind             Kind     `json:"kind"`
	RequestID        string   `json:"requestId,omitempty"`
	UserID           string   `json:"userId,omitempty"`
	Claims           []string `json:"claims,omitempty"`
	ErrorCode        string   `json:"errorCode,omitempty"`
	ErrorDescription string   `json:"errorDescription,omitempty"`
	Tracking
}

func (*AuthenticateResult) OutboundKind() Kind { return KindAuthenticateResult }

// Receipt is the early acknowledgment that a request frame arrived. It is
// fire-and-forget and never tracked.
type Receipt struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"requestId"`
}

func NewReceipt(requestID string) *Receipt {
	return &Receipt{Kind: KindReceipt, RequestID: requestID}
}

func (*Receipt) OutboundKind() Kind { return KindReceipt }

// Response carries the terminal outcome of a Read, Listen or Modify.
type Response struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"requestId"`
	Output    any    `json:"output,omitempty"`
	Error     *Error `json:"error,omitempty"`
	Tracking
}

func NewResponse(requestID string, output any) *Response {
	return &Response{Kind: KindResponse, RequestID: requestID, Output: output}
}

func NewErrorResponse(requestID string, err *Error) *Response {
	return &Response{Kind: KindResponse, RequestID: requestID, Error: err}
}

func (*Response) OutboundKind() Kind { return KindResponse }

// Success reports whether the response carries output rather than an error.
func (r *Response) Success() bool { return r.Error == nil }

type PushNotification struct {
	Kind     Kind   `json:"kind"`
	ListenID string `json:"listenId"`
	Output   any    `json:"output"`
	Tracking
}

func NewPushNotification(listenID string, output any) *PushNotification {
	return &PushNotification{Kind: KindPushNotification, ListenID: listenID, Output: output}
}

func (*PushNotification) OutboundKind() Kind { return KindPushNotification }

// StopListening tells the client the server tore down one of its listens.
type StopListening struct {
	Kind     Kind   `json:"kind"`
	ListenID string `json:"listenId"`
	Tracking
}

func NewStopListening(listenID string) *StopListening {
	return &StopListening{Kind: KindStopListening, ListenID: listenID}
}

func (*StopListening) OutboundKind() Kind { return KindStopListening }

type Pong struct {
	Kind Kind `json:"kind"`
}

func NewPong() *Pong { return &Pong{Kind: KindPong} }

func (*Pong) OutboundKind() Kind { return KindPong }

var (
	_ Tracked  = (*ConfigureConnectionAck)(nil)
	_ Tracked  = (*AuthenticateResult)(nil)
	_ Tracked  = (*Response)(nil)
	_ Tracked  = (*PushNotification)(nil)
	_ Tracked  = (*StopListening)(nil)
	_ Outbound = (*Receipt)(nil)
	_ Outbound = (*Pong)(nil)
)
