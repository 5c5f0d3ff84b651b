package sessions

import (
	"sync"
	"time"

	"github.com/ggoodman/realtime-go/protocol"
)

// Outcome is how a pending message left a session's pending list.
type Outcome int

const (
	// Acknowledged means the client confirmed receipt.
	Acknowledged Outcome = iota + 1
	// GivenUp means the give-up horizon elapsed without acknowledgment.
	GivenUp
	// Discarded means the session was removed while the message was pending.
	// No delivery hook fires for discarded messages.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Acknowledged:
		return "acknowledged"
	case GivenUp:
		return "given_up"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// Pending is an outbound message awaiting acknowledgment.
type Pending struct {
	Message    protocol.Tracked
	FirstTryAt time.Time

	once   sync.Once
	settle func(Outcome)
}

// NewPending builds a pending record. settle is invoked exactly once, when
// the record leaves the pending list.
func NewPending(msg protocol.Tracked, firstTryAt time.Time, settle func(Outcome)) *Pending {
	return &Pending{Message: msg, FirstTryAt: firstTryAt, settle: settle}
}

// ServerID is the tracking id stamped on the message.
func (p *Pending) ServerID() string { return p.Message.TrackingID() }

// Settle resolves the record. Calls after the first are ignored.
func (p *Pending) Settle(o Outcome) {
	p.once.Do(func() {
		if p.settle != nil {
			p.settle(o)
		}
	})
}
