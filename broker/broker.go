// Package broker defines the topic publish/subscribe abstraction realtime
// nodes use to fan server-side operations out across a cluster.
//
// Delivery is at-most-once and fire-and-forget: a node that is not
// subscribed when a message is published never sees it. Within one
// subscription, messages from a single publisher arrive in publish order.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed Broker.
var ErrClosed = errors.New("broker closed")

// Handler processes one message delivered on a topic. Handlers of one
// subscription are invoked sequentially.
type Handler func(ctx context.Context, payload []byte)

// Broker publishes opaque payloads to named topics.
type Broker interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic. It returns once the
	// subscription is active; delivery continues in the background until
	// ctx is done or the Broker is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close ends every subscription and releases the Broker's resources.
	Close() error
}
