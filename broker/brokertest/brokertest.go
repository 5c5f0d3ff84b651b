// Package brokertest holds a conformance suite every broker.Broker
// implementation is expected to pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/realtime-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

const waitTimeout = 5 * time.Second

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("MultipleSubscribersToSameTopic", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("ClosedBrokerRejects", func(t *testing.T) {
		testClosedBrokerRejects(t, factory)
	})
}

// collector records payloads handed to a subscription handler.
type collector struct {
	mu   sync.Mutex
	got  []string
	more chan struct{}
}

func newCollector() *collector {
	return &collector{more: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, payload []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(payload))
	c.mu.Unlock()
	c.more <- struct{}{}
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func (c *collector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-c.more:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %v", n, c.snapshot())
		}
	}
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Errorf("close broker: %v", err)
	}
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	c := newCollector()
	if err := b.Subscribe(ctx, "events", c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "events", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.waitFor(t, 1)
	if got[0] != "hello" {
		t.Fatalf("payload = %q, want hello", got[0])
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	c1, c2 := newCollector(), newCollector()
	for _, c := range []*collector{c1, c2} {
		if err := b.Subscribe(ctx, "fanout", c.handle); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if err := b.Publish(ctx, "fanout", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c1.waitFor(t, 1)
	c2.waitFor(t, 1)
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	a, other := newCollector(), newCollector()
	if err := b.Subscribe(ctx, "a", a.handle); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(ctx, "b", other.handle); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if err := b.Publish(ctx, "b", []byte("for-b")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	if err := b.Publish(ctx, "a", []byte("for-a")); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	got := a.waitFor(t, 1)
	other.waitFor(t, 1)
	if len(got) != 1 || got[0] != "for-a" {
		t.Fatalf("topic a received %v", got)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	c := newCollector()
	if err := b.Subscribe(ctx, "ordered", c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "ordered", []byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got := c.waitFor(t, n)
	for i, p := range got {
		if want := fmt.Sprintf("m%d", i); p != want {
			t.Fatalf("message %d = %q, want %q", i, p, want)
		}
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	pubCtx, pubCancel := context.WithTimeout(context.Background(), waitTimeout)
	defer pubCancel()

	subCtx, subCancel := context.WithCancel(pubCtx)
	c := newCollector()
	if err := b.Subscribe(subCtx, "cancel", c.handle); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(pubCtx, "cancel", []byte("before")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c.waitFor(t, 1)

	subCancel()
	// The subscription goroutine observes cancellation asynchronously.
	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(pubCtx, "cancel", []byte("after")); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := c.snapshot(); len(got) != 1 {
		t.Fatalf("received after cancel: %v", got)
	}
}

func testClosedBrokerRejects(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx := context.Background()
	if err := b.Publish(ctx, "x", []byte("y")); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("publish after close = %v, want ErrClosed", err)
	}
	if err := b.Subscribe(ctx, "x", func(context.Context, []byte) {}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("subscribe after close = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
