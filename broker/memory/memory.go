// Package memory provides an in-process broker.Broker. It is the default
// for single-node deployments and for tests.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ggoodman/realtime-go/broker"
)

const subscriberBuffer = 256

// Broker implements broker.Broker with per-subscriber buffered channels.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]*subscription
	closed bool
}

type subscription struct {
	topic   string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	handler broker.Handler
}

func (s *subscription) stop() { s.once.Do(func() { close(s.done) }) }

// New creates an empty Broker.
func New() *Broker {
	return &Broker{topics: make(map[string][]*subscription)}
}

// Publish copies payload to every subscriber of topic. It blocks while a
// subscriber's buffer is full, until ctx is done.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return broker.ErrClosed
	}
	subs := slices.Clone(b.topics[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		msg := slices.Clone(payload)
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for topic until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := &subscription{
		topic:   topic,
		ch:      make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	b.topics[topic] = append(b.topics[topic], s)
	b.mu.Unlock()

	go b.run(ctx, s)
	return nil
}

func (b *Broker) run(ctx context.Context, s *subscription) {
	defer b.remove(s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.ch:
			s.handler(ctx, msg)
		}
	}
}

func (b *Broker) remove(s *subscription) {
	s.stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[s.topic]
	if i := slices.Index(subs, s); i >= 0 {
		b.topics[s.topic] = slices.Delete(subs, i, i+1)
	}
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
}

// Close stops every subscription. Subsequent calls are no-ops.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.topics {
		all = append(all, subs...)
	}
	b.mu.Unlock()
	for _, s := range all {
		s.stop()
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
