// Package redis implements broker.Broker over Redis Pub/Sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/realtime-go/broker"
)

// Config describes the Redis connection. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379" yaml:"addr"`
	// ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	// ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0" yaml:"db"`
	// ChannelPrefix is prepended to every topic. ENV: REALTIME_REDIS_PREFIX
	ChannelPrefix string `env:"REALTIME_REDIS_PREFIX,default=realtime:" yaml:"channel_prefix"`
}

// ConfigFromEnv populates a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// Broker publishes and subscribes through a Redis client.
type Broker struct {
	client     goredis.UniversalClient
	prefix     string
	ownsClient bool
	log        *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*goredis.PubSub]struct{}
}

// Option configures a Broker.
type Option func(*Broker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithChannelPrefix sets the prefix prepended to every topic.
func WithChannelPrefix(p string) Option {
	return func(b *Broker) { b.prefix = p }
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client: client,
		prefix: "realtime:",
		log:    slog.Default(),
		subs:   make(map[*goredis.PubSub]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Dial connects to the server described by cfg and verifies it answers.
// The returned Broker owns its client.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Broker, error) {
	cl := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	b := New(cl, append([]Option{WithChannelPrefix(cfg.ChannelPrefix)}, opts...)...)
	b.ownsClient = true
	return b, nil
}

func (b *Broker) channel(topic string) string { return b.prefix + topic }

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel(topic))
	// Wait for confirmation that the subscription is active.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return broker.ErrClosed
	}
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer b.release(ps)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (b *Broker) release(ps *goredis.PubSub) {
	b.mu.Lock()
	_, tracked := b.subs[ps]
	delete(b.subs, ps)
	b.mu.Unlock()
	if tracked {
		if err := ps.Close(); err != nil {
			b.log.Debug("broker.redis.unsubscribe_fail", slog.String("err", err.Error()))
		}
	}
}

// Close ends every subscription, and closes the client if the Broker
// dialed it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*goredis.PubSub]struct{})
	b.mu.Unlock()

	var errs []error
	for ps := range subs {
		errs = append(errs, ps.Close())
	}
	if b.ownsClient {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}

var _ broker.Broker = (*Broker)(nil)
