package realtime

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/realtime-go/protocol"
)

// ErrInvalidConfig is wrapped by every Config.Validate failure.
var ErrInvalidConfig = errors.New("invalid realtime config")

// Config holds every server tunable. The zero value is not usable; start
// from DefaultConfig, ConfigFromEnv or LoadConfig.
type Config struct {
	// RetryInterval is how often unacknowledged messages are resent.
	RetryInterval time.Duration `env:"REALTIME_RETRY_INTERVAL,default=5s" yaml:"retry_interval"`
	// ClientRetryInterval is advertised to clients as their own resend
	// interval.
	ClientRetryInterval time.Duration `env:"REALTIME_CLIENT_RETRY_INTERVAL,default=5s" yaml:"client_retry_interval"`
	// GiveUpAfter is the horizon after which an unacknowledged message is
	// dropped.
	GiveUpAfter time.Duration `env:"REALTIME_GIVE_UP_AFTER,default=40s" yaml:"give_up_after"`

	ClientPingInterval time.Duration `env:"REALTIME_CLIENT_PING_INTERVAL,default=1s" yaml:"client_ping_interval"`
	// LivenessInterval is the probe sweep period. A client that sent
	// nothing for a whole interval is disconnected.
	LivenessInterval time.Duration `env:"REALTIME_LIVENESS_INTERVAL,default=12s" yaml:"liveness_interval"`
	MissedProbes     int           `env:"REALTIME_MISSED_PROBES,default=1" yaml:"missed_probes"`
	// ReconnectWithoutPong is advertised to clients: they reconnect when
	// the server stays silent this long.
	ReconnectWithoutPong time.Duration `env:"REALTIME_RECONNECT_WITHOUT_PONG,default=6s" yaml:"reconnect_without_pong"`

	// GracePeriod is how long a disconnected session is kept for a
	// reconnect.
	GracePeriod     time.Duration `env:"REALTIME_GRACE_PERIOD,default=53s" yaml:"grace_period"`
	HandshakeGrace  time.Duration `env:"REALTIME_HANDSHAKE_GRACE,default=20s" yaml:"handshake_grace"`
	CleanupInterval time.Duration `env:"REALTIME_CLEANUP_INTERVAL,default=5s" yaml:"cleanup_interval"`

	AuthTimeout    time.Duration `env:"REALTIME_AUTH_TIMEOUT,default=4s" yaml:"auth_timeout"`
	RequestTimeout time.Duration `env:"REALTIME_REQUEST_TIMEOUT,default=7s" yaml:"request_timeout"`
	// NotifyDelay holds back notifies right after startup so reconnecting
	// clients can re-establish their listens first.
	NotifyDelay time.Duration `env:"REALTIME_NOTIFY_DELAY,default=200ms" yaml:"notify_delay"`

	ExposeInternalErrors bool `env:"REALTIME_EXPOSE_INTERNAL_ERRORS,default=false" yaml:"expose_internal_errors"`

	MaxMessageSize int64         `env:"REALTIME_MAX_MESSAGE_SIZE,default=1048576" yaml:"max_message_size"`
	WriteWait      time.Duration `env:"REALTIME_WRITE_WAIT,default=10s" yaml:"write_wait"`

	ServerVersion string `env:"REALTIME_SERVER_VERSION" yaml:"server_version"`
}

// DefaultConfig returns the built-in defaults, ignoring the environment.
func DefaultConfig() Config {
	return Config{
		RetryInterval:        5 * time.Second,
		ClientRetryInterval:  5 * time.Second,
		GiveUpAfter:          40 * time.Second,
		ClientPingInterval:   time.Second,
		LivenessInterval:     12 * time.Second,
		MissedProbes:         1,
		ReconnectWithoutPong: 6 * time.Second,
		GracePeriod:          53 * time.Second,
		HandshakeGrace:       20 * time.Second,
		CleanupInterval:      5 * time.Second,
		AuthTimeout:          4 * time.Second,
		RequestTimeout:       7 * time.Second,
		NotifyDelay:          200 * time.Millisecond,
		MaxMessageSize:       1 << 20,
		WriteWait:            10 * time.Second,
	}
}

// ConfigFromEnv reads the REALTIME_* environment variables over the
// defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode realtime config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads the environment, then overlays the YAML file at path.
// Keys absent from the file keep their environment or default value.
func LoadConfig(path string) (Config, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the relations between tunables a client depends on.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"retry_interval", c.RetryInterval},
		{"client_retry_interval", c.ClientRetryInterval},
		{"give_up_after", c.GiveUpAfter},
		{"client_ping_interval", c.ClientPingInterval},
		{"liveness_interval", c.LivenessInterval},
		{"reconnect_without_pong", c.ReconnectWithoutPong},
		{"grace_period", c.GracePeriod},
		{"handshake_grace", c.HandshakeGrace},
		{"cleanup_interval", c.CleanupInterval},
		{"auth_timeout", c.AuthTimeout},
		{"request_timeout", c.RequestTimeout},
		{"write_wait", c.WriteWait},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, p.name))
		}
	}
	if c.NotifyDelay < 0 {
		errs = append(errs, fmt.Errorf("%w: notify_delay must not be negative", ErrInvalidConfig))
	}
	if c.MissedProbes < 1 {
		errs = append(errs, fmt.Errorf("%w: missed_probes must be at least 1", ErrInvalidConfig))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_message_size must be positive", ErrInvalidConfig))
	}
	if c.LivenessInterval <= c.ClientPingInterval {
		errs = append(errs, fmt.Errorf("%w: liveness_interval (%s) must exceed client_ping_interval (%s)", ErrInvalidConfig, c.LivenessInterval, c.ClientPingInterval))
	}
	if c.LivenessInterval <= c.ReconnectWithoutPong {
		errs = append(errs, fmt.Errorf("%w: liveness_interval (%s) must exceed reconnect_without_pong (%s)", ErrInvalidConfig, c.LivenessInterval, c.ReconnectWithoutPong))
	}
	if c.LivenessInterval > c.GracePeriod {
		errs = append(errs, fmt.Errorf("%w: liveness_interval (%s) must not exceed grace_period (%s)", ErrInvalidConfig, c.LivenessInterval, c.GracePeriod))
	}
	if c.GiveUpAfter < c.RetryInterval {
		errs = append(errs, fmt.Errorf("%w: give_up_after (%s) must be at least retry_interval (%s)", ErrInvalidConfig, c.GiveUpAfter, c.RetryInterval))
	}
	return errors.Join(errs...)
}

func (c Config) tunables() protocol.Tunables {
	return protocol.Tunables{
		ServerRetryIntervalMs:  c.RetryInterval.Milliseconds(),
		ClientRetryIntervalMs:  c.ClientRetryInterval.Milliseconds(),
		ClientPingIntervalMs:   c.ClientPingInterval.Milliseconds(),
		DisconnectAfterMs:      c.LivenessInterval.Milliseconds(),
		ReconnectWithoutPongMs: c.ReconnectWithoutPong.Milliseconds(),
		AuthTimeoutMs:          c.AuthTimeout.Milliseconds(),
		RequestTimeoutMs:       c.RequestTimeout.Milliseconds(),
		ServerVersion:          c.ServerVersion,
	}
}
