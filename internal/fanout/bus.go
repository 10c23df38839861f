package fanout

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatsync/internal/event"
	"chatsync/pkg/logx"
)

// Handler receives envelopes matching a subscription pattern. It runs on the
// bus's receive goroutine and must hand long work off instead of blocking.
type Handler func(env event.Envelope)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Unsubscribe stops delivery. After it returns the handler is not
	// invoked again. Safe to call more than once.
	Unsubscribe() error
}

// Bus is the cross-process publish/subscribe bridge.
//
// Contract:
//   - Publish is fire-and-forget: it returns once the broker transport
//     accepted the envelope, and fails fast (bounded by PublishTimeout) when
//     the broker is unreachable. It never retries.
//   - Delivery is at-most-once. Ordering holds only for one publisher's
//     successive publishes to one subscriber.
//   - Patterns are globs over selector keys; `{workspace}:*` covers a workspace.
type Bus interface {
	Publish(ctx context.Context, env event.Envelope) error
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
	Close() error
}

// Config selects and configures the broker transport.
type Config struct {
	Driver         string        `env:"CHATSYNC_BUS_DRIVER" envDefault:"redis" yaml:"driver"`
	Codec          string        `env:"CHATSYNC_BUS_CODEC" envDefault:"json" yaml:"codec"`
	PublishTimeout time.Duration `env:"CHATSYNC_BUS_PUBLISH_TIMEOUT" envDefault:"2s" yaml:"publish_timeout"`

	RedisAddr     string `env:"CHATSYNC_REDIS_ADDR" envDefault:"localhost:6379" yaml:"redis_addr"`
	RedisPassword string `env:"CHATSYNC_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `env:"CHATSYNC_REDIS_DB" envDefault:"0" yaml:"redis_db"`

	// ZMQPubAddr is the proxy's XSUB side (publishers connect here) and
	// ZMQSubAddr its XPUB side (subscribers connect here).
	ZMQPubAddr string `env:"CHATSYNC_ZMQ_PUB_ADDR" envDefault:"tcp://localhost:5557" yaml:"zmq_pub_addr"`
	ZMQSubAddr string `env:"CHATSYNC_ZMQ_SUB_ADDR" envDefault:"tcp://localhost:5558" yaml:"zmq_sub_addr"`

	// Origin tags envelopes published through this bus.
	Origin string `yaml:"-"`
}

const defaultPublishTimeout = 2 * time.Second

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("fanout bus is closed")

// Open connects the configured transport.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Bus, error) {
	codec, err := event.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		return OpenRedis(ctx, cfg, codec, log)
	case "memory":
		return NewMemoryBus(log), nil
	case "zmq", "zeromq":
		return openZMQ(cfg, codec, log)
	default:
		return nil, errors.New("unknown bus driver: " + cfg.Driver)
	}
}

// Match reports whether key matches the glob pattern, where '*' matches any
// run of characters and '?' exactly one. Mirrors Redis PSUBSCRIBE semantics
// for the subset the gateway uses.
func Match(pattern, key string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if Match(pattern, key[i:]) {
					return true
				}
			}
			return false
		case '?':
			if key == "" {
				return false
			}
		default:
			if key == "" || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return key == ""
}

// literalPrefix is the part of pattern before its first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func stamp(env event.Envelope, origin string) event.Envelope {
	if env.PublishedAt.IsZero() {
		env.PublishedAt = time.Now().UTC()
	}
	if env.Origin == "" {
		env.Origin = origin
	}
	return env
}
