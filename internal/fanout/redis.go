package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// RedisBus publishes envelopes on the Redis channel named by the target's
// selector key and subscribes with PSUBSCRIBE.
type RedisBus struct {
	rdb     *redis.Client
	codec   event.Codec
	log     logx.Logger
	timeout time.Duration
	origin  string

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, cfg Config, codec event.Codec, log logx.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, syncerr.BrokerUnavailable("connect redis "+cfg.RedisAddr, err)
	}
	log.Info("connected to redis", logx.String("addr", cfg.RedisAddr), logx.String("codec", codec.Name()))
	return NewRedisBus(rdb, cfg, codec, log), nil
}

// NewRedisBus wraps an existing client. The bus takes ownership of rdb.
func NewRedisBus(rdb *redis.Client, cfg Config, codec event.Codec, log logx.Logger) *RedisBus {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &RedisBus{
		rdb:     rdb,
		codec:   codec,
		log:     log,
		timeout: timeout,
		origin:  cfg.Origin,
		subs:    map[*redisSub]struct{}{},
	}
}

func (b *RedisBus) Publish(ctx context.Context, env event.Envelope) error {
	env = stamp(env, b.origin)
	payload, err := b.codec.Marshal(env)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeValidation, "encode envelope", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, env.Target.Key(), payload).Err(); err != nil {
		return syncerr.BrokerUnavailable("publish "+env.Target.Key(), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, syncerr.BrokerUnavailable("subscribe", ErrClosed)
	}

	ps := b.rdb.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so no publish after Subscribe
	// returns is missed.
	recvCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := ps.Receive(recvCtx); err != nil {
		_ = ps.Close()
		return nil, syncerr.BrokerUnavailable("psubscribe "+pattern, err)
	}

	s := &redisSub{bus: b, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer close(s.done)
		for msg := range ch {
			env, err := b.codec.Unmarshal([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("dropping undecodable envelope",
					logx.String("channel", msg.Channel), logx.Err(err))
				continue
			}
			h(env)
		}
	}()
	return s, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return b.rdb.Close()
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		// Closing the PubSub closes its Go channel, which ends the loop.
		err = s.ps.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	<-s.done
	return err
}
