//go:build zmq
// +build zmq

package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

const zmqPollInterval = 250 * time.Millisecond

// ZMQBus fans out through an XSUB/XPUB proxy. The publisher socket connects
// to the proxy's XSUB side and every subscription opens its own SUB socket
// on the XPUB side, filtering by the pattern's literal prefix and then by
// Match.
type ZMQBus struct {
	zctx    *zmq.Context
	codec   event.Codec
	log     logx.Logger
	subAddr string
	origin  string

	pubMu sync.Mutex
	pub   *zmq.Socket

	mu     sync.Mutex
	subs   map[*zmqSub]struct{}
	closed bool
}

type zmqSub struct {
	bus  *ZMQBus
	stop atomic.Bool
	done chan struct{}
	once sync.Once
}

func openZMQ(cfg Config, codec event.Codec, log logx.Logger) (Bus, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, syncerr.BrokerUnavailable("zmq context", err)
	}
	pub, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		_ = zctx.Term()
		return nil, syncerr.BrokerUnavailable("zmq pub socket", err)
	}
	_ = pub.SetSndtimeo(cfg.PublishTimeout)
	_ = pub.SetLinger(0)
	if err := pub.Connect(cfg.ZMQPubAddr); err != nil {
		_ = pub.Close()
		_ = zctx.Term()
		return nil, syncerr.BrokerUnavailable("connect "+cfg.ZMQPubAddr, err)
	}
	log.Info("connected to zmq proxy",
		logx.String("pub", cfg.ZMQPubAddr), logx.String("sub", cfg.ZMQSubAddr), logx.String("codec", codec.Name()))
	return &ZMQBus{
		zctx:    zctx,
		codec:   codec,
		log:     log,
		subAddr: cfg.ZMQSubAddr,
		origin:  cfg.Origin,
		pub:     pub,
		subs:    map[*zmqSub]struct{}{},
	}, nil
}

func (b *ZMQBus) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return syncerr.BrokerUnavailable("publish", err)
	}
	env = stamp(env, b.origin)
	payload, err := b.codec.Marshal(env)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeValidation, "encode envelope", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pub == nil {
		return syncerr.BrokerUnavailable("publish", ErrClosed)
	}
	if _, err := b.pub.SendMessage(env.Target.Key(), payload); err != nil {
		return syncerr.BrokerUnavailable("publish "+env.Target.Key(), err)
	}
	return nil
}

func (b *ZMQBus) Subscribe(_ context.Context, pattern string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncerr.BrokerUnavailable("subscribe", ErrClosed)
	}
	b.mu.Unlock()

	sock, err := b.zctx.NewSocket(zmq.SUB)
	if err != nil {
		return nil, syncerr.BrokerUnavailable("zmq sub socket", err)
	}
	_ = sock.SetLinger(0)
	// Bounded receive so the loop notices Unsubscribe.
	_ = sock.SetRcvtimeo(zmqPollInterval)
	if err := sock.Connect(b.subAddr); err != nil {
		_ = sock.Close()
		return nil, syncerr.BrokerUnavailable("connect "+b.subAddr, err)
	}
	if err := sock.SetSubscribe(literalPrefix(pattern)); err != nil {
		_ = sock.Close()
		return nil, syncerr.BrokerUnavailable("zmq subscribe "+pattern, err)
	}

	s := &zmqSub{bus: b, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		defer sock.Close()
		for !s.stop.Load() {
			parts, err := sock.RecvMessageBytes(0)
			if err != nil {
				if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
					continue
				}
				if s.stop.Load() {
					return
				}
				b.log.Warn("zmq receive failed", logx.String("pattern", pattern), logx.Err(err))
				continue
			}
			if len(parts) < 2 || !Match(pattern, string(parts[0])) {
				continue
			}
			env, err := b.codec.Unmarshal(parts[1])
			if err != nil {
				b.log.Warn("dropping undecodable envelope", logx.String("topic", string(parts[0])), logx.Err(err))
				continue
			}
			h(env)
		}
	}()
	return s, nil
}

func (b *ZMQBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*zmqSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	b.pubMu.Lock()
	if b.pub != nil {
		_ = b.pub.Close()
		b.pub = nil
	}
	b.pubMu.Unlock()
	return b.zctx.Term()
}

func (s *zmqSub) Unsubscribe() error {
	s.once.Do(func() {
		s.stop.Store(true)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	<-s.done
	return nil
}
