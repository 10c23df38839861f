package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

const memorySubscriberBuffer = 256

// MemoryBus is an in-process Bus. Several gateways built on the same
// MemoryBus behave like processes sharing a broker, which is how tests and
// single-binary deployments use it.
//
// Publish is non-blocking: each subscription owns a buffered channel drained
// by its own goroutine, and a full buffer drops the envelope.
type MemoryBus struct {
	log logx.Logger

	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	closed bool
	seq    atomic.Uint64

	dropped atomic.Uint64
}

type memorySub struct {
	bus     *MemoryBus
	id      uint64
	pattern string
	ch      chan event.Envelope
	done    chan struct{}
	once    sync.Once
}

func NewMemoryBus(log logx.Logger) *MemoryBus {
	return &MemoryBus{log: log, subs: map[uint64]*memorySub{}}
}

func (b *MemoryBus) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return syncerr.BrokerUnavailable("publish", err)
	}
	env = stamp(env, "memory")
	key := env.Target.Key()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return syncerr.BrokerUnavailable("publish", ErrClosed)
	}
	for _, s := range b.subs {
		if !Match(s.pattern, key) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			b.dropped.Add(1)
			b.log.Warn("memory bus subscriber full, envelope dropped",
				logx.String("pattern", s.pattern), logx.String("target", key))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, pattern string, h Handler) (Subscription, error) {
	s := &memorySub{
		bus:     b,
		pattern: pattern,
		ch:      make(chan event.Envelope, memorySubscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncerr.BrokerUnavailable("subscribe", ErrClosed)
	}
	s.id = b.seq.Add(1)
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for env := range s.ch {
			h(env)
		}
	}()
	return s, nil
}

// Dropped reports how many envelopes were dropped on full subscriber buffers.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		// Holding the write lock guarantees no Publish is mid-send on s.ch.
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
	<-s.done
	return nil
}
