package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/auth"
	"chatsync/internal/event"
	"chatsync/pkg/logx"
)

// Sink is the transport a connection's frames are written to. WriteFrame is
// only ever called from the connection's writer goroutine.
type Sink interface {
	WriteFrame(f event.Frame) error
	Close() error
}

// Pinger is implemented by sinks that support keepalive pings.
type Pinger interface {
	Ping() error
}

// Conn is one live client connection held by this process.
type Conn struct {
	id       string
	identity auth.Identity
	sink     Sink
	gw       *Gateway
	log      logx.Logger

	outbox  chan event.Frame
	closing chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce      sync.Once
	disconnectOnce sync.Once

	// subs is guarded by gw.mu.
	subs map[string]Subscription

	// mu guards replaying: per channel, live envelopes held back while a join
	// replays history.
	mu        sync.Mutex
	replaying map[string][]event.Envelope

	// opMu serializes inbound operations.
	opMu sync.Mutex
}

func newConn(g *Gateway, id auth.Identity, sink Sink) *Conn {
	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ctx:       ctx,
		cancel:    cancel,
		id:        connID,
		identity:  id,
		sink:      sink,
		gw:        g,
		log:       g.log.With(logx.String("conn_id", connID)),
		outbox:    make(chan event.Frame, g.opts.OutboxSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		subs:      map[string]Subscription{},
		replaying: map[string][]event.Envelope{},
	}
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) Identity() auth.Identity { return c.identity }

// Context is cancelled when the connection shuts down.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once the writer goroutine has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues a frame for the client, e.g. an ack.
func (c *Conn) Send(f event.Frame) { c.send(f) }

func (c *Conn) deliver(env event.Envelope) {
	channelID := env.Target.ID
	if env.Target.Kind == event.KindRoom {
		c.mu.Lock()
		if buf, ok := c.replaying[channelID]; ok {
			c.replaying[channelID] = append(buf, env)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
	c.send(event.EventFrame(env))
}

// endReplay releases envelopes buffered during a join, skipping any the
// replay already covered.
func (c *Conn) endReplay(channelID string, last int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, env := range c.replaying[channelID] {
		if env.Cursor > 0 && env.Cursor <= last {
			continue
		}
		c.send(event.EventFrame(env))
	}
	delete(c.replaying, channelID)
}

// send never blocks. A full outbox means the client is not keeping up; it is
// dropped and will resync on reconnect.
func (c *Conn) send(f event.Frame) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.outbox <- f:
	default:
		c.log.Warn("slow consumer, dropping connection", logx.Int("outbox", cap(c.outbox)))
		c.shutdown()
	}
}

func (c *Conn) writeLoop(pingInterval time.Duration) {
	defer close(c.done)

	var tick <-chan time.Time
	pinger, canPing := c.sink.(Pinger)
	if canPing && pingInterval > 0 {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case f := <-c.outbox:
			if err := c.sink.WriteFrame(f); err != nil {
				c.log.Debug("write failed", logx.Err(err))
				c.shutdown()
				return
			}
		case <-tick:
			if err := pinger.Ping(); err != nil {
				c.shutdown()
				return
			}
		case <-c.closing:
			return
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
		// Closing the sink unblocks a writer stuck on a dead peer.
		_ = c.sink.Close()
	})
}

func (c *Conn) gone() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}
