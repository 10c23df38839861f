// Package syncer reconciles the offline send queue against the live gateway
// connection.
//
// One flush cycle runs per connection generation. Within a cycle operations
// are sent one at a time, oldest first, and each waits for its ack before the
// next is taken.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"chatsync/internal/client/queue"
	"chatsync/internal/event"
	"chatsync/internal/notify"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// Transport sends one operation and waits for its ack. An error means no ack
// arrived and the connection should be considered lost.
type Transport interface {
	Send(ctx context.Context, op event.Operation) (event.Ack, error)
}

// Outcome is the result of one FlushOnce.
type Outcome int

const (
	// Idle: nothing pending.
	Idle Outcome = iota
	// Acknowledged: the server accepted the operation.
	Acknowledged
	// Failed: the operation was parked as failed.
	Failed
	// Retry: the server asked for a retry; the operation is pending again.
	Retry
	// Disconnected: no ack arrived; the cycle ends until the next connection.
	Disconnected
	// Halted: the session is no longer authorized.
	Halted
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Acknowledged:
		return "acknowledged"
	case Failed:
		return "failed"
	case Retry:
		return "retry"
	case Disconnected:
		return "disconnected"
	case Halted:
		return "halted"
	}
	return "unknown"
}

// Options tune the coordinator. Zero values take defaults.
type Options struct {
	// MaxAttempts is the retry ceiling before an operation is parked as failed.
	MaxAttempts int
	// SendTimeout bounds the wait for one ack.
	SendTimeout time.Duration
	// NewBackOff builds the wait schedule between transient retries.
	NewBackOff func() backoff.BackOff
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return o
}

// SyncSession is a snapshot of the coordinator's progress.
type SyncSession struct {
	Generation uint64 `json:"generation"`
	// InFlightID is the operation awaiting its ack, empty between sends.
	InFlightID         string    `json:"inFlightId,omitempty"`
	LastAcknowledgedID string    `json:"lastAcknowledgedId,omitempty"`
	Active             bool      `json:"active"`
	Halted             bool      `json:"halted"`
	StartedAt          time.Time `json:"startedAt,omitempty"`
	Flushed            int       `json:"flushed"`
	Failed             int       `json:"failed"`
	// Coalesced counts connection triggers folded into an existing cycle.
	Coalesced int `json:"coalesced"`
}

// Coordinator drives the queue through pending → sending → acknowledged or
// failed.
type Coordinator struct {
	q       *queue.Queue
	notices *notify.Bus
	log     logx.Logger
	opts    Options

	// flushMu keeps at most one operation in flight.
	flushMu sync.Mutex

	mu      sync.Mutex
	session SyncSession
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New returns a coordinator over q. notices may be nil.
func New(q *queue.Queue, notices *notify.Bus, log logx.Logger, opts Options) *Coordinator {
	return &Coordinator{
		q:       q,
		notices: notices,
		log:     log.With(logx.String("component", "syncer")),
		opts:    opts.withDefaults(),
		wake:    make(chan struct{}, 1),
	}
}

// OnConnectionEstablished starts the flush cycle for generation. Calls for a
// generation that already has a cycle, or for an older one, are coalesced and
// report false.
func (c *Coordinator) OnConnectionEstablished(ctx context.Context, generation uint64, t Transport) bool {
	c.mu.Lock()
	if generation <= c.session.Generation {
		c.session.Coalesced++
		c.mu.Unlock()
		c.log.Debug("flush trigger coalesced", logx.Uint64("generation", generation))
		return false
	}
	prevCancel, prevDone := c.cancel, c.done

	cycleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.session = SyncSession{
		Generation: generation,
		Active:     true,
		StartedAt:  time.Now(),
	}
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	c.log.Info("flush cycle started", logx.Uint64("generation", generation), logx.Int("pending", c.q.Pending()))
	go c.run(cycleCtx, generation, t, done)
	return true
}

// Wake nudges an idle cycle after an enqueue.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop ends the running cycle and waits for it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Session returns a snapshot of the current cycle.
func (c *Coordinator) Session() SyncSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Acknowledge handles an ack that arrived outside a Send, e.g. after a
// timeout or a restart. Unknown ids are a no-op.
func (c *Coordinator) Acknowledge(id string) {
	removed, err := c.q.MarkAcknowledged(id)
	if err != nil {
		c.log.Warn("late ack not recorded", logx.String("op_id", id), logx.Err(err))
		return
	}
	if removed {
		c.count(func(s *SyncSession) { s.LastAcknowledgedID = id })
		c.publish(notify.OpAcknowledged, id)
		c.publish(notify.QueueChanged, c.q.Len())
	}
}

func (c *Coordinator) run(ctx context.Context, generation uint64, t Transport, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.session.Generation == generation {
			c.session.Active = false
		}
		c.mu.Unlock()
	}()

	bo := c.opts.NewBackOff()
	for {
		outcome, err := c.FlushOnce(ctx, t)
		if err != nil {
			c.log.Error("flush step failed", logx.Err(err))
		}
		switch outcome {
		case Acknowledged, Failed:
			bo.Reset()
			continue
		case Retry:
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = c.opts.SendTimeout
			}
			if !sleep(ctx, wait) {
				return
			}
			continue
		case Disconnected, Halted:
			c.log.Info("flush cycle ended", logx.Uint64("generation", generation), logx.String("outcome", outcome.String()))
			return
		}
		if err != nil {
			// Local storage trouble; avoid spinning.
			if !sleep(ctx, c.opts.SendTimeout) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}
	}
}

// FlushOnce sends the oldest pending operation and applies the result.
func (c *Coordinator) FlushOnce(ctx context.Context, t Transport) (Outcome, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if c.Session().Halted {
		return Halted, nil
	}
	next, ok := c.q.Next()
	if !ok {
		return Idle, nil
	}
	rec, err := c.q.MarkSending(next.ID)
	if err != nil {
		return Idle, err
	}
	c.count(func(s *SyncSession) { s.InFlightID = rec.ID })
	defer c.count(func(s *SyncSession) {
		if s.InFlightID == rec.ID {
			s.InFlightID = ""
		}
	})
	log := c.log.With(logx.String("op_id", rec.ID), logx.String("channel_id", rec.ChannelID))

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	ack, sendErr := t.Send(sendCtx, rec.Operation)
	cancel()

	if sendErr != nil {
		// Cancelled by our own teardown: the attempt does not count.
		aborted := ctx.Err() != nil
		log.Debug("send without ack", logx.Err(sendErr), logx.Bool("aborted", aborted))
		return c.requeue(rec, !aborted, Disconnected)
	}

	if ack.Status == event.AckOK {
		if _, err := c.q.MarkAcknowledged(rec.ID); err != nil {
			return Idle, err
		}
		c.acknowledged(rec.ID)
		if ack.Superseded {
			log.Debug("operation superseded")
		}
		c.publish(notify.OpAcknowledged, rec.ID)
		c.publish(notify.QueueChanged, c.q.Len())
		return Acknowledged, nil
	}

	code := syncerr.Code(ack.Code)
	switch code {
	case syncerr.CodeConflict:
		// Conflicts resolve deterministically on the server.
		if _, err := c.q.MarkAcknowledged(rec.ID); err != nil {
			return Idle, err
		}
		c.acknowledged(rec.ID)
		c.publish(notify.QueueChanged, c.q.Len())
		return Acknowledged, nil

	case syncerr.CodeAuth:
		if _, err := c.q.ReturnPending(rec.ID, false); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return Halted, err
		}
		c.count(func(s *SyncSession) { s.Halted = true })
		log.Warn("session rejected, flush halted", logx.String("reason", ack.Reason))
		c.publish(notify.AuthRequired, ack.Reason)
		return Halted, nil

	case syncerr.CodeTransient, syncerr.CodeBrokerUnavailable, syncerr.CodeRateLimited, syncerr.CodeUnknown, "":
		log.Debug("transient reject", logx.String("code", string(code)), logx.String("reason", ack.Reason))
		return c.requeue(rec, true, Retry)

	default:
		return c.fail(rec, code, ack.Reason)
	}
}

// requeue returns rec to pending, parking it as failed once it has used
// its attempts.
func (c *Coordinator) requeue(rec queue.Record, countAttempt bool, outcome Outcome) (Outcome, error) {
	back, err := c.q.ReturnPending(rec.ID, countAttempt)
	if errors.Is(err, queue.ErrNotFound) {
		// Acknowledged out of band meanwhile.
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}
	if countAttempt && back.Attempts >= c.opts.MaxAttempts {
		if _, err := c.fail(back, syncerr.CodeTransient, "retry limit reached"); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

func (c *Coordinator) fail(rec queue.Record, code syncerr.Code, reason string) (Outcome, error) {
	if _, err := c.q.MarkFailed(rec.ID, code, reason); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return Failed, nil
		}
		return Failed, err
	}
	c.count(func(s *SyncSession) { s.Failed++ })
	c.log.Warn("operation failed",
		logx.String("op_id", rec.ID), logx.String("code", string(code)), logx.String("reason", reason))
	c.publish(notify.OpFailed, notify.Failure{ID: rec.ID, Code: string(code), Reason: reason})
	c.publish(notify.QueueChanged, c.q.Len())
	return Failed, nil
}

func (c *Coordinator) acknowledged(id string) {
	c.count(func(s *SyncSession) {
		s.Flushed++
		s.LastAcknowledgedID = id
	})
}

func (c *Coordinator) count(fn func(*SyncSession)) {
	c.mu.Lock()
	fn(&c.session)
	c.mu.Unlock()
}

func (c *Coordinator) publish(typ string, data any) {
	if c.notices != nil {
		c.notices.Publish(notify.Notice{Type: typ, Data: data})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
