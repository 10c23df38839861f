// Package lifecycle owns the agent's connection to a gateway: it dials,
// reconnects with capped exponential backoff, and starts one sync flush per
// connection generation.
//
// Online, offline, visibility and reconnect signals arrive on a single
// trigger stream, so there is exactly one place that decides whether a
// connection is still good.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"chatsync/internal/client/syncer"
	"chatsync/internal/event"
	"chatsync/internal/notify"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// ErrNotConnected is returned to callers that need a live session.
var ErrNotConnected = errors.New("lifecycle: not connected")

// State is the connectivity state reported to the UI.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateOffline      State = "offline"
)

// Trigger is one connectivity signal.
type Trigger int

const (
	// TriggerOnline: the host regained network connectivity.
	TriggerOnline Trigger = iota
	// TriggerOffline: the host lost network connectivity.
	TriggerOffline
	// TriggerVisible: the UI became visible again and wants a fresh view.
	TriggerVisible
	// TriggerReconnect: something suspects the socket is dead.
	TriggerReconnect
)

func (t Trigger) String() string {
	switch t {
	case TriggerOnline:
		return "online"
	case TriggerOffline:
		return "offline"
	case TriggerVisible:
		return "visible"
	case TriggerReconnect:
		return "reconnect"
	}
	return "unknown"
}

// Session is a live gateway connection.
type Session interface {
	Send(ctx context.Context, op event.Operation) (event.Ack, error)
	Ping(ctx context.Context) error
	Done() <-chan struct{}
	Close() error
}

// Coordinator is the sync side notified of each new connection.
type Coordinator interface {
	OnConnectionEstablished(ctx context.Context, generation uint64, t syncer.Transport) bool
	Stop()
}

// StateChange is the Data of a connection.state notice.
type StateChange struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
}

// Options configure a Manager.
type Options struct {
	Dial        func(ctx context.Context) (Session, error)
	Coordinator Coordinator
	// OnConnect runs after dialing and before the flush starts, e.g. to
	// rejoin channels. An error drops the connection.
	OnConnect func(ctx context.Context, s Session) error
	Notices   *notify.Bus
	// NewBackOff builds the reconnect schedule. It must never return Stop.
	NewBackOff  func() backoff.BackOff
	PingTimeout time.Duration
	Log         logx.Logger
}

func (o Options) withDefaults() Options {
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.RandomizationFactor = 0.5
			b.MaxElapsedTime = 0
			return b
		}
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	return o
}

// Manager runs the connect loop.
type Manager struct {
	opts     Options
	log      logx.Logger
	triggers chan Trigger

	mu         sync.Mutex
	state      State
	generation uint64
	online     bool
	session    Session
}

func New(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:     opts,
		log:      opts.Log.With(logx.String("component", "lifecycle")),
		triggers: make(chan Trigger, 16),
		state:    StateDisconnected,
		online:   true,
	}
}

// Trigger queues a connectivity signal. It never blocks; a full stream
// already holds enough signals to re-evaluate the connection.
func (m *Manager) Trigger(t Trigger) {
	select {
	case m.triggers <- t:
	default:
		m.log.Debug("trigger dropped, stream full", logx.String("trigger", t.String()))
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Session returns the live session, or nil when not connected.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.session
}

// Run connects and keeps reconnecting until ctx ends. It returns after the
// coordinator has stopped and the last session is closed.
func (m *Manager) Run(ctx context.Context) error {
	bo := m.opts.NewBackOff()
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected, nil)
			return ctx.Err()
		}
		if !m.isOnline() {
			m.setState(StateOffline, nil)
			if !m.waitOnline(ctx) {
				continue
			}
			bo.Reset()
		}

		m.setState(StateConnecting, nil)
		sess, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := bo.NextBackOff()
			m.log.Warn("connect failed", logx.Err(err), logx.Duration("retry_in", wait))
			if syncerr.IsCode(err, syncerr.CodeAuth) {
				m.notice(notify.AuthRequired, err.Error())
			}
			m.setState(StateDisconnected, nil)
			if wait == backoff.Stop {
				wait = m.opts.PingTimeout
			}
			m.waitRetry(ctx, wait, bo)
			continue
		}
		bo.Reset()
		m.serve(ctx, sess)
	}
}

func (m *Manager) connect(ctx context.Context) (Session, error) {
	sess, err := m.opts.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if m.opts.OnConnect != nil {
		if err := m.opts.OnConnect(ctx, sess); err != nil {
			_ = sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

// serve holds one connection until it drops, goes stale, the host goes
// offline or ctx ends.
func (m *Manager) serve(ctx context.Context, sess Session) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.setState(StateConnected, sess)
	log := m.log.With(logx.Uint64("generation", gen))
	log.Info("connected")

	if m.opts.Coordinator != nil {
		m.opts.Coordinator.OnConnectionEstablished(ctx, gen, sess)
	}

	defer func() {
		// Sync stops before its transport goes away.
		if m.opts.Coordinator != nil {
			m.opts.Coordinator.Stop()
		}
		_ = sess.Close()
		m.setState(StateDisconnected, nil)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			log.Info("connection dropped")
			return
		case t := <-m.triggers:
			switch t {
			case TriggerOffline:
				m.setOnline(false)
				log.Info("host offline, closing connection")
				return
			case TriggerOnline:
				m.setOnline(true)
			case TriggerVisible, TriggerReconnect:
				if err := m.ping(ctx, sess); err != nil {
					log.Info("stale connection, reconnecting", logx.String("trigger", t.String()), logx.Err(err))
					return
				}
			}
			// A healthy connection folds the signal into the running cycle.
			if m.opts.Coordinator != nil {
				m.opts.Coordinator.OnConnectionEstablished(ctx, gen, sess)
			}
		}
	}
}

func (m *Manager) ping(ctx context.Context, sess Session) error {
	pctx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	defer cancel()
	return sess.Ping(pctx)
}

// waitOnline blocks until an online signal. It reports false when ctx ended.
func (m *Manager) waitOnline(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case t := <-m.triggers:
			if t == TriggerOnline {
				m.setOnline(true)
				return true
			}
		}
	}
}

// waitRetry sleeps out a backoff step. Online, visibility and reconnect
// signals cut the wait short.
func (m *Manager) waitRetry(ctx context.Context, wait time.Duration, bo backoff.BackOff) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case t := <-m.triggers:
		switch t {
		case TriggerOffline:
			m.setOnline(false)
		case TriggerOnline:
			m.setOnline(true)
			bo.Reset()
		}
	}
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) setOnline(v bool) {
	m.mu.Lock()
	m.online = v
	m.mu.Unlock()
}

func (m *Manager) setState(s State, sess Session) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.session = sess
	gen := m.generation
	m.mu.Unlock()
	if changed {
		m.notice(notify.ConnectionState, StateChange{State: s, Generation: gen})
	}
}

func (m *Manager) notice(typ string, data any) {
	if m.opts.Notices != nil {
		m.opts.Notices.Publish(notify.Notice{Type: typ, Data: data})
	}
}
