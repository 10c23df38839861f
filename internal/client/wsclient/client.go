// Package wsclient is the agent's websocket session with a gateway.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// ErrClosed is returned by calls on a session that has ended.
var ErrClosed = errors.New("wsclient: session closed")

// Options configure Dial.
type Options struct {
	// URL is the gateway websocket endpoint, e.g. ws://host:8080/ws.
	URL   string
	Token string
	// OnEvent receives event frames on the reader goroutine and must not block.
	OnEvent func(event.Frame)
	// OnStrayAck receives acks whose request is no longer waiting.
	OnStrayAck func(event.Ack)

	Dialer     *websocket.Dialer
	WriteWait  time.Duration
	PongWait   time.Duration
	OutboxSize int
	Log        logx.Logger
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 256
	}
	return o
}

// Session is one live connection. Send, Join and Ping may be called
// concurrently; frames are written by a single writer goroutine.
type Session struct {
	conn *websocket.Conn
	opts Options
	log  logx.Logger

	outbox chan event.Frame
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan event.Frame
	joins   map[string]chan event.Frame
}

// Dial connects to the gateway and starts the read and write pumps.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, resp, err := opts.Dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, syncerr.Auth("gateway refused session", err)
		}
		return nil, syncerr.Transient("dial gateway", err)
	}

	s := &Session{
		conn:    conn,
		opts:    opts,
		log:     opts.Log.With(logx.String("gateway", opts.URL)),
		outbox:  make(chan event.Frame, opts.OutboxSize),
		done:    make(chan struct{}),
		pending: map[string]chan event.Frame{},
		joins:   map[string]chan event.Frame{},
	}
	go s.writePump()
	go s.readPump()
	return s, nil
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() error {
	s.fail(ErrClosed)
	return nil
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

// Send writes op and waits for its ack. Any error ends the session: a
// missing or garbled answer means the connection is no longer trusted.
func (s *Session) Send(ctx context.Context, op event.Operation) (event.Ack, error) {
	reply, err := s.request(ctx, event.Frame{Type: event.FrameOp, Op: &op})
	if err != nil {
		return event.Ack{}, err
	}
	switch reply.Type {
	case event.FrameAck:
		if reply.Ack == nil {
			return event.Ack{}, s.broken(fmt.Errorf("ack frame without ack for %s", op.ID))
		}
		return *reply.Ack, nil
	case event.FrameError:
		if reply.Error == nil {
			return event.Ack{}, s.broken(fmt.Errorf("error frame without body for %s", op.ID))
		}
		// Frame-level failures still answer the operation.
		return event.Ack{ID: op.ID, Status: event.AckReject, Code: reply.Error.Code, Reason: reply.Error.Message}, nil
	}
	return event.Ack{}, s.broken(fmt.Errorf("unexpected %s reply to %s", reply.Type, op.ID))
}

// broken ends the session with err and returns it.
func (s *Session) broken(err error) error {
	s.log.Warn("protocol error, dropping session", logx.Err(err))
	s.fail(syncerr.Transient("protocol error", err))
	return err
}

// Join subscribes to channelID, replaying events after cursor.
func (s *Session) Join(ctx context.Context, channelID string, cursor int64) error {
	joined := make(chan event.Frame, 1)
	s.mu.Lock()
	s.joins[channelID] = joined
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.joins[channelID] == joined {
			delete(s.joins, channelID)
		}
		s.mu.Unlock()
	}()

	rid, reply := s.register()
	defer s.unregister(rid)
	if err := s.write(ctx, event.Frame{Type: event.FrameJoin, RequestID: rid, Channel: channelID, Cursor: cursor}); err != nil {
		return err
	}
	select {
	case <-joined:
		return nil
	case f := <-reply:
		if f.Error != nil {
			return syncerr.New(syncerr.Code(f.Error.Code), f.Error.Message)
		}
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave unsubscribes from channelID. The gateway sends no reply.
func (s *Session) Leave(ctx context.Context, channelID string) error {
	return s.write(ctx, event.Frame{Type: event.FrameLeave, Channel: channelID})
}

// Ping round-trips an application ping, proving the gateway still answers.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.request(ctx, event.Frame{Type: event.FramePing})
	return err
}

func (s *Session) request(ctx context.Context, f event.Frame) (event.Frame, error) {
	rid, reply := s.register()
	defer s.unregister(rid)
	f.RequestID = rid
	if err := s.write(ctx, f); err != nil {
		return event.Frame{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-s.done:
		return event.Frame{}, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.log.Warn("no reply before deadline, dropping session", logx.String("frame", f.Type))
			s.fail(syncerr.Transient("reply timeout", ctx.Err()))
		}
		return event.Frame{}, ctx.Err()
	}
}

func (s *Session) register() (string, chan event.Frame) {
	rid := strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan event.Frame, 1)
	s.mu.Lock()
	s.pending[rid] = ch
	s.mu.Unlock()
	return rid, ch
}

func (s *Session) unregister(rid string) {
	s.mu.Lock()
	delete(s.pending, rid)
	s.mu.Unlock()
}

// write queues f for the writer. A deadline passing on a full outbox ends
// the session, like a missing reply.
func (s *Session) write(ctx context.Context, f event.Frame) error {
	select {
	case s.outbox <- f:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.log.Warn("outbox full past deadline, dropping session", logx.String("frame", f.Type))
			s.fail(syncerr.Transient("outbox full", ctx.Err()))
		}
		return ctx.Err()
	}
}

func (s *Session) writePump() {
	// Closing the conn here also unblocks readPump.
	defer s.conn.Close()
	for {
		select {
		case f := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.fail(syncerr.Transient("write frame", err))
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Session) readPump() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	// The gateway pings at an interval below PongWait; any traffic counts.
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(syncerr.Transient("read frame", err))
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var f event.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("undecodable frame", logx.Err(err))
			continue
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f event.Frame) {
	switch f.Type {
	case event.FrameEvent:
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(f)
		}
		return
	case event.FrameJoined:
		s.mu.Lock()
		ch := s.joins[f.Channel]
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- f:
			default:
			}
		}
		return
	}

	if f.RequestID == "" {
		if f.Type == event.FrameError && f.Error != nil {
			s.log.Warn("gateway error", logx.String("code", f.Error.Code), logx.String("message", f.Error.Message))
			if f.Error.Code == string(syncerr.CodeRateLimited) {
				s.fail(syncerr.Transient("rate limited", errors.New(f.Error.Message)))
			}
		}
		return
	}
	s.mu.Lock()
	ch := s.pending[f.RequestID]
	s.mu.Unlock()
	if ch == nil {
		if f.Type == event.FrameAck && f.Ack != nil && s.opts.OnStrayAck != nil {
			s.opts.OnStrayAck(*f.Ack)
			return
		}
		s.log.Debug("reply for unknown request", logx.String("request_id", f.RequestID), logx.String("type", f.Type))
		return
	}
	select {
	case ch <- f:
	default:
	}
}
