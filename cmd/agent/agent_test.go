package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/client/lifecycle"
	"chatsync/internal/client/queue"
	"chatsync/internal/client/syncer"
	"chatsync/internal/event"
	"chatsync/internal/notify"
	"chatsync/pkg/logx"
)

type joinCall struct {
	channel string
	cursor  int64
}

type fakeSession struct {
	mu    sync.Mutex
	joins []joinCall
	done  chan struct{}
}

func newFakeSession() *fakeSession { return &fakeSession{done: make(chan struct{})} }

func (s *fakeSession) Send(context.Context, event.Operation) (event.Ack, error) {
	return event.Ack{}, nil
}
func (s *fakeSession) Ping(context.Context) error { return nil }
func (s *fakeSession) Done() <-chan struct{}      { return s.done }
func (s *fakeSession) Close() error               { return nil }

func (s *fakeSession) Join(_ context.Context, channelID string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, joinCall{channelID, cursor})
	return nil
}

func (s *fakeSession) calls() []joinCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]joinCall(nil), s.joins...)
}

type fakeConn struct {
	mu       sync.Mutex
	triggers []lifecycle.Trigger
	session  lifecycle.Session
}

func (c *fakeConn) Trigger(t lifecycle.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, t)
}

func (c *fakeConn) Session() lifecycle.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *fakeConn) seen() []lifecycle.Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]lifecycle.Trigger(nil), c.triggers...)
}

func newTestAgent(t *testing.T, channels ...string) (*agent, *fakeConn) {
	t.Helper()
	q, err := queue.Open(queue.NewMemoryBackend(), logx.Nop())
	require.NoError(t, err)
	notices := notify.New()
	coord := syncer.New(q, notices, logx.Nop(), syncer.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	a := newAgent(ctx, q, coord, notices, channels, logx.Nop())
	conn := &fakeConn{}
	a.conn = conn

	feed, release := notices.Subscribe(64)
	go a.hub.run(ctx)
	go a.hub.forward(ctx, feed)
	t.Cleanup(func() {
		cancel()
		release()
	})
	return a, conn
}

func dialUI(t *testing.T, a *agent) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(a.router(""))
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws, srv
}

// readUntil reads frames until one has the wanted type.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, b, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func sendOp(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	op := event.Operation{
		Type:      event.OpSendMessage,
		ChannelID: "general",
		Payload:   event.RawPayload(event.MessageBody{Text: text}),
	}
	require.NoError(t, ws.WriteJSON(command{Type: cmdOp, Op: &op}))
}

func TestUIOpIsQueuedAndBroadcast(t *testing.T) {
	a, _ := newTestAgent(t)
	ws, _ := dialUI(t, a)

	sendOp(t, ws, "hello")
	got := collect(t, ws, "queued", notify.QueueChanged)

	rec, ok := got["queued"]["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pending", rec["status"])
	assert.NotEmpty(t, rec["id"])
	assert.EqualValues(t, 1, got[notify.QueueChanged]["data"])
	assert.Equal(t, 1, a.queue.Len())
}

// collect reads frames until one of each wanted type has arrived, in any
// order.
func collect(t *testing.T, ws *websocket.Conn, types ...string) map[string]map[string]any {
	t.Helper()
	out := map[string]map[string]any{}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for len(out) < len(types) {
		_, b, err := ws.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		for _, typ := range types {
			if m["type"] == typ {
				out[typ] = m
			}
		}
	}
	return out
}

func TestUICommandErrors(t *testing.T) {
	a, _ := newTestAgent(t)
	ws, _ := dialUI(t, a)

	tests := []struct {
		name string
		cmd  command
		code string
	}{
		{"retry unknown", command{Type: cmdRetry, ID: "nope"}, "VALIDATION"},
		{"discard unknown", command{Type: cmdDiscard, ID: "nope"}, "VALIDATION"},
		{"op missing", command{Type: cmdOp}, "VALIDATION"},
		{"bad op type", command{Type: cmdOp, Op: &event.Operation{Type: "shout", ChannelID: "c"}}, "VALIDATION"},
		{"unknown command", command{Type: "dance"}, "VALIDATION"},
		{"join without channel", command{Type: cmdJoin}, "VALIDATION"},
		{"join while offline", command{Type: cmdJoin, ChannelID: "general"}, "TRANSIENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, ws.WriteJSON(tt.cmd))
			reply := readUntil(t, ws, "error")
			body, ok := reply["error"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.code, body["code"])
		})
	}
	// A join attempted while offline is still remembered for the next connect.
	assert.Contains(t, a.joined(), "general")
}

func TestUIVisibilityTriggersReconnectCheck(t *testing.T) {
	a, conn := newTestAgent(t)
	ws, _ := dialUI(t, a)

	require.NoError(t, ws.WriteJSON(command{Type: cmdVisibility}))
	readUntil(t, ws, "ok")
	assert.Equal(t, []lifecycle.Trigger{lifecycle.TriggerVisible}, conn.seen())
}

func TestUIJoinUsesLiveSession(t *testing.T) {
	a, conn := newTestAgent(t)
	sess := newFakeSession()
	conn.session = sess
	ws, _ := dialUI(t, a)

	require.NoError(t, ws.WriteJSON(command{Type: cmdJoin, ChannelID: "random"}))
	readUntil(t, ws, "joined")
	assert.Equal(t, []joinCall{{"random", 0}}, sess.calls())
}

func TestUIRetryAndDiscardFailedOp(t *testing.T) {
	a, _ := newTestAgent(t)
	ws, _ := dialUI(t, a)

	for _, text := range []string{"one", "two"} {
		rec, err := a.queue.Enqueue(event.Operation{
			ID:        text,
			Type:      event.OpSendMessage,
			ChannelID: "general",
			Payload:   event.RawPayload(event.MessageBody{Text: text}),
		})
		require.NoError(t, err)
		_, err = a.queue.MarkSending(rec.ID)
		require.NoError(t, err)
		_, err = a.queue.MarkFailed(rec.ID, "VALIDATION", "rejected")
		require.NoError(t, err)
	}

	require.NoError(t, ws.WriteJSON(command{Type: cmdRetry, ID: "one"}))
	queued := readUntil(t, ws, "queued")
	rec := queued["record"].(map[string]any)
	assert.Equal(t, "pending", rec["status"])

	require.NoError(t, ws.WriteJSON(command{Type: cmdDiscard, ID: "two"}))
	readUntil(t, ws, "ok")
	_, ok := a.queue.Get("two")
	assert.False(t, ok)
	assert.Empty(t, a.queue.Failed())
}

func TestRejoinResumesFromLastCursor(t *testing.T) {
	a, _ := newTestAgent(t, "general", " ", "ops")
	a.onEvent(event.Frame{Type: event.FrameEvent, Channel: "general", Cursor: 7})
	a.onEvent(event.Frame{Type: event.FrameEvent, Channel: "general", Cursor: 4})
	a.onEvent(event.Frame{Type: event.FrameEvent, Channel: "ops", Cursor: 2})

	sess := newFakeSession()
	require.NoError(t, a.rejoin(context.Background(), sess))
	assert.Equal(t, []joinCall{{"general", 7}, {"ops", 2}}, sess.calls())
}

func TestOnEventPublishesNotice(t *testing.T) {
	a, _ := newTestAgent(t)
	ch, release := a.notices.Subscribe(4)
	defer release()

	a.onEvent(event.Frame{Type: event.FrameEvent, Event: event.MessageNew, Channel: "general", Cursor: 1})
	select {
	case n := <-ch:
		assert.Equal(t, notify.EventReceived, n.Type)
		f, ok := n.Data.(event.Frame)
		require.True(t, ok)
		assert.Equal(t, "general", f.Channel)
	case <-time.After(time.Second):
		t.Fatal("no notice")
	}
}

func TestQueueEndpoint(t *testing.T) {
	a, _ := newTestAgent(t)
	_, err := a.queue.Enqueue(event.Operation{
		ID:        "op1",
		Type:      event.OpSendMessage,
		ChannelID: "general",
		Payload:   event.RawPayload(event.MessageBody{Text: "x"}),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.router("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []queue.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "op1", got[0].ID)
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://gw:8080/ws", want: "http://gw:8080/up"},
		{in: "wss://chat.example.com/ws?x=1", want: "https://chat.example.com/up"},
		{in: "http://10.0.0.2:9000", want: "http://10.0.0.2:9000/up"},
		{in: "ftp://gw/ws", wantErr: true},
	}
	for _, tt := range tests {
		got, err := healthURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestProbeEmitsTransitions(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probe(ctx, srv.Client(), func() string { return target }, 10*time.Millisecond, conn, logx.Nop())
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Healthy from the start: nothing to report.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, conn.seen())

	up.Store(false)
	require.Eventually(t, func() bool { return len(conn.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lifecycle.TriggerOffline, conn.seen()[0])

	up.Store(true)
	require.Eventually(t, func() bool { return len(conn.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, lifecycle.TriggerOnline, conn.seen()[1])
}

func TestLocatorPrefersFixedURL(t *testing.T) {
	loc := &gatewayLocator{fixed: "ws://gw/ws", log: logx.Nop()}
	u, err := loc.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://gw/ws", u)
	loc.Forget()
	assert.Equal(t, "ws://gw/ws", loc.Current())
}
