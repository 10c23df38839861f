package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/client/lifecycle"
	"chatsync/internal/client/queue"
	"chatsync/internal/event"
	"chatsync/internal/notify"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// UI command types.
const (
	cmdOp         = "op"
	cmdVisibility = "visibility"
	cmdJoin       = "join"
	cmdRetry      = "retry"
	cmdDiscard    = "discard"
)

// command is one frame from a UI socket.
type command struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	ChannelID string           `json:"channelId,omitempty"`
	Op        *event.Operation `json:"op,omitempty"`
}

// reply answers a single UI command on the socket that sent it.
type reply struct {
	Type   string           `json:"type"`
	Record *queue.Record    `json:"record,omitempty"`
	Error  *event.WireError `json:"error,omitempty"`
}

// uiClient is one connected browser tab.
type uiClient struct {
	conn *websocket.Conn
	send chan []byte
}

type addressed struct {
	to  *uiClient
	msg []byte
}

// Hub tracks UI sockets and broadcasts notices to them. Only run touches a
// client's send channel.
type Hub struct {
	clients    map[*uiClient]bool
	broadcast  chan []byte
	direct     chan addressed
	register   chan *uiClient
	unregister chan *uiClient
	log        logx.Logger
}

func newHub(log logx.Logger) *Hub {
	return &Hub{
		clients:    make(map[*uiClient]bool),
		broadcast:  make(chan []byte),
		direct:     make(chan addressed),
		register:   make(chan *uiClient),
		unregister: make(chan *uiClient),
		log:        log.With(logx.String("component", "ui_hub")),
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug("ui client registered", logx.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug("ui client unregistered", logx.Int("clients", len(h.clients)))
			}
		case m := <-h.direct:
			if h.clients[m.to] {
				h.deliver(m.to, m.msg)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *Hub) deliver(c *uiClient, msg []byte) {
	select {
	case c.send <- msg:
	default:
		// Slow tab: drop it, it resyncs on reconnect.
		close(c.send)
		delete(h.clients, c)
	}
}

// forward relays notices from ch to every UI socket until ctx ends.
func (h *Hub) forward(ctx context.Context, ch <-chan notify.Notice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(n)
			if err != nil {
				h.log.Warn("encode notice", logx.Err(err), logx.String("type", n.Type))
				continue
			}
			select {
			case h.broadcast <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI listener binds to loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (a *agent) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("ui upgrade failed", logx.Err(err))
		return
	}
	c := &uiClient{conn: conn, send: make(chan []byte, 256)}
	select {
	case a.hub.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(a)
}

func (c *uiClient) readPump(a *agent) {
	defer func() {
		select {
		case a.hub.unregister <- c:
		case <-a.ctx.Done():
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(64 << 10)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			a.reply(c, errorReply(syncerr.Validation("malformed command")))
			continue
		}
		a.reply(c, a.handle(a.ctx, cmd))
	}
}

func (a *agent) reply(c *uiClient, r reply) {
	b, err := json.Marshal(r)
	if err != nil {
		a.log.Warn("encode reply", logx.Err(err))
		return
	}
	select {
	case a.hub.direct <- addressed{to: c, msg: b}:
	case <-a.ctx.Done():
	}
}

func (c *uiClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// handle applies one UI command.
func (a *agent) handle(ctx context.Context, cmd command) reply {
	switch cmd.Type {
	case cmdOp:
		if cmd.Op == nil {
			return errorReply(syncerr.Validation("op is required"))
		}
		rec, err := a.queue.Enqueue(*cmd.Op)
		if err != nil {
			return errorReply(err)
		}
		a.queueChanged()
		a.sync.Wake()
		return reply{Type: "queued", Record: &rec}

	case cmdVisibility:
		a.conn.Trigger(lifecycle.TriggerVisible)
		return reply{Type: "ok"}

	case cmdJoin:
		if strings.TrimSpace(cmd.ChannelID) == "" {
			return errorReply(syncerr.Validation("channelId is required"))
		}
		a.remember(cmd.ChannelID)
		if err := a.join(ctx, cmd.ChannelID); err != nil {
			return errorReply(err)
		}
		return reply{Type: "joined"}

	case cmdRetry:
		rec, err := a.queue.Retry(cmd.ID)
		if err != nil {
			return errorReply(err)
		}
		a.queueChanged()
		a.sync.Wake()
		return reply{Type: "queued", Record: &rec}

	case cmdDiscard:
		if err := a.queue.Discard(cmd.ID); err != nil {
			return errorReply(err)
		}
		a.queueChanged()
		return reply{Type: "ok"}
	}
	return errorReply(syncerr.Validation("unknown command " + cmd.Type))
}

func (a *agent) queueChanged() {
	a.notices.Publish(notify.Notice{Type: notify.QueueChanged, Data: a.queue.Len()})
}

func errorReply(err error) reply {
	return reply{Type: "error", Error: wireError(err)}
}

func wireError(err error) *event.WireError {
	code := syncerr.CodeOf(err)
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrInvalidState):
		code = syncerr.CodeValidation
	case errors.Is(err, lifecycle.ErrNotConnected):
		code = syncerr.CodeTransient
	}
	return &event.WireError{Code: string(code), Message: err.Error()}
}
