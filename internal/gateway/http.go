package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatsync/internal/auth"
	"chatsync/internal/event"
	"chatsync/internal/storage"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// ServerConfig tunes the HTTP and websocket surface.
type ServerConfig struct {
	MaxFrameBytes   int64         `env:"CHATSYNC_WS_MAX_FRAME_BYTES" envDefault:"65536" yaml:"max_frame_bytes"`
	FramesPerSecond float64       `env:"CHATSYNC_WS_FRAMES_PER_SECOND" envDefault:"20" yaml:"frames_per_second"`
	FrameBurst      int           `env:"CHATSYNC_WS_FRAME_BURST" envDefault:"40" yaml:"frame_burst"`
	PongWait        time.Duration `env:"CHATSYNC_WS_PONG_WAIT" envDefault:"60s" yaml:"pong_wait"`
	WriteWait       time.Duration `env:"CHATSYNC_WS_WRITE_WAIT" envDefault:"10s" yaml:"write_wait"`
	MaxDecodeErrors int           `env:"CHATSYNC_WS_MAX_DECODE_ERRORS" envDefault:"3" yaml:"max_decode_errors"`
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 40
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = 3
	}
	return c
}

// PingInterval is the keepalive period derived from PongWait.
func (c ServerConfig) PingInterval() time.Duration {
	return c.withDefaults().PongWait * 9 / 10
}

// Server exposes a Gateway over HTTP.
type Server struct {
	gw       *Gateway
	sessions auth.Sessions
	store    storage.Store
	log      logx.Logger
	cfg      ServerConfig
	upgrader websocket.Upgrader
}

func NewServer(gw *Gateway, sessions auth.Sessions, store storage.Store, log logx.Logger, cfg ServerConfig) *Server {
	return &Server{
		gw:       gw,
		sessions: sessions,
		store:    store,
		log:      log,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/up", s.handleUp).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspace}/channels/{channel}/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspace}/channels/{channel}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/workspaces/{workspace}/publish", s.handlePublish).Methods(http.MethodPost)
	return r
}

func (s *Server) handleUp(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.Identity{}, syncerr.Auth("missing token", nil)
	}
	return s.sessions.GetSession(r.Context(), token)
}

// authorizeWorkspace authenticates r and checks it may act in the
// {workspace} path variable.
func (s *Server) authorizeWorkspace(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	if mux.Vars(r)["workspace"] != id.WorkspaceID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return auth.Identity{}, false
	}
	return id, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeWorkspace(w, r)
	if !ok {
		return
	}
	channelID := mux.Vars(r)["channel"]
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := s.store.Read(r.Context(), storageChannel(id.WorkspaceID, channelID), cursor, limit)
	if err != nil {
		s.log.Error("read events failed", logx.String("channel", channelID), logx.Err(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	out := make([]event.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, clientRecord(rec, channelID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeWorkspace(w, r)
	if !ok {
		return
	}
	channelID := mux.Vars(r)["channel"]
	msgs, err := s.store.Messages(r.Context(), storageChannel(id.WorkspaceID, channelID))
	if err != nil {
		s.log.Error("read messages failed", logx.String("channel", channelID), logx.Err(err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	for i := range msgs {
		msgs[i].ChannelID = channelID
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// publishRequest is the body of POST /workspaces/{workspace}/publish.
type publishRequest struct {
	Target    publishTarget   `json:"target"`
	Event     event.Name      `json:"event"`
	ChannelID string          `json:"channelId"`
	Payload   json.RawMessage `json:"payload"`
}

type publishTarget struct {
	Kind event.SelectorKind `json:"kind"`
	ID   string             `json:"id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorizeWorkspace(w, r)
	if !ok {
		return
	}
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxFrameBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		http.Error(w, "event is required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	env := event.Envelope{
		Target: event.Selector{Kind: req.Target.Kind, Workspace: id.WorkspaceID, ID: req.Target.ID},
		Event:  req.Event,
		Data: event.Payload{
			ChannelID:       req.ChannelID,
			Payload:         req.Payload,
			ServerTimestamp: now,
		},
		PublishedAt: now,
	}
	if err := s.gw.Publish(r.Context(), env); err != nil {
		switch syncerr.CodeOf(err) {
		case syncerr.CodeValidation:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.log.Info("websocket unauthorized", logx.String("remote", r.RemoteAddr), logx.Err(err))
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}

	sink := &wsSink{conn: ws, writeWait: s.cfg.WriteWait}
	c, err := s.gw.AcceptConnection(r.Context(), id, sink)
	if err != nil {
		s.log.Warn("connection refused", logx.String("user_id", id.UserID), logx.Err(err))
		_ = sink.WriteFrame(errorFrame("", err))
		_ = ws.Close()
		return
	}
	s.readLoop(ws, c)
}

// readLoop owns the socket's read side; the connection's writer goroutine
// owns the write side.
func (s *Server) readLoop(ws *websocket.Conn, c *Conn) {
	defer s.gw.OnDisconnect(c)

	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FramesPerSecond), s.cfg.FrameBurst)
	decodeErrors := 0
	ctx := c.Context()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", logx.Err(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		// Over budget the reader stalls; TCP pushes back on the client.
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		var f event.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			decodeErrors++
			c.Send(errorFrame("", syncerr.Validation("invalid frame")))
			if decodeErrors >= s.cfg.MaxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0

		switch f.Type {
		case event.FrameJoin:
			if err := s.gw.JoinChannel(ctx, c, f.Channel, f.Cursor); err != nil {
				c.Send(errorFrame(f.RequestID, err))
			}
		case event.FrameLeave:
			s.gw.LeaveChannel(ctx, c, f.Channel)
		case event.FrameOp:
			if f.Op == nil {
				c.Send(errorFrame(f.RequestID, syncerr.Validation("op frame without op")))
				continue
			}
			ack := s.gw.HandleOperation(ctx, c, *f.Op)
			c.Send(event.Frame{Type: event.FrameAck, RequestID: f.RequestID, Ack: &ack})
		case event.FramePing:
			c.Send(event.Frame{Type: event.FramePong, RequestID: f.RequestID})
		default:
			c.Send(errorFrame(f.RequestID, syncerr.Validation("unsupported frame type "+strings.TrimSpace(f.Type))))
		}
	}
}

func errorFrame(requestID string, err error) event.Frame {
	code := syncerr.CodeOf(err)
	if errors.Is(err, ErrClosed) {
		code = syncerr.CodeTransient
	}
	return event.Frame{
		Type:      event.FrameError,
		RequestID: requestID,
		Error:     &event.WireError{Code: string(code), Message: err.Error()},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wsSink writes frames to a gorilla websocket connection.
type wsSink struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (s *wsSink) WriteFrame(f event.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteJSON(f)
}

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

func (s *wsSink) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
