// Package gateway terminates client connections, tracks their channel
// subscriptions and routes fanout envelopes to the sockets this process owns.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/auth"
	"chatsync/internal/event"
	"chatsync/internal/fanout"
	"chatsync/internal/storage"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

const (
	defaultOutboxSize = 256
	replayPageSize    = 500
)

// ErrClosed is returned once the gateway has shut down.
var ErrClosed = errors.New("gateway is closed")

// Options tunes a Gateway.
type Options struct {
	// InstanceID names this process in logs and envelope origins.
	InstanceID string
	// OutboxSize bounds each connection's pending frames. A connection whose
	// outbox is full is dropped as a slow consumer.
	OutboxSize int
	// PingInterval enables keepalive pings on sinks that support them.
	PingInterval time.Duration
}

// Gateway is the transport-agnostic core. Every process holds one; processes
// share nothing but the bus and the store.
type Gateway struct {
	bus   fanout.Bus
	store storage.Store
	log   logx.Logger
	opts  Options

	mu    sync.RWMutex
	conns map[string]*Conn
	// rooms and users index live connections by selector key.
	rooms  map[string]map[*Conn]struct{}
	users  map[string]map[*Conn]struct{}
	closed bool

	// subMu serializes bus subscribe/unsubscribe so a workspace is never
	// subscribed twice.
	subMu      sync.Mutex
	workspaces map[string]*workspaceSub
}

type workspaceSub struct {
	refs int
	sub  fanout.Subscription
}

// Subscription is a connection's membership in one channel.
type Subscription struct {
	ConnectionID string
	ChannelID    string
	JoinedAt     time.Time
}

func New(bus fanout.Bus, store storage.Store, log logx.Logger, opts Options) *Gateway {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	return &Gateway{
		bus:        bus,
		store:      store,
		log:        log.With(logx.String("gateway", opts.InstanceID)),
		opts:       opts,
		conns:      map[string]*Conn{},
		rooms:      map[string]map[*Conn]struct{}{},
		users:      map[string]map[*Conn]struct{}{},
		workspaces: map[string]*workspaceSub{},
	}
}

// InstanceID identifies this gateway process.
func (g *Gateway) InstanceID() string { return g.opts.InstanceID }

// AcceptConnection registers a live connection for identity. Frames for the
// client are written to sink by a dedicated goroutine.
func (g *Gateway) AcceptConnection(ctx context.Context, id auth.Identity, sink Sink) (*Conn, error) {
	if err := event.User(id.WorkspaceID, id.UserID).Validate(); err != nil {
		return nil, syncerr.Auth("invalid identity", err)
	}
	if err := g.retainWorkspace(ctx, id.WorkspaceID); err != nil {
		return nil, err
	}

	c := newConn(g, id, sink)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.releaseWorkspace(id.WorkspaceID)
		return nil, ErrClosed
	}
	g.conns[c.id] = c
	addIndex(g.users, event.User(id.WorkspaceID, id.UserID).Key(), c)
	g.mu.Unlock()

	go c.writeLoop(g.opts.PingInterval)
	g.log.Info("connection accepted",
		logx.String("conn_id", c.id), logx.String("user_id", id.UserID), logx.String("workspace", id.WorkspaceID))
	return c, nil
}

// JoinChannel subscribes c to channelID. With a positive cursor, logged
// events after it are replayed before live delivery starts, and live events
// already covered by the replay are skipped.
func (g *Gateway) JoinChannel(ctx context.Context, c *Conn, channelID string, cursor int64) error {
	room := event.Room(c.identity.WorkspaceID, channelID)
	if err := room.Validate(); err != nil {
		return syncerr.Validation(err.Error())
	}

	c.mu.Lock()
	c.replaying[channelID] = nil
	c.mu.Unlock()

	g.mu.Lock()
	if c.gone() {
		g.mu.Unlock()
		c.endReplay(channelID, 0)
		return ErrClosed
	}
	if _, ok := c.subs[channelID]; ok {
		g.mu.Unlock()
		c.endReplay(channelID, 0)
		c.send(event.Frame{Type: event.FrameJoined, Channel: channelID})
		return nil
	}
	c.subs[channelID] = Subscription{ConnectionID: c.id, ChannelID: channelID, JoinedAt: time.Now().UTC()}
	addIndex(g.rooms, room.Key(), c)
	g.mu.Unlock()

	c.send(event.Frame{Type: event.FrameJoined, Channel: channelID, Cursor: cursor})

	var last int64
	if cursor > 0 {
		var err error
		last, err = g.replay(ctx, c, channelID, cursor)
		if err != nil {
			g.log.Warn("replay failed", logx.String("conn_id", c.id), logx.String("channel", channelID), logx.Err(err))
		}
	}
	c.endReplay(channelID, last)

	g.publishPresence(ctx, room, c.identity.UserID, event.PresenceOnline)
	return nil
}

func (g *Gateway) replay(ctx context.Context, c *Conn, channelID string, cursor int64) (int64, error) {
	scoped := storageChannel(c.identity.WorkspaceID, channelID)
	last := cursor
	for {
		recs, err := g.store.Read(ctx, scoped, last, replayPageSize)
		if err != nil {
			return last, err
		}
		for _, rec := range recs {
			c.send(event.RecordFrame(clientRecord(rec, channelID)))
			last = rec.Cursor
		}
		if len(recs) < replayPageSize {
			return last, nil
		}
	}
}

// LeaveChannel removes c's subscription to channelID. Leaving a channel that
// was never joined is a no-op.
func (g *Gateway) LeaveChannel(ctx context.Context, c *Conn, channelID string) {
	room := event.Room(c.identity.WorkspaceID, channelID)
	g.mu.Lock()
	_, ok := c.subs[channelID]
	if ok {
		delete(c.subs, channelID)
		removeIndex(g.rooms, room.Key(), c)
	}
	g.mu.Unlock()
	if ok {
		g.publishPresence(ctx, room, c.identity.UserID, event.PresenceOffline)
	}
}

// OnDisconnect drops every subscription of c and releases its resources. Safe
// to call more than once.
func (g *Gateway) OnDisconnect(c *Conn) {
	c.disconnectOnce.Do(func() {
		g.mu.Lock()
		rooms := make([]event.Selector, 0, len(c.subs))
		for channelID := range c.subs {
			room := event.Room(c.identity.WorkspaceID, channelID)
			removeIndex(g.rooms, room.Key(), c)
			rooms = append(rooms, room)
		}
		c.subs = map[string]Subscription{}
		delete(g.conns, c.id)
		removeIndex(g.users, event.User(c.identity.WorkspaceID, c.identity.UserID).Key(), c)
		g.mu.Unlock()

		c.shutdown()
		g.releaseWorkspace(c.identity.WorkspaceID)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, room := range rooms {
			g.publishPresence(ctx, room, c.identity.UserID, event.PresenceOffline)
		}
		g.log.Info("connection closed", logx.String("conn_id", c.id), logx.Int("channels", len(rooms)))
	})
}

// HandleOperation applies op for c and fans out the resulting events. The
// returned ack is what the client sees; operations from one connection are
// handled one at a time.
func (g *Gateway) HandleOperation(ctx context.Context, c *Conn, op event.Operation) event.Ack {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ws := c.identity.WorkspaceID
	channelID := op.ChannelID
	if channelID != "" {
		if err := event.Room(ws, channelID).Validate(); err != nil {
			return rejectAck(op.ID, syncerr.Validation(err.Error()))
		}
	}
	scoped := op
	if channelID != "" {
		scoped.ChannelID = storageChannel(ws, channelID)
	}

	committed, err := g.store.Write(ctx, scoped, c.identity.UserID)
	if err != nil {
		ack := rejectAck(op.ID, err)
		g.log.Warn("operation rejected",
			logx.String("conn_id", c.id), logx.String("op_id", op.ID),
			logx.String("code", ack.Code), logx.Err(err))
		return ack
	}
	if committed.Ack.Duplicate {
		g.log.Debug("duplicate operation", logx.String("op_id", op.ID))
		return committed.Ack
	}

	for _, rec := range committed.Events {
		g.publishRecord(ctx, event.Room(ws, channelID), clientRecord(rec, channelID))
	}
	for _, rec := range committed.Private {
		g.publishRecord(ctx, event.User(ws, c.identity.UserID), clientRecord(rec, channelID))
	}
	return committed.Ack
}

// Publish sends a server-originated event. Broker failures are returned to
// the caller and never retried.
func (g *Gateway) Publish(ctx context.Context, env event.Envelope) error {
	if err := env.Target.Validate(); err != nil {
		return syncerr.Validation(err.Error())
	}
	if env.Origin == "" {
		env.Origin = g.opts.InstanceID
	}
	if err := g.bus.Publish(ctx, env); err != nil {
		g.log.Warn("publish dropped",
			logx.String("target", env.Target.Key()), logx.String("event", string(env.Event)), logx.Err(err))
		return err
	}
	return nil
}

func (g *Gateway) publishRecord(ctx context.Context, target event.Selector, rec event.Record) {
	env := event.Envelope{
		Target:      target,
		Event:       rec.Event,
		Data:        rec.Data,
		PublishedAt: time.Now().UTC(),
		Cursor:      rec.Cursor,
	}
	// Persisted already; clients recover a dropped event on their next resync.
	_ = g.Publish(ctx, env)
}

func (g *Gateway) publishPresence(ctx context.Context, room event.Selector, userID, status string) {
	env, err := event.NewEnvelope(room, event.PresenceUpdate, room.ID, event.PresenceEvent{UserID: userID, Status: status})
	if err != nil {
		return
	}
	_ = g.Publish(ctx, env)
}

// deliver runs on the bus receive goroutine. It only enqueues, so one slow
// connection cannot stall delivery to the others.
func (g *Gateway) deliver(env event.Envelope) {
	key := env.Target.Key()
	g.mu.RLock()
	var targets []*Conn
	switch env.Target.Kind {
	case event.KindRoom:
		targets = collect(g.rooms[key])
	case event.KindUser:
		targets = collect(g.users[key])
	case event.KindConn:
		if c, ok := g.conns[env.Target.ID]; ok && c.identity.WorkspaceID == env.Target.Workspace {
			targets = []*Conn{c}
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		c.deliver(env)
	}
}

func (g *Gateway) retainWorkspace(ctx context.Context, ws string) error {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	if w, ok := g.workspaces[ws]; ok {
		w.refs++
		return nil
	}
	sub, err := g.bus.Subscribe(ctx, event.WorkspacePattern(ws), g.deliver)
	if err != nil {
		return fmt.Errorf("subscribe workspace %s: %w", ws, err)
	}
	g.workspaces[ws] = &workspaceSub{refs: 1, sub: sub}
	g.log.Debug("workspace subscribed", logx.String("workspace", ws))
	return nil
}

func (g *Gateway) releaseWorkspace(ws string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	w, ok := g.workspaces[ws]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	delete(g.workspaces, ws)
	if err := w.sub.Unsubscribe(); err != nil {
		g.log.Warn("workspace unsubscribe failed", logx.String("workspace", ws), logx.Err(err))
	}
	g.log.Debug("workspace unsubscribed", logx.String("workspace", ws))
}

// Subscriptions returns the channel subscriptions of c.
func (g *Gateway) Subscriptions(c *Conn) []Subscription {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Stats reports local connection and workspace subscription counts.
func (g *Gateway) Stats() (connections, workspaces int) {
	g.mu.RLock()
	connections = len(g.conns)
	g.mu.RUnlock()
	g.subMu.Lock()
	workspaces = len(g.workspaces)
	g.subMu.Unlock()
	return connections, workspaces
}

// Close disconnects every connection. The bus and store stay open; they
// belong to the caller.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		g.OnDisconnect(c)
	}
}

func rejectAck(id string, err error) event.Ack {
	code := syncerr.CodeOf(err)
	if code == syncerr.CodeUnknown {
		code = syncerr.CodeTransient
	}
	return event.Ack{ID: id, Status: event.AckReject, Code: string(code), Reason: err.Error()}
}

// storageChannel scopes a channel id to its workspace for the store.
func storageChannel(ws, channelID string) string {
	return event.Room(ws, channelID).Key()
}

// clientRecord rewrites a stored record to the client's channel id.
func clientRecord(rec event.Record, channelID string) event.Record {
	rec.ChannelID = channelID
	rec.Data.ChannelID = channelID
	return rec
}

func addIndex(idx map[string]map[*Conn]struct{}, key string, c *Conn) {
	set := idx[key]
	if set == nil {
		set = map[*Conn]struct{}{}
		idx[key] = set
	}
	set[c] = struct{}{}
}

func removeIndex(idx map[string]map[*Conn]struct{}, key string, c *Conn) {
	set := idx[key]
	delete(set, c)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func collect(set map[*Conn]struct{}) []*Conn {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
