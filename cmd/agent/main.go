// Command agent is the local client daemon. It keeps the durable send
// queue, holds the gateway connection and serves a websocket for UI tabs on
// the loopback interface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"chatsync/internal/client/lifecycle"
	"chatsync/internal/client/queue"
	"chatsync/internal/client/syncer"
	"chatsync/internal/client/wsclient"
	"chatsync/internal/config"
	"chatsync/internal/discovery"
	"chatsync/internal/event"
	"chatsync/internal/notify"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

func main() {
	var (
		cfgPath string
		gateway string
	)
	flag.StringVar(&cfgPath, "config", "", "path to YAML config (optional)")
	flag.StringVar(&gateway, "gateway", "", "gateway websocket URL, overrides config")
	flag.Parse()

	var cfg config.Agent
	if err := config.Load(cfgPath, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if gateway != "" {
		cfg.GatewayURL = gateway
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.New(cfg.Log)
	if cfgPath != "" {
		go func() {
			if err := config.WatchLogLevel(ctx, cfgPath, log); err != nil {
				log.Warn("config watch stopped", logx.Err(err))
			}
		}()
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("agent stopped", logx.Err(err))
		os.Exit(1)
	}
}

// connection is the part of the lifecycle manager the UI drives.
type connection interface {
	Trigger(t lifecycle.Trigger)
	Session() lifecycle.Session
}

// joiner is implemented by sessions that can subscribe to channels.
type joiner interface {
	Join(ctx context.Context, channelID string, cursor int64) error
}

// agent ties the UI hub to the queue and the gateway connection.
type agent struct {
	ctx     context.Context
	log     logx.Logger
	queue   *queue.Queue
	sync    *syncer.Coordinator
	conn    connection
	notices *notify.Bus
	hub     *Hub

	joinTimeout time.Duration

	mu       sync.Mutex
	channels map[string]bool
	// cursors hold the last event cursor seen per channel, sent on rejoin.
	cursors map[string]int64
}

func newAgent(ctx context.Context, q *queue.Queue, coord *syncer.Coordinator, notices *notify.Bus, channels []string, log logx.Logger) *agent {
	a := &agent{
		ctx:         ctx,
		log:         log,
		queue:       q,
		sync:        coord,
		notices:     notices,
		hub:         newHub(log),
		joinTimeout: 10 * time.Second,
		channels:    map[string]bool{},
		cursors:     map[string]int64{},
	}
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			a.channels[ch] = true
		}
	}
	return a
}

func (a *agent) remember(channelID string) {
	a.mu.Lock()
	a.channels[channelID] = true
	a.mu.Unlock()
}

func (a *agent) joined() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.channels))
	for ch := range a.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (a *agent) cursor(channelID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursors[channelID]
}

// onEvent runs on the gateway reader goroutine.
func (a *agent) onEvent(f event.Frame) {
	if f.Channel != "" && f.Cursor > 0 {
		a.mu.Lock()
		if f.Cursor > a.cursors[f.Channel] {
			a.cursors[f.Channel] = f.Cursor
		}
		a.mu.Unlock()
	}
	a.notices.Publish(notify.Notice{Type: notify.EventReceived, Data: f})
}

func (a *agent) join(ctx context.Context, channelID string) error {
	sess := a.conn.Session()
	if sess == nil {
		return lifecycle.ErrNotConnected
	}
	return a.joinOn(ctx, sess, channelID)
}

func (a *agent) joinOn(ctx context.Context, sess lifecycle.Session, channelID string) error {
	j, ok := sess.(joiner)
	if !ok {
		return fmt.Errorf("session cannot join channels")
	}
	ctx, cancel := context.WithTimeout(ctx, a.joinTimeout)
	defer cancel()
	return j.Join(ctx, channelID, a.cursor(channelID))
}

// rejoin subscribes a fresh session to every known channel, resuming from
// the last cursor seen.
func (a *agent) rejoin(ctx context.Context, sess lifecycle.Session) error {
	for _, ch := range a.joined() {
		if err := a.joinOn(ctx, sess, ch); err != nil {
			return fmt.Errorf("rejoin %s: %w", ch, err)
		}
	}
	return nil
}

func (a *agent) handleQueue(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.queue.Snapshot())
}

func (a *agent) router(uiDir string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", a.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/queue", a.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet, http.MethodHead)
	if uiDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(uiDir)))
	}
	return r
}

// gatewayLocator returns the configured gateway URL or discovers one over
// mDNS, caching it until a dial fails.
type gatewayLocator struct {
	fixed string
	wait  time.Duration
	log   logx.Logger

	mu    sync.Mutex
	found string
}

func (g *gatewayLocator) URL(ctx context.Context) (string, error) {
	if g.fixed != "" {
		return g.fixed, nil
	}
	if u := g.Current(); u != "" {
		return u, nil
	}
	gw, err := discovery.First(ctx, g.wait, g.log)
	if err != nil {
		return "", syncerr.Transient("discover gateway", err)
	}
	g.log.Info("gateway discovered", logx.String("instance", gw.Instance), logx.String("url", gw.URL))
	g.mu.Lock()
	g.found = gw.URL
	g.mu.Unlock()
	return gw.URL, nil
}

// Current returns the known URL without discovering.
func (g *gatewayLocator) Current() string {
	if g.fixed != "" {
		return g.fixed
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.found
}

// Forget drops a discovered URL.
func (g *gatewayLocator) Forget() {
	g.mu.Lock()
	g.found = ""
	g.mu.Unlock()
}

// healthURL maps a gateway websocket URL to its /up endpoint.
func healthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/up"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type triggerer interface {
	Trigger(t lifecycle.Trigger)
}

// probe polls the gateway health endpoint and turns reachability changes
// into online and offline triggers.
func probe(ctx context.Context, client *http.Client, target func() string, every time.Duration, t triggerer, log logx.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		wsURL := target()
		if wsURL == "" {
			continue
		}
		up, err := healthURL(wsURL)
		if err != nil {
			log.Warn("probe url", logx.Err(err))
			continue
		}
		ok := reachable(ctx, client, up)
		if ok == online {
			continue
		}
		online = ok
		if ok {
			log.Info("gateway reachable")
			t.Trigger(lifecycle.TriggerOnline)
		} else {
			log.Warn("gateway unreachable")
			t.Trigger(lifecycle.TriggerOffline)
		}
	}
}

func reachable(ctx context.Context, client *http.Client, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func openQueue(path string, log logx.Logger) (*queue.Queue, error) {
	var backend queue.Backend
	if strings.TrimSpace(path) == "" {
		log.Warn("queue path empty, queued operations will not survive a restart")
		backend = queue.NewMemoryBackend()
	} else {
		b, err := queue.OpenBolt(path)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	q, err := queue.Open(backend, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return q, nil
}

func run(ctx context.Context, cfg config.Agent, log logx.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	q, err := openQueue(cfg.QueuePath, log)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()
	log.Info("queue ready", logx.Int("queued", q.Len()), logx.String("path", cfg.QueuePath))

	notices := notify.New()
	coord := syncer.New(q, notices, log, syncer.Options{
		MaxAttempts: cfg.MaxAttempts,
		SendTimeout: cfg.SendTimeout,
	})
	a := newAgent(ctx, q, coord, notices, cfg.Channels, log)

	loc := &gatewayLocator{fixed: cfg.GatewayURL, wait: cfg.DiscoverWait, log: log}
	mgr := lifecycle.New(lifecycle.Options{
		Dial: func(ctx context.Context) (lifecycle.Session, error) {
			u, err := loc.URL(ctx)
			if err != nil {
				return nil, err
			}
			s, err := wsclient.Dial(ctx, wsclient.Options{
				URL:        u,
				Token:      cfg.Token,
				OnEvent:    a.onEvent,
				OnStrayAck: func(ack event.Ack) { coord.Acknowledge(ack.ID) },
				Log:        log,
			})
			if err != nil {
				if !syncerr.IsCode(err, syncerr.CodeAuth) {
					loc.Forget()
				}
				return nil, err
			}
			return s, nil
		},
		Coordinator: coord,
		OnConnect:   a.rejoin,
		Notices:     notices,
		Log:         log,
	})
	a.conn = mgr

	go a.hub.run(ctx)
	feed, release := notices.Subscribe(256)
	defer release()
	go a.hub.forward(ctx, feed)
	go probe(ctx, &http.Client{Timeout: 3 * time.Second}, loc.Current, cfg.ProbeInterval, mgr, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.router(cfg.UIDir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("agent listening", logx.String("addr", cfg.Addr))

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- mgr.Run(ctx) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	stop()
	if err := <-mgrDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("connection manager", logx.Err(err))
	}
	if serveErr != nil {
		return serveErr
	}
	log.Info("agent stopped", logx.Int("queued", q.Len()))
	return nil
}
