// Command gateway terminates client websockets and relays events between
// them through the fanout bus. Any number of gateways may share one bus and
// one store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/discovery"
	"chatsync/internal/fanout"
	"chatsync/internal/gateway"
	"chatsync/internal/storage"
	"chatsync/pkg/logx"
)

func main() {
	var (
		cfgPath string
		addr    string
		busDrv  string
	)
	flag.StringVar(&cfgPath, "config", "", "path to YAML config (optional)")
	flag.StringVar(&addr, "addr", "", "listen address, overrides config")
	flag.StringVar(&busDrv, "bus", "", "fanout driver (redis, memory, zmq), overrides config")
	flag.Parse()

	var cfg config.Gateway
	if err := config.Load(cfgPath, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if busDrv != "" {
		cfg.Bus.Driver = busDrv
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
		log.Error("gateway stopped", logx.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Gateway, log logx.Logger) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	log = log.With(logx.String("instance", cfg.InstanceID))

	sessions, err := auth.ParseStatic(cfg.Tokens)
	if err != nil {
		return err
	}
	if sessions.Len() == 0 {
		log.Warn("no tokens configured, every connection will be refused")
	}

	cfg.Bus.Origin = cfg.InstanceID
	bus, err := fanout.Open(ctx, cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("open fanout bus: %w", err)
	}
	defer bus.Close()
	log.Info("fanout bus ready", logx.String("driver", cfg.Bus.Driver))

	store, err := storage.Open(ctx, cfg.Store, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info("store ready", logx.String("driver", cfg.Store.Driver))

	gw := gateway.New(bus, store, log, gateway.Options{
		InstanceID:   cfg.InstanceID,
		OutboxSize:   cfg.OutboxSize,
		PingInterval: cfg.Server.PingInterval(),
	})
	defer gw.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gateway.NewServer(gw, sessions, store, log, cfg.Server).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	if cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise("chatsync-"+shortID(cfg.InstanceID), port, "/ws", log)
		if err != nil {
			log.Warn("mdns advertise failed", logx.Err(err))
		} else {
			defer adv.Shutdown()
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info("gateway listening", logx.String("addr", ln.Addr().String()))
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		log.Debug("systemd notified")
	}

	go reportStats(ctx, gw, log)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websockets are not tracked by Shutdown; gw.Close drops them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logx.Err(err))
	}
	log.Info("gateway stopped")
	return nil
}

func reportStats(ctx context.Context, gw *gateway.Gateway, log logx.Logger) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			conns, workspaces := gw.Stats()
			log.Info("gateway stats", logx.Int("connections", conns), logx.Int("workspaces", workspaces))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
