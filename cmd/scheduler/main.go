// Command scheduler publishes reminder rules from a YAML file onto the
// fanout bus. The rule file is reloaded when it changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"chatsync/internal/config"
	"chatsync/internal/fanout"
	"chatsync/internal/reminder"
	"chatsync/pkg/logx"
)

func main() {
	var (
		cfgPath string
		rules   string
	)
	flag.StringVar(&cfgPath, "config", "", "path to YAML config (optional)")
	flag.StringVar(&rules, "rules", "", "reminder rule file, overrides config")
	flag.Parse()

	var cfg config.Scheduler
	if err := config.Load(cfgPath, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if rules != "" {
		cfg.RulesPath = rules
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logx.New(cfg.Log)
	if err := run(ctx, cfg, log); err != nil {
		log.Error("scheduler stopped", logx.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Scheduler, log logx.Logger) error {
	f, err := reminder.LoadFile(cfg.RulesPath)
	if err != nil {
		return err
	}

	bus, err := fanout.Open(ctx, cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("open fanout bus: %w", err)
	}
	defer bus.Close()

	s := reminder.New(bus, log)
	if err := s.Load(f); err != nil {
		return err
	}
	s.Start()
	defer s.Stop()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("scheduler running", logx.String("rules", cfg.RulesPath))

	// A broken edit keeps the previous rules running.
	err = config.Watch(ctx, cfg.RulesPath, log, func() {
		f, err := reminder.LoadFile(cfg.RulesPath)
		if err != nil {
			log.Warn("rules reload rejected", logx.Err(err))
			return
		}
		if err := s.Load(f); err != nil {
			log.Warn("rules reload failed", logx.Err(err))
		}
	})
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("scheduler stopping", logx.Uint64("fired", s.Fired()))
	return err
}
