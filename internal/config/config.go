// Package config loads process configuration: environment variables (with
// defaults) first, then an optional YAML file on top. Command-line flags are
// applied last by each binary.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"chatsync/internal/fanout"
	"chatsync/internal/gateway"
	"chatsync/internal/storage"
	"chatsync/pkg/logx"
)

// Gateway configures cmd/gateway.
type Gateway struct {
	Addr       string `env:"CHATSYNC_ADDR" envDefault:":8080" yaml:"addr"`
	InstanceID string `env:"CHATSYNC_INSTANCE_ID" yaml:"instance_id"`
	// Tokens are static sessions, token=user@workspace.
	Tokens []string `env:"CHATSYNC_TOKENS" envSeparator:"," yaml:"tokens"`
	// MDNS advertises the gateway on the local network.
	MDNS       bool `env:"CHATSYNC_MDNS" envDefault:"false" yaml:"mdns"`
	OutboxSize int  `env:"CHATSYNC_OUTBOX_SIZE" envDefault:"256" yaml:"outbox_size"`

	Log    logx.Config          `yaml:"log"`
	Bus    fanout.Config        `yaml:"bus"`
	Store  storage.Config       `yaml:"store"`
	Server gateway.ServerConfig `yaml:"server"`
}

// Agent configures cmd/agent.
type Agent struct {
	// Addr is the local UI listener.
	Addr string `env:"CHATSYNC_AGENT_ADDR" envDefault:"127.0.0.1:7070" yaml:"addr"`
	// GatewayURL is the gateway websocket URL. Empty means discover over mDNS.
	GatewayURL string `env:"CHATSYNC_GATEWAY_URL" yaml:"gateway_url"`
	Token      string `env:"CHATSYNC_TOKEN" yaml:"token"`
	// QueuePath is the bbolt file; empty keeps the queue in memory.
	QueuePath string `env:"CHATSYNC_QUEUE_PATH" envDefault:"data/queue.db" yaml:"queue_path"`
	// Channels are joined on every connect.
	Channels      []string      `env:"CHATSYNC_CHANNELS" envSeparator:"," yaml:"channels"`
	UIDir         string        `env:"CHATSYNC_UI_DIR" yaml:"ui_dir"`
	ProbeInterval time.Duration `env:"CHATSYNC_PROBE_INTERVAL" envDefault:"5s" yaml:"probe_interval"`
	MaxAttempts   int           `env:"CHATSYNC_MAX_ATTEMPTS" envDefault:"5" yaml:"max_attempts"`
	SendTimeout   time.Duration `env:"CHATSYNC_SEND_TIMEOUT" envDefault:"10s" yaml:"send_timeout"`
	DiscoverWait  time.Duration `env:"CHATSYNC_DISCOVER_WAIT" envDefault:"5s" yaml:"discover_wait"`

	Log logx.Config `yaml:"log"`
}

// Scheduler configures cmd/scheduler.
type Scheduler struct {
	RulesPath string `env:"CHATSYNC_RULES" envDefault:"reminders.yaml" yaml:"rules"`

	Log logx.Config   `yaml:"log"`
	Bus fanout.Config `yaml:"bus"`
}

// Load parses environment variables into cfg and overlays the YAML file at
// path when path is set.
func Load(path string, cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LogLevel extracts log.level from a config file, for hot reloads.
func LogLevel(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		Log logx.Config `yaml:"log"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.Log.Level, nil
}

const debounceDelay = 200 * time.Millisecond

// Watch calls onChange after path is written, created or replaced, until
// ctx ends. Bursts of events are debounced into one call. The directory is
// watched so editors that rename over the file are seen.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() == nil {
				onChange()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
		}
	}
}

// WatchLogLevel re-applies log.level from path whenever the file changes.
func WatchLogLevel(ctx context.Context, path string, log logx.Logger) error {
	return Watch(ctx, path, log, func() {
		level, err := LogLevel(path)
		if err != nil {
			log.Warn("config reload failed", logx.Err(err))
			return
		}
		if level == "" {
			return
		}
		log.SetLevel(level)
		log.Info("log level reloaded", logx.String("level", level))
	})
}
