// Package reminder fires scheduled reminder:fired events into channels.
// It publishes straight to the fanout bus and holds no client connections.
package reminder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"

	"chatsync/internal/event"
	"chatsync/pkg/logx"
)

// Rule is one scheduled reminder.
type Rule struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
	Channel   string `yaml:"channel"`
	// Schedule is a cron spec (seconds optional) or a descriptor such as
	// "@every 1h".
	Schedule string `yaml:"schedule"`
	Text     string `yaml:"text"`
}

// File is the rule file layout.
type File struct {
	// Timezone is an IANA name; empty means local time.
	Timezone string `yaml:"timezone"`
	Rules    []Rule `yaml:"rules"`
}

// Publisher is the part of the fanout bus the scheduler needs.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// LoadFile reads and validates a rule file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates rule YAML.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("decode rules: %w", err)
	}
	parser := newParser()
	seen := map[string]bool{}
	for i, r := range f.Rules {
		if strings.TrimSpace(r.Name) == "" {
			return File{}, fmt.Errorf("rule %d: name is required", i)
		}
		if seen[r.Name] {
			return File{}, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if err := event.Room(r.Workspace, r.Channel).Validate(); err != nil {
			return File{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if _, err := parser.Parse(r.Schedule); err != nil {
			return File{}, fmt.Errorf("rule %q: schedule %q: %w", r.Name, r.Schedule, err)
		}
	}
	if f.Timezone != "" {
		if _, err := time.LoadLocation(f.Timezone); err != nil {
			return File{}, fmt.Errorf("timezone %q: %w", f.Timezone, err)
		}
	}
	return f, nil
}

// Scheduler owns a cron runner. Load may be called again to swap the rule
// set, e.g. when the file changes.
type Scheduler struct {
	pub    Publisher
	log    logx.Logger
	parser cron.Parser
	// timeout bounds each publish.
	timeout time.Duration

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	running bool

	fired atomic.Uint64
}

func New(pub Publisher, log logx.Logger) *Scheduler {
	return &Scheduler{
		pub:     pub,
		log:     log.With(logx.String("component", "reminder")),
		parser:  newParser(),
		timeout: 5 * time.Second,
		entries: map[string]cron.EntryID{},
	}
}

// Load replaces the active rules.
func (s *Scheduler) Load(f File) error {
	loc := time.Local
	if f.Timezone != "" {
		l, err := time.LoadLocation(f.Timezone)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", f.Timezone, err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	entries := make(map[string]cron.EntryID, len(f.Rules))
	for _, r := range f.Rules {
		rule := r
		id, err := c.AddFunc(rule.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.Fire(ctx, rule); err != nil {
				s.log.Warn("reminder not delivered", logx.String("rule", rule.Name), logx.Err(err))
			}
		})
		if err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		entries[rule.Name] = id
	}

	s.mu.Lock()
	old, wasRunning := s.c, s.running
	s.c, s.entries = c, entries
	if wasRunning {
		c.Start()
	}
	s.mu.Unlock()

	if old != nil && wasRunning {
		<-old.Stop().Done()
	}
	s.log.Info("reminder rules loaded", logx.Int("rules", len(entries)), logx.String("timezone", loc.String()))
	return nil
}

// Start begins firing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	if s.c != nil {
		s.c.Start()
	}
}

// Stop halts firing and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, running := s.c, s.running
	s.running = false
	s.mu.Unlock()
	if c != nil && running {
		<-c.Stop().Done()
	}
}

// Fire publishes rule's reminder now. A broker failure drops the reminder;
// it is not retried.
func (s *Scheduler) Fire(ctx context.Context, rule Rule) error {
	env, err := event.NewEnvelope(
		event.Room(rule.Workspace, rule.Channel),
		event.ReminderFired,
		rule.Channel,
		event.ReminderEvent{Name: rule.Name, Text: rule.Text},
	)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, env); err != nil {
		return err
	}
	s.fired.Add(1)
	s.log.Debug("reminder fired", logx.String("rule", rule.Name), logx.String("channel_id", rule.Channel))
	return nil
}

// Fired counts reminders published since start.
func (s *Scheduler) Fired() uint64 { return s.fired.Load() }

// Next reports when the named rule fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok || s.c == nil {
		return time.Time{}, false
	}
	e := s.c.Entry(id)
	if !e.Valid() {
		return time.Time{}, false
	}
	if e.Next.IsZero() {
		// Not started yet: compute from the schedule.
		return e.Schedule.Next(time.Now()), true
	}
	return e.Next, true
}
