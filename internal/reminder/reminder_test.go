package reminder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/event"
	"chatsync/internal/fanout"
	"chatsync/pkg/logx"
)

const rulesYAML = `
timezone: UTC
rules:
  - name: standup
    workspace: w1
    channel: general
    schedule: "0 9 * * 1-5"
    text: Standup in 5 minutes
  - name: heartbeat
    workspace: w1
    channel: ops
    schedule: "@every 1h"
    text: still here
`

func TestParseRules(t *testing.T) {
	f, err := Parse([]byte(rulesYAML))
	require.NoError(t, err)
	assert.Equal(t, "UTC", f.Timezone)
	require.Len(t, f.Rules, 2)
	assert.Equal(t, "standup", f.Rules[0].Name)
	assert.Equal(t, "general", f.Rules[0].Channel)
}

func TestParseRejectsBadRules(t *testing.T) {
	tests := map[string]string{
		"missing name":  "rules:\n  - {workspace: w1, channel: c, schedule: '@hourly'}",
		"bad schedule":  "rules:\n  - {name: a, workspace: w1, channel: c, schedule: 'whenever'}",
		"bad room":      "rules:\n  - {name: a, workspace: w1, channel: 'a:b', schedule: '@hourly'}",
		"no workspace":  "rules:\n  - {name: a, channel: c, schedule: '@hourly'}",
		"duplicate":     "rules:\n  - {name: a, workspace: w1, channel: c, schedule: '@hourly'}\n  - {name: a, workspace: w1, channel: d, schedule: '@daily'}",
		"bad timezone":  "timezone: Mars/Olympus\nrules: []",
		"not yaml list": "rules: 3",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func subscribe(t *testing.T, bus fanout.Bus) <-chan event.Envelope {
	t.Helper()
	got := make(chan event.Envelope, 8)
	sub, err := bus.Subscribe(context.Background(), event.WorkspacePattern("w1"), func(env event.Envelope) { got <- env })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return got
}

func TestFirePublishesToRoom(t *testing.T) {
	bus := fanout.NewMemoryBus(logx.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	got := subscribe(t, bus)

	s := New(bus, logx.Nop())
	rule := Rule{Name: "standup", Workspace: "w1", Channel: "general", Text: "now"}
	require.NoError(t, s.Fire(context.Background(), rule))

	select {
	case env := <-got:
		assert.Equal(t, event.Room("w1", "general"), env.Target)
		assert.Equal(t, event.ReminderFired, env.Event)
		assert.Equal(t, "general", env.Data.ChannelID)
		var body event.ReminderEvent
		require.NoError(t, json.Unmarshal(env.Data.Payload, &body))
		assert.Equal(t, "standup", body.Name)
		assert.Equal(t, "now", body.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("reminder not published")
	}
	assert.Equal(t, uint64(1), s.Fired())
}

func TestFireOnClosedBusFails(t *testing.T) {
	bus := fanout.NewMemoryBus(logx.Nop())
	require.NoError(t, bus.Close())
	s := New(bus, logx.Nop())
	err := s.Fire(context.Background(), Rule{Name: "x", Workspace: "w1", Channel: "c"})
	assert.Error(t, err)
	assert.Zero(t, s.Fired())
}

func TestScheduledRuleFires(t *testing.T) {
	bus := fanout.NewMemoryBus(logx.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	got := subscribe(t, bus)

	s := New(bus, logx.Nop())
	f, err := Parse([]byte("rules:\n  - {name: tick, workspace: w1, channel: c, schedule: '* * * * * *', text: tick}"))
	require.NoError(t, err)
	require.NoError(t, s.Load(f))
	next, ok := s.Next("tick")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), next, 2*time.Second)

	s.Start()
	t.Cleanup(s.Stop)
	select {
	case env := <-got:
		assert.Equal(t, event.ReminderFired, env.Event)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled reminder did not fire")
	}
}

func TestReloadReplacesRules(t *testing.T) {
	bus := fanout.NewMemoryBus(logx.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	s := New(bus, logx.Nop())

	f, err := Parse([]byte(rulesYAML))
	require.NoError(t, err)
	require.NoError(t, s.Load(f))
	s.Start()
	t.Cleanup(s.Stop)
	_, ok := s.Next("standup")
	assert.True(t, ok)

	require.NoError(t, s.Load(File{Rules: []Rule{{Name: "only", Workspace: "w1", Channel: "c", Schedule: "@daily"}}}))
	_, ok = s.Next("standup")
	assert.False(t, ok)
	next, ok := s.Next("only")
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))
}
