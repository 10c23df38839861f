package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"w1:*", "w1:R1", true},
		{"w1:*", "w1:user:u1", true},
		{"w1:*", "w2:R1", false},
		{"w1:*", "w10:R1", false},
		{"w1:R?", "w1:R1", true},
		{"w1:R?", "w1:R12", false},
		{"*:user:*", "w1:user:u1", true},
		{"w1:R1", "w1:R1", true},
		{"w1:R1", "w1:R2", false},
		{"**", "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.key), "%s ~ %s", tt.pattern, tt.key)
	}
}

func TestLiteralPrefix(t *testing.T) {
	assert.Equal(t, "w1:", literalPrefix("w1:*"))
	assert.Equal(t, "w1:R1", literalPrefix("w1:R1"))
	assert.Equal(t, "", literalPrefix("*"))
}

type collector struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (c *collector) handle(env event.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) snapshot() []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Envelope(nil), c.envs...)
}

func mustEnvelope(t *testing.T, target event.Selector, text string) event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(target, event.MessageNew, target.ID, event.MessageBody{Text: text})
	require.NoError(t, err)
	return env
}

func TestMemoryBusDeliversToMatchingPatternsInOrder(t *testing.T) {
	bus := NewMemoryBus(logx.Nop())
	defer bus.Close()
	ctx := context.Background()

	var w1, w2 collector
	_, err := bus.Subscribe(ctx, event.WorkspacePattern("w1"), w1.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, event.WorkspacePattern("w2"), w2.handle)
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, mustEnvelope(t, event.Room("w1", "R1"), text)))
	}
	require.NoError(t, bus.Publish(ctx, mustEnvelope(t, event.User("w1", "u1"), "direct")))

	require.Eventually(t, func() bool { return len(w1.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	got := w1.snapshot()
	for i, want := range []string{"a", "b", "c", "direct"} {
		assert.Contains(t, string(got[i].Data.Payload), want)
	}
	assert.Equal(t, "memory", got[0].Origin)
	assert.False(t, got[0].PublishedAt.IsZero())
	assert.Empty(t, w2.snapshot())
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(logx.Nop())
	defer bus.Close()
	ctx := context.Background()

	var c collector
	sub, err := bus.Subscribe(ctx, "w1:*", c.handle)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, mustEnvelope(t, event.Room("w1", "R1"), "one")))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(ctx, mustEnvelope(t, event.Room("w1", "R1"), "two")))

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Contains(t, string(got[0].Data.Payload), "one")
}

func TestMemoryBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewMemoryBus(logx.Nop())
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	_, err := bus.Subscribe(ctx, "w1:*", func(event.Envelope) { <-release })
	require.NoError(t, err)

	env := mustEnvelope(t, event.Room("w1", "R1"), "x")
	for i := 0; i < memorySubscriberBuffer+10; i++ {
		require.NoError(t, bus.Publish(ctx, env))
	}
	assert.Positive(t, bus.Dropped())
	close(release)
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(logx.Nop())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), mustEnvelope(t, event.Room("w1", "R1"), "x"))
	require.Error(t, err)
	assert.True(t, syncerr.IsCode(err, syncerr.CodeBrokerUnavailable))

	_, err = bus.Subscribe(context.Background(), "w1:*", func(event.Envelope) {})
	assert.True(t, syncerr.IsCode(err, syncerr.CodeBrokerUnavailable))
}

func TestOpenSelectsDriver(t *testing.T) {
	bus, err := Open(context.Background(), Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	_, ok := bus.(*MemoryBus)
	assert.True(t, ok)
	require.NoError(t, bus.Close())

	_, err = Open(context.Background(), Config{Driver: "kafka"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "memory", Codec: "xml"}, logx.Nop())
	assert.Error(t, err)
}

func TestRedisBusUnreachableFailsFast(t *testing.T) {
	start := time.Now()
	_, err := Open(context.Background(), Config{
		Driver:         "redis",
		RedisAddr:      "127.0.0.1:1",
		PublishTimeout: 200 * time.Millisecond,
	}, logx.Nop())
	require.Error(t, err)
	assert.True(t, syncerr.IsCode(err, syncerr.CodeBrokerUnavailable))
	assert.Less(t, time.Since(start), 5*time.Second)
}
