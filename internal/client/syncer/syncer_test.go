package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/client/queue"
	"chatsync/internal/event"
	"chatsync/internal/notify"
	"chatsync/internal/storage"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// storeTransport applies operations straight to a storage.MemoryStore, the
// way the gateway would.
type storeTransport struct {
	store  *storage.MemoryStore
	author string

	mu sync.Mutex
	// sent records every attempt, in order.
	sent []string
	// loseAck applies the op but drops the ack this many times.
	loseAck map[string]int
	// reject answers with a canned ack without applying.
	reject map[string]event.Ack
	// down fails every send without applying.
	down bool
}

func newStoreTransport(store *storage.MemoryStore, author string) *storeTransport {
	return &storeTransport{store: store, author: author, loseAck: map[string]int{}, reject: map[string]event.Ack{}}
}

func (t *storeTransport) Send(ctx context.Context, op event.Operation) (event.Ack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, op.ID)
	if t.down {
		return event.Ack{}, errors.New("connection lost")
	}
	if ack, ok := t.reject[op.ID]; ok {
		ack.ID = op.ID
		return ack, nil
	}
	committed, err := t.store.Write(ctx, op, t.author)
	if err != nil {
		return event.Ack{ID: op.ID, Status: event.AckReject, Code: string(syncerr.CodeOf(err)), Reason: err.Error()}, nil
	}
	if t.loseAck[op.ID] > 0 {
		t.loseAck[op.ID]--
		return event.Ack{}, errors.New("connection lost before ack")
	}
	return committed.Ack, nil
}

func (t *storeTransport) attempts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

type fixture struct {
	q       *queue.Queue
	store   *storage.MemoryStore
	notices *notify.Bus
	c       *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	q, err := queue.Open(queue.NewMemoryBackend(), logx.Nop())
	require.NoError(t, err)
	store := storage.NewMemoryStore(logx.Nop())
	notices := notify.New()
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	c := New(q, notices, logx.Nop(), opts)
	t.Cleanup(func() {
		c.Stop()
		_ = q.Close()
		_ = store.Close()
	})
	return &fixture{q: q, store: store, notices: notices, c: c}
}

func (f *fixture) enqueue(t *testing.T, ops ...event.Operation) {
	t.Helper()
	for _, op := range ops {
		_, err := f.q.Enqueue(op)
		require.NoError(t, err)
	}
}

func (f *fixture) transcript(t *testing.T, channel string) []string {
	t.Helper()
	msgs, err := f.store.Messages(context.Background(), channel)
	require.NoError(t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func drain(t *testing.T, c *Coordinator, tr Transport) {
	t.Helper()
	for i := 0; i < 100; i++ {
		outcome, err := c.FlushOnce(context.Background(), tr)
		require.NoError(t, err)
		if outcome == Idle {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func waitNotice(t *testing.T, ch <-chan notify.Notice, typ string) notify.Notice {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-ch:
			if n.Type == typ {
				return n
			}
		case <-deadline:
			t.Fatalf("no %s notice", typ)
		}
	}
}

func sendOp(id, channel, text string, at int64) event.Operation {
	return event.Operation{
		ID: id, Type: event.OpSendMessage, ChannelID: channel,
		Payload: event.RawPayload(event.MessageBody{Text: text}), CreatedAt: at,
	}
}

func editOp(id, channel, target, text string, at int64) event.Operation {
	return event.Operation{
		ID: id, Type: event.OpEditMessage, ChannelID: channel,
		Payload: event.RawPayload(event.MessageBody{MessageID: target, Text: text}), CreatedAt: at,
	}
}

func TestFlushScenarioAndDuplicateAck(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000), sendOp("op2", "C1", "world", 1001))
	tr := newStoreTransport(f.store, "alice")

	drain(t, f.c, tr)
	assert.Equal(t, []string{"hello", "world"}, f.transcript(t, "C1"))
	assert.Zero(t, f.q.Len())

	f.c.Acknowledge("op1")
	assert.Equal(t, []string{"hello", "world"}, f.transcript(t, "C1"))
	assert.Zero(t, f.q.Len())
	assert.Equal(t, 2, f.c.Session().Flushed)
}

func TestFlushOrdersByCreatedAt(t *testing.T) {
	f := newFixture(t, Options{})
	at := []int64{1005, 1001, 1009, 1003, 1001, 1000}
	for i, ts := range at {
		f.enqueue(t, sendOp(fmt.Sprintf("op%d", i), "C1", fmt.Sprintf("m%d", ts), ts))
	}
	tr := newStoreTransport(f.store, "alice")
	drain(t, f.c, tr)

	assert.Equal(t, []string{"op5", "op1", "op4", "op3", "op0", "op2"}, tr.attempts())
	assert.Equal(t, []string{"m1000", "m1001", "m1001", "m1003", "m1005", "m1009"}, f.transcript(t, "C1"))
}

func TestReplayAfterLostAckHasOneEffect(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	tr := newStoreTransport(f.store, "alice")
	tr.loseAck["op1"] = 1

	outcome, err := f.c.FlushOnce(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, outcome)
	rec, ok := f.q.Get("op1")
	require.True(t, ok)
	assert.Equal(t, queue.StatusPending, rec.Status)

	drain(t, f.c, tr)
	assert.Equal(t, []string{"op1", "op1"}, tr.attempts())
	assert.Equal(t, []string{"hello"}, f.transcript(t, "C1"))
	recs, err := f.store.Read(context.Background(), "C1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRetryCeilingParksOperation(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3})
	notices, cancel := f.notices.Subscribe(64)
	defer cancel()
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	tr := newStoreTransport(f.store, "alice")
	tr.down = true

	for i := 0; i < 3; i++ {
		outcome, err := f.c.FlushOnce(context.Background(), tr)
		require.NoError(t, err)
		assert.Equal(t, Disconnected, outcome)
	}
	failed := f.q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "op1", failed[0].ID)
	assert.Equal(t, string(syncerr.CodeTransient), failed[0].Code)

	n := waitNotice(t, notices, notify.OpFailed)
	assert.Equal(t, "op1", n.Data.(notify.Failure).ID)

	outcome, err := f.c.FlushOnce(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, Idle, outcome, "failed ops are not retried automatically")
	assert.Equal(t, 1, f.q.Len(), "failed ops stay visible")
}

func TestTransientRejectRetries(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	tr := newStoreTransport(f.store, "alice")
	tr.reject["op1"] = event.Ack{Status: event.AckReject, Code: string(syncerr.CodeTransient), Reason: "busy"}

	outcome, err := f.c.FlushOnce(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, Retry, outcome)
	rec, _ := f.q.Get("op1")
	assert.Equal(t, queue.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	tr.mu.Lock()
	delete(tr.reject, "op1")
	tr.mu.Unlock()
	drain(t, f.c, tr)
	assert.Equal(t, []string{"hello"}, f.transcript(t, "C1"))
}

func TestValidationRejectFailsAndContinues(t *testing.T) {
	f := newFixture(t, Options{})
	notices, cancel := f.notices.Subscribe(64)
	defer cancel()
	f.enqueue(t,
		editOp("e1", "C1", "missing", "nope", 999),
		sendOp("op1", "C1", "hello", 1000),
	)
	tr := newStoreTransport(f.store, "alice")
	drain(t, f.c, tr)

	failed := f.q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "e1", failed[0].ID)
	assert.Equal(t, string(syncerr.CodeValidation), failed[0].Code)
	assert.NotEmpty(t, failed[0].Reason)
	assert.Equal(t, []string{"hello"}, f.transcript(t, "C1"))
	waitNotice(t, notices, notify.OpFailed)
}

func TestAuthRejectHaltsAndPreservesQueue(t *testing.T) {
	f := newFixture(t, Options{})
	notices, cancel := f.notices.Subscribe(64)
	defer cancel()
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000), sendOp("op2", "C1", "world", 1001))
	tr := newStoreTransport(f.store, "alice")
	tr.reject["op1"] = event.Ack{Status: event.AckReject, Code: string(syncerr.CodeAuth), Reason: "session expired"}

	outcome, err := f.c.FlushOnce(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, Halted, outcome)
	waitNotice(t, notices, notify.AuthRequired)

	outcome, err = f.c.FlushOnce(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, Halted, outcome)

	assert.Equal(t, 2, f.q.Len())
	rec, _ := f.q.Get("op1")
	assert.Equal(t, queue.StatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Empty(t, f.transcript(t, "C1"))
	assert.True(t, f.c.Session().Halted)
}

func TestConnectionTriggersCoalescePerGeneration(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000), sendOp("op2", "C1", "world", 1001))
	tr := newStoreTransport(f.store, "alice")
	ctx := context.Background()

	// Online, visibility and reconnect firing together for one generation.
	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.c.OnConnectionEstablished(ctx, 1, tr)
		}()
	}
	wg.Wait()
	close(results)
	started := 0
	for ok := range results {
		if ok {
			started++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 2, f.c.Session().Coalesced)

	require.Eventually(t, func() bool { return f.q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"op1", "op2"}, tr.attempts())
	assert.False(t, f.c.OnConnectionEstablished(ctx, 0, tr), "stale generation")
}

func TestCycleWakesOnEnqueue(t *testing.T) {
	f := newFixture(t, Options{})
	tr := newStoreTransport(f.store, "alice")
	require.True(t, f.c.OnConnectionEstablished(context.Background(), 1, tr))

	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	f.c.Wake()
	require.Eventually(t, func() bool { return f.q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.c.Session().Active)

	f.c.Stop()
	assert.False(t, f.c.Session().Active)
}

func TestNewGenerationReplacesCycleAndClearsHalt(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	tr := newStoreTransport(f.store, "alice")
	tr.reject["op1"] = event.Ack{Status: event.AckReject, Code: string(syncerr.CodeAuth)}

	require.True(t, f.c.OnConnectionEstablished(context.Background(), 1, tr))
	require.Eventually(t, func() bool { return f.c.Session().Halted }, 2*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	delete(tr.reject, "op1")
	tr.mu.Unlock()
	require.True(t, f.c.OnConnectionEstablished(context.Background(), 2, tr))
	require.Eventually(t, func() bool { return f.q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(2), f.c.Session().Generation)
}

func TestLastWriterWinsAcrossDevices(t *testing.T) {
	store := storage.NewMemoryStore(logx.Nop())
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	_, err := store.Write(ctx, sendOp("m1", "C1", "orig", 1000), "alice")
	require.NoError(t, err)

	device := func(op event.Operation) {
		q, err := queue.Open(queue.NewMemoryBackend(), logx.Nop())
		require.NoError(t, err)
		_, err = q.Enqueue(op)
		require.NoError(t, err)
		c := New(q, nil, logx.Nop(), Options{})
		drain(t, c, newStoreTransport(store, "alice"))
	}
	// The later edit arrives first; the earlier one must not overwrite it.
	device(editOp("e2", "C1", "m1", "bar", 5002))
	device(editOp("e1", "C1", "m1", "foo", 5000))

	msgs, err := store.Messages(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bar", msgs[0].Text)
}

// gatedTransport holds every Send until release is closed.
type gatedTransport struct {
	entered chan string
	release chan struct{}
}

func (g *gatedTransport) Send(ctx context.Context, op event.Operation) (event.Ack, error) {
	g.entered <- op.ID
	select {
	case <-g.release:
		return event.Ack{ID: op.ID, Status: event.AckOK}, nil
	case <-ctx.Done():
		return event.Ack{}, ctx.Err()
	}
}

func TestSessionReportsInFlightAndLastAcknowledged(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	tr := &gatedTransport{entered: make(chan string, 1), release: make(chan struct{})}

	result := make(chan Outcome, 1)
	go func() {
		outcome, err := f.c.FlushOnce(context.Background(), tr)
		assert.NoError(t, err)
		result <- outcome
	}()

	require.Equal(t, "op1", <-tr.entered)
	s := f.c.Session()
	assert.Equal(t, "op1", s.InFlightID)
	assert.Empty(t, s.LastAcknowledgedID)

	close(tr.release)
	assert.Equal(t, Acknowledged, <-result)
	s = f.c.Session()
	assert.Empty(t, s.InFlightID)
	assert.Equal(t, "op1", s.LastAcknowledgedID)
}

func TestConflictCountsAsLastAcknowledged(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	tr := newStoreTransport(f.store, "alice")
	tr.reject["op1"] = event.Ack{Status: event.AckReject, Code: string(syncerr.CodeConflict)}

	outcome, err := f.c.FlushOnce(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, Acknowledged, outcome)
	assert.Equal(t, "op1", f.c.Session().LastAcknowledgedID)
	assert.Empty(t, f.c.Session().InFlightID)
}

func TestNewGenerationResetsProgress(t *testing.T) {
	f := newFixture(t, Options{})
	f.enqueue(t, sendOp("op1", "C1", "hello", 1000))
	drain(t, f.c, newStoreTransport(f.store, "alice"))
	require.Equal(t, "op1", f.c.Session().LastAcknowledgedID)

	require.True(t, f.c.OnConnectionEstablished(context.Background(), 1, newStoreTransport(f.store, "alice")))
	s := f.c.Session()
	assert.Equal(t, uint64(1), s.Generation)
	assert.Empty(t, s.LastAcknowledgedID)
	assert.Empty(t, s.InFlightID)
}
