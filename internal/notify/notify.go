// Package notify carries client-side notices (connection state, queue
// changes, failed operations, incoming events) to UI subscribers.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Notice types.
const (
	ConnectionState = "connection.state"
	QueueChanged    = "queue.changed"
	OpAcknowledged  = "op.acknowledged"
	OpFailed        = "op.failed"
	AuthRequired    = "auth.required"
	EventReceived   = "event.received"
)

// Notice is one signal to the UI. Data is small and JSON-serializable.
type Notice struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Failure is the Data of an OpFailed notice: enough for the UI to offer
// retry or discard.
type Failure struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Bus fans notices out to subscribers.
//
// Publish never blocks: each subscriber has a buffered channel and a full
// one drops the notice. Subscribers are read-only observers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Notice
	seq  atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: map[uint64]chan Notice{}}
}

func (b *Bus) Publish(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	// Holding the read lock keeps Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a notice channel and the func that releases it.
func (b *Bus) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notice, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
