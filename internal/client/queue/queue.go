// Package queue is the client's durable Offline Send Queue.
//
// Operations are kept in (createdAt, id) order per channel. Only the sync
// coordinator moves records between states; UI code only enqueues, retries
// and discards.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSending      Status = "sending"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
	// StatusCollapsed is reported for an operation that cancelled a pending
	// one and was never stored.
	StatusCollapsed Status = "collapsed"
)

var (
	ErrNotFound     = errors.New("queue: operation not found")
	ErrInvalidState = errors.New("queue: invalid state transition")
)

// Record is one queued operation as persisted.
type Record struct {
	event.Operation
	Status   Status `json:"status"`
	Attempts int    `json:"attempts"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Seq is the enqueue sequence, used to restore a stable order on load.
	Seq uint64 `json:"seq"`
}

// Backend persists records keyed by id.
type Backend interface {
	Load() ([]Record, error)
	Put(rec Record) error
	Delete(id string) error
	Close() error
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	backend Backend
	log     logx.Logger
	records map[string]*Record
	seq     uint64
	now     func() time.Time
}

// Open loads the backend's records. Records left in sending by a crash are
// returned to pending: the server deduplicates by id, so resending is safe.
func Open(backend Backend, log logx.Logger) (*Queue, error) {
	recs, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	q := &Queue{
		backend: backend,
		log:     log.With(logx.String("component", "queue")),
		records: make(map[string]*Record, len(recs)),
		now:     time.Now,
	}
	for i := range recs {
		rec := recs[i]
		if rec.Status == StatusSending {
			rec.Status = StatusPending
			if err := backend.Put(rec); err != nil {
				return nil, fmt.Errorf("reset %s: %w", rec.ID, err)
			}
		}
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
		q.records[rec.ID] = &rec
	}
	if len(recs) > 0 {
		q.log.Info("queue restored", logx.Int("records", len(recs)))
	}
	return q, nil
}

// Close closes the backend.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Close()
}

// Enqueue validates op, assigns an id and timestamp when missing and stores
// it as pending.
//
// A delete or edit aimed at a message whose send is still pending collapses
// into that send: a delete removes the send and everything queued against
// the message (the returned record has StatusCollapsed), an edit rewrites
// the send's text in place and the send's record is returned.
func (q *Queue) Enqueue(op event.Operation) (Record, error) {
	if !op.Type.Valid() {
		return Record{}, syncerr.Validation(fmt.Sprintf("unknown operation type %q", op.Type))
	}
	if strings.TrimSpace(op.ChannelID) == "" {
		return Record{}, syncerr.Validation("channelId is required")
	}
	if op.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, fmt.Errorf("generate id: %w", err)
		}
		op.ID = id.String()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = q.now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.records[op.ID]; exists {
		return Record{}, syncerr.Validation("operation id already queued").ForOp(op.ID)
	}

	switch op.Type {
	case event.OpDeleteMessage:
		if rec, ok, err := q.collapseDelete(op); ok || err != nil {
			return rec, err
		}
	case event.OpEditMessage:
		if rec, ok, err := q.collapseEdit(op); ok || err != nil {
			return rec, err
		}
	}

	q.seq++
	rec := &Record{Operation: op, Status: StatusPending, Seq: q.seq}
	if err := q.backend.Put(*rec); err != nil {
		q.seq--
		return Record{}, fmt.Errorf("persist %s: %w", op.ID, err)
	}
	q.records[op.ID] = rec
	return *rec, nil
}

// pendingSend returns the still-pending send that created messageID in
// channelID. A follow-up naming another channel is never folded in.
func (q *Queue) pendingSend(channelID, messageID string) *Record {
	rec, ok := q.records[messageID]
	if !ok || rec.Type != event.OpSendMessage || rec.Status != StatusPending || rec.ChannelID != channelID {
		return nil
	}
	return rec
}

func (q *Queue) collapseDelete(op event.Operation) (Record, bool, error) {
	target, err := op.Target()
	if err != nil {
		return Record{}, false, syncerr.Validation(err.Error()).ForOp(op.ID)
	}
	if q.pendingSend(op.ChannelID, target) == nil {
		return Record{}, false, nil
	}
	var doomed []string
	for id, rec := range q.records {
		if rec.Status != StatusPending && rec.Status != StatusFailed {
			continue
		}
		if t, err := rec.Target(); err == nil && t == target {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		if err := q.backend.Delete(id); err != nil {
			return Record{}, false, fmt.Errorf("drop %s: %w", id, err)
		}
		delete(q.records, id)
	}
	q.log.Debug("delete collapsed pending send",
		logx.String("message_id", target), logx.Int("dropped", len(doomed)))
	return Record{Operation: op, Status: StatusCollapsed}, true, nil
}

func (q *Queue) collapseEdit(op event.Operation) (Record, bool, error) {
	target, err := op.Target()
	if err != nil {
		return Record{}, false, syncerr.Validation(err.Error()).ForOp(op.ID)
	}
	send := q.pendingSend(op.ChannelID, target)
	if send == nil {
		return Record{}, false, nil
	}
	var body event.MessageBody
	if err := json.Unmarshal(op.Payload, &body); err != nil {
		return Record{}, false, syncerr.Validation("decode edit payload: " + err.Error()).ForOp(op.ID)
	}
	updated := *send
	updated.Payload = event.RawPayload(event.MessageBody{Text: body.Text})
	if err := q.backend.Put(updated); err != nil {
		return Record{}, false, fmt.Errorf("persist %s: %w", updated.ID, err)
	}
	*send = updated
	q.log.Debug("edit folded into pending send", logx.String("message_id", target))
	return updated, true, nil
}

// PeekNext returns the oldest pending operation for channelID.
func (q *Queue) PeekNext(channelID string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next(func(r *Record) bool { return r.ChannelID == channelID })
}

// Next returns the oldest pending operation of any channel.
func (q *Queue) Next() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next(func(*Record) bool { return true })
}

func (q *Queue) next(match func(*Record) bool) (Record, bool) {
	var best *Record
	for _, rec := range q.records {
		if rec.Status != StatusPending || !match(rec) {
			continue
		}
		if best == nil || event.Less(rec.Operation, best.Operation) {
			best = rec
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// MarkSending moves a pending operation to sending.
func (q *Queue) MarkSending(id string) (Record, error) {
	return q.transition(id, func(r *Record) error {
		if r.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, r.Status)
		}
		r.Status = StatusSending
		r.Attempts++
		return nil
	})
}

// MarkAcknowledged removes the operation. Unknown ids are ignored, so a
// duplicate acknowledgement is harmless. It reports whether a record was
// removed.
func (q *Queue) MarkAcknowledged(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.records[id]; !ok {
		return false, nil
	}
	if err := q.backend.Delete(id); err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	delete(q.records, id)
	return true, nil
}

// MarkFailed parks the operation until the user retries or discards it.
func (q *Queue) MarkFailed(id string, code syncerr.Code, reason string) (Record, error) {
	return q.transition(id, func(r *Record) error {
		r.Status = StatusFailed
		r.Code = string(code)
		r.Reason = reason
		return nil
	})
}

// ReturnPending puts an unacknowledged operation back at its place in line.
// When countAttempt is false the attempt taken by MarkSending is refunded.
func (q *Queue) ReturnPending(id string, countAttempt bool) (Record, error) {
	return q.transition(id, func(r *Record) error {
		if r.Status != StatusSending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, r.Status)
		}
		r.Status = StatusPending
		if !countAttempt && r.Attempts > 0 {
			r.Attempts--
		}
		return nil
	})
}

// Retry re-queues a failed operation with a fresh attempt budget.
func (q *Queue) Retry(id string) (Record, error) {
	return q.transition(id, func(r *Record) error {
		if r.Status != StatusFailed {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, r.Status)
		}
		r.Status = StatusPending
		r.Attempts = 0
		r.Code = ""
		r.Reason = ""
		return nil
	})
}

// Discard drops a failed or pending operation.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status == StatusSending {
		return fmt.Errorf("%w: %s is in flight", ErrInvalidState, id)
	}
	if err := q.backend.Delete(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	delete(q.records, id)
	return nil
}

func (q *Queue) transition(id string, fn func(*Record) error) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	updated := *rec
	if err := fn(&updated); err != nil {
		return Record{}, err
	}
	if err := q.backend.Put(updated); err != nil {
		return Record{}, fmt.Errorf("persist %s: %w", id, err)
	}
	*rec = updated
	return updated, nil
}

// Get returns the record for id.
func (q *Queue) Get(id string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Failed lists operations waiting for the user, oldest first.
func (q *Queue) Failed() []Record {
	return q.filter(func(r *Record) bool { return r.Status == StatusFailed })
}

// Snapshot lists every record, oldest first.
func (q *Queue) Snapshot() []Record {
	return q.filter(func(*Record) bool { return true })
}

func (q *Queue) filter(match func(*Record) bool) []Record {
	q.mu.Lock()
	out := make([]Record, 0, len(q.records))
	for _, rec := range q.records {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return event.Less(out[i].Operation, out[j].Operation) })
	return out
}

// Len counts operations not yet acknowledged, failed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Pending counts operations that will still be sent.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rec := range q.records {
		if rec.Status == StatusPending || rec.Status == StatusSending {
			n++
		}
	}
	return n
}
