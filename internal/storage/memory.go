package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/event"
	"chatsync/pkg/logx"
)

// MemoryStore keeps everything in process memory. Used by tests and by
// single-process deployments that accept losing history on restart.
type MemoryStore struct {
	log logx.Logger

	mu        sync.Mutex
	ops       map[string]Committed
	messages  map[string]Message
	reactions map[string]map[string]map[string]struct{} // message -> emoji -> users
	reads     map[string]string                         // user\x00channel -> message
	events    []event.Record
	closed    bool
}

func NewMemoryStore(log logx.Logger) *MemoryStore {
	return &MemoryStore{
		log:       log,
		ops:       map[string]Committed{},
		messages:  map[string]Message{},
		reactions: map[string]map[string]map[string]struct{}{},
		reads:     map[string]string{},
	}
}

func (s *MemoryStore) Write(ctx context.Context, op event.Operation, author string) (Committed, error) {
	if err := ctx.Err(); err != nil {
		return Committed{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Committed{}, errStoreClosed
	}
	return apply(ctx, memoryLedger{s}, s.log, op, author, time.Now().UTC())
}

func (s *MemoryStore) Read(ctx context.Context, channelID string, cursor int64, limit int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Cursors are 1-based positions in s.events.
	var out []event.Record
	for i := int(max(cursor, 0)); i < len(s.events) && len(out) < limit; i++ {
		if s.events[i].ChannelID == channelID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Messages(ctx context.Context, channelID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.ChannelID != channelID || m.Deleted {
			continue
		}
		m.Reactions = s.reactionsOf(m.ID)
		out = append(out, m)
	}
	sortTranscript(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) reactionsOf(messageID string) map[string][]string {
	byEmoji := s.reactions[messageID]
	if len(byEmoji) == 0 {
		return nil
	}
	out := make(map[string][]string, len(byEmoji))
	for emoji, users := range byEmoji {
		list := make([]string, 0, len(users))
		for u := range users {
			list = append(list, u)
		}
		sort.Strings(list)
		out[emoji] = list
	}
	return out
}

func sortTranscript(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return event.Before(msgs[i].CreatedAt, msgs[i].ID, msgs[j].CreatedAt, msgs[j].ID)
	})
}

// memoryLedger runs under MemoryStore.mu. apply validates before its first
// write, so no rollback is needed.
type memoryLedger struct{ s *MemoryStore }

func (l memoryLedger) applied(_ context.Context, opID string) (Committed, bool, error) {
	c, ok := l.s.ops[opID]
	return c, ok, nil
}

func (l memoryLedger) markApplied(_ context.Context, op event.Operation, c Committed, _ time.Time) error {
	l.s.ops[op.ID] = Committed{Ack: c.Ack, MessageID: c.MessageID}
	return nil
}

func (l memoryLedger) message(_ context.Context, id string) (Message, bool, error) {
	m, ok := l.s.messages[id]
	return m, ok, nil
}

func (l memoryLedger) saveMessage(_ context.Context, m Message) error {
	m.Reactions = nil
	l.s.messages[m.ID] = m
	return nil
}

func (l memoryLedger) setReaction(_ context.Context, messageID, emoji, userID string, on bool) (bool, error) {
	byEmoji := l.s.reactions[messageID]
	if byEmoji == nil {
		byEmoji = map[string]map[string]struct{}{}
		l.s.reactions[messageID] = byEmoji
	}
	users := byEmoji[emoji]
	_, had := users[userID]
	switch {
	case on && !had:
		if users == nil {
			users = map[string]struct{}{}
			byEmoji[emoji] = users
		}
		users[userID] = struct{}{}
		return true, nil
	case !on && had:
		delete(users, userID)
		if len(users) == 0 {
			delete(byEmoji, emoji)
		}
		return true, nil
	}
	return false, nil
}

func (l memoryLedger) setReadMarker(_ context.Context, userID, channelID, messageID string, _ time.Time) error {
	l.s.reads[userID+"\x00"+channelID] = messageID
	return nil
}

func (l memoryLedger) appendEvent(_ context.Context, rec event.Record) (int64, error) {
	rec.Cursor = int64(len(l.s.events) + 1)
	l.s.events = append(l.s.events, rec)
	return rec.Cursor, nil
}
