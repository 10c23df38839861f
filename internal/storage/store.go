// Package storage persists applied operations, the message state they
// produce and the per-channel event log used for resync.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/event"
	"chatsync/pkg/logx"
)

var errStoreClosed = errors.New("storage is closed")

const (
	defaultReadLimit = 200
	maxReadLimit     = 1000
)

// Store is the storage collaborator consumed by the gateway.
type Store interface {
	// Write applies op on behalf of author. Replaying an already applied id
	// returns the first result with Duplicate set and no new events.
	Write(ctx context.Context, op event.Operation, author string) (Committed, error)
	// Read returns logged events for channelID with a cursor greater than
	// cursor, oldest first.
	Read(ctx context.Context, channelID string, cursor int64, limit int) ([]event.Record, error)
	// Messages returns the visible transcript of channelID.
	Messages(ctx context.Context, channelID string) ([]Message, error)
	Close() error
}

// Committed is the outcome of one Write.
type Committed struct {
	Ack       event.Ack
	MessageID string
	// Events are appended to the channel log and fan out to the room.
	Events []event.Record
	// Private events go to the author's own devices only and are not logged.
	Private []event.Record
}

// Message is the current state of one chat message.
type Message struct {
	ID        string              `json:"id"`
	ChannelID string              `json:"channelId"`
	Author    string              `json:"author"`
	Text      string              `json:"text"`
	CreatedAt int64               `json:"createdAt"`
	EditedAt  int64               `json:"editedAt,omitempty"`
	EditOpID  string              `json:"-"`
	Deleted   bool                `json:"-"`
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// Config selects and configures the storage backend.
type Config struct {
	Driver      string `env:"CHATSYNC_STORE_DRIVER" envDefault:"sqlite" yaml:"driver"`
	Path        string `env:"CHATSYNC_STORE_PATH" envDefault:"data/chatsync.db" yaml:"path"`
	DatabaseURL string `env:"DATABASE_URL" yaml:"database_url"`
}

// Open opens the configured backend.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return NewMemoryStore(log), nil
	case "", "sqlite":
		return OpenSQLite(cfg.Path, log)
	case "postgres", "pgx":
		return OpenPostgres(ctx, cfg.DatabaseURL, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultReadLimit
	}
	if limit > maxReadLimit {
		return maxReadLimit
	}
	return limit
}
