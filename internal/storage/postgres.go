package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatsync/internal/event"
	"chatsync/internal/storage/migrations"
	"chatsync/pkg/logx"
)

// PostgresStore persists to PostgreSQL through a pgx pool. Several gateway
// processes can share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// OpenPostgres connects to url and applies the embedded migrations.
func OpenPostgres(ctx context.Context, url string, log logx.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migratePostgres(ctx, pool, migrations.Postgres, "postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("connected to postgres")
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) Write(ctx context.Context, op event.Operation, author string) (Committed, error) {
	var c Committed
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		c, err = apply(ctx, pgLedger{tx: tx}, s.log, op, author, time.Now().UTC())
		return err
	})
	if err != nil {
		return Committed{}, err
	}
	return c, nil
}

func (s *PostgresStore) Read(ctx context.Context, channelID string, cursor int64, limit int) ([]event.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, channel_id, event, payload, author, server_ts, committed_at
		 FROM events WHERE channel_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		channelID, cursor, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			rec         event.Record
			name        string
			payload     []byte
			serverTS    int64
			committedAt int64
		)
		if err := rows.Scan(&rec.Cursor, &rec.ChannelID, &name, &payload, &rec.Author, &serverTS, &committedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Event = event.Name(name)
		rec.Data = event.Payload{ChannelID: rec.ChannelID, Payload: payload, ServerTimestamp: fromMillis(serverTS)}
		rec.Committed = fromMillis(committedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Messages(ctx context.Context, channelID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, channel_id, author, body, created_at, edited_at, edit_op_id
		 FROM messages WHERE channel_id = $1 AND NOT deleted ORDER BY created_at, id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var out []Message
	index := map[string]int{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Author, &m.Text, &m.CreatedAt, &m.EditedAt, &m.EditOpID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rrows, err := s.pool.Query(ctx,
		`SELECT r.message_id, r.emoji, r.user_id FROM reactions r
		 JOIN messages m ON m.id = r.message_id
		 WHERE m.channel_id = $1 AND NOT m.deleted ORDER BY r.emoji, r.user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var messageID, emoji, userID string
		if err := rrows.Scan(&messageID, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		i, ok := index[messageID]
		if !ok {
			continue
		}
		if out[i].Reactions == nil {
			out[i].Reactions = map[string][]string{}
		}
		out[i].Reactions[emoji] = append(out[i].Reactions[emoji], userID)
	}
	return out, rrows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgLedger implements ledger on a pgx transaction.
type pgLedger struct{ tx pgx.Tx }

func (l pgLedger) applied(ctx context.Context, opID string) (Committed, bool, error) {
	var c Committed
	err := l.tx.QueryRow(ctx,
		`SELECT op_id, message_id, status, superseded FROM applied_ops WHERE op_id = $1`, opID).
		Scan(&c.Ack.ID, &c.MessageID, &c.Ack.Status, &c.Ack.Superseded)
	if errors.Is(err, pgx.ErrNoRows) {
		return Committed{}, false, nil
	}
	if err != nil {
		return Committed{}, false, err
	}
	return c, true, nil
}

func (l pgLedger) markApplied(ctx context.Context, op event.Operation, c Committed, at time.Time) error {
	_, err := l.tx.Exec(ctx,
		`INSERT INTO applied_ops (op_id, op_type, channel_id, message_id, status, superseded, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, string(op.Type), op.ChannelID, c.MessageID, c.Ack.Status, c.Ack.Superseded, at.UnixMilli())
	return err
}

func (l pgLedger) message(ctx context.Context, id string) (Message, bool, error) {
	var m Message
	// FOR UPDATE serializes concurrent edits of one message across gateways.
	err := l.tx.QueryRow(ctx,
		`SELECT id, channel_id, author, body, created_at, edited_at, edit_op_id, deleted
		 FROM messages WHERE id = $1 FOR UPDATE`, id).
		Scan(&m.ID, &m.ChannelID, &m.Author, &m.Text, &m.CreatedAt, &m.EditedAt, &m.EditOpID, &m.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (l pgLedger) saveMessage(ctx context.Context, m Message) error {
	_, err := l.tx.Exec(ctx,
		`INSERT INTO messages (id, channel_id, author, body, created_at, edited_at, edit_op_id, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   body = EXCLUDED.body,
		   edited_at = EXCLUDED.edited_at,
		   edit_op_id = EXCLUDED.edit_op_id,
		   deleted = EXCLUDED.deleted`,
		m.ID, m.ChannelID, m.Author, m.Text, m.CreatedAt, m.EditedAt, m.EditOpID, m.Deleted)
	return err
}

func (l pgLedger) setReaction(ctx context.Context, messageID, emoji, userID string, on bool) (bool, error) {
	query := `DELETE FROM reactions WHERE message_id = $1 AND emoji = $2 AND user_id = $3`
	if on {
		query = `INSERT INTO reactions (message_id, emoji, user_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	}
	tag, err := l.tx.Exec(ctx, query, messageID, emoji, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (l pgLedger) setReadMarker(ctx context.Context, userID, channelID, messageID string, at time.Time) error {
	_, err := l.tx.Exec(ctx,
		`INSERT INTO read_markers (user_id, channel_id, message_id, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, channel_id) DO UPDATE SET message_id = EXCLUDED.message_id, updated_at = EXCLUDED.updated_at`,
		userID, channelID, messageID, at.UnixMilli())
	return err
}

// lockChannelLog serializes event appends per channel until commit. seq comes
// from a shared sequence, so without it a lower seq could commit after a
// higher one and a reader resuming from the higher cursor would never see it.
const lockChannelLog = `SELECT pg_advisory_xact_lock(hashtext($1))`

func (l pgLedger) appendEvent(ctx context.Context, rec event.Record) (int64, error) {
	if _, err := l.tx.Exec(ctx, lockChannelLog, rec.ChannelID); err != nil {
		return 0, fmt.Errorf("lock channel log: %w", err)
	}
	var seq int64
	err := l.tx.QueryRow(ctx,
		`INSERT INTO events (channel_id, event, payload, author, server_ts, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		rec.ChannelID, string(rec.Event), string(rec.Data.Payload), rec.Author,
		rec.Data.ServerTimestamp.UnixMilli(), rec.Committed.UnixMilli()).Scan(&seq)
	return seq, err
}
