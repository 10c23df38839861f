package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatsync/internal/event"
	"chatsync/internal/storage/migrations"
	"chatsync/pkg/logx"
)

// SQLiteStore persists to a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded migrations.
func OpenSQLite(path string, log logx.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := "file:" + clean + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; SQLite serializes writes anyway and this keeps
	// BEGIN IMMEDIATE from spinning on busy_timeout.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateSQLite(context.Background(), db, migrations.SQLite, "sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", clean))
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, op event.Operation, author string) (Committed, error) {
	if err := ctx.Err(); err != nil {
		return Committed{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Committed{}, fmt.Errorf("begin write: %w", err)
	}
	c, err := apply(ctx, sqlLedger{tx: tx}, s.log, op, author, time.Now().UTC())
	if err != nil {
		_ = tx.Rollback()
		return Committed{}, err
	}
	if c.Ack.Duplicate {
		_ = tx.Rollback()
		return c, nil
	}
	if err := tx.Commit(); err != nil {
		return Committed{}, fmt.Errorf("commit write: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Read(ctx context.Context, channelID string, cursor int64, limit int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, channel_id, event, payload, author, server_ts, committed_at
		 FROM events WHERE channel_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		channelID, cursor, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			rec         event.Record
			payload     []byte
			serverTS    int64
			committedAt int64
		)
		if err := rows.Scan(&rec.Cursor, &rec.ChannelID, &rec.Event, &payload, &rec.Author, &serverTS, &committedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Data = event.Payload{ChannelID: rec.ChannelID, Payload: payload, ServerTimestamp: fromMillis(serverTS)}
		rec.Committed = fromMillis(committedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Messages(ctx context.Context, channelID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, author, body, created_at, edited_at, edit_op_id
		 FROM messages WHERE channel_id = ? AND deleted = 0 ORDER BY created_at, id`, channelID)
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

	rrows, err := s.db.QueryContext(ctx,
		`SELECT r.message_id, r.emoji, r.user_id FROM reactions r
		 JOIN messages m ON m.id = r.message_id
		 WHERE m.channel_id = ? AND m.deleted = 0 ORDER BY r.emoji, r.user_id`, channelID)
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

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqlLedger implements ledger on a database/sql transaction.
type sqlLedger struct{ tx *sql.Tx }

func (l sqlLedger) applied(ctx context.Context, opID string) (Committed, bool, error) {
	var (
		c          Committed
		superseded int
	)
	err := l.tx.QueryRowContext(ctx,
		`SELECT op_id, message_id, status, superseded FROM applied_ops WHERE op_id = ?`, opID).
		Scan(&c.Ack.ID, &c.MessageID, &c.Ack.Status, &superseded)
	if errors.Is(err, sql.ErrNoRows) {
		return Committed{}, false, nil
	}
	if err != nil {
		return Committed{}, false, err
	}
	c.Ack.Superseded = superseded != 0
	return c, true, nil
}

func (l sqlLedger) markApplied(ctx context.Context, op event.Operation, c Committed, at time.Time) error {
	_, err := l.tx.ExecContext(ctx,
		`INSERT INTO applied_ops (op_id, op_type, channel_id, message_id, status, superseded, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Type), op.ChannelID, c.MessageID, c.Ack.Status, boolInt(c.Ack.Superseded), at.UnixMilli())
	return err
}

func (l sqlLedger) message(ctx context.Context, id string) (Message, bool, error) {
	var (
		m       Message
		deleted int
	)
	err := l.tx.QueryRowContext(ctx,
		`SELECT id, channel_id, author, body, created_at, edited_at, edit_op_id, deleted
		 FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChannelID, &m.Author, &m.Text, &m.CreatedAt, &m.EditedAt, &m.EditOpID, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	m.Deleted = deleted != 0
	return m, true, nil
}

func (l sqlLedger) saveMessage(ctx context.Context, m Message) error {
	_, err := l.tx.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, author, body, created_at, edited_at, edit_op_id, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   body = excluded.body,
		   edited_at = excluded.edited_at,
		   edit_op_id = excluded.edit_op_id,
		   deleted = excluded.deleted`,
		m.ID, m.ChannelID, m.Author, m.Text, m.CreatedAt, m.EditedAt, m.EditOpID, boolInt(m.Deleted))
	return err
}

func (l sqlLedger) setReaction(ctx context.Context, messageID, emoji, userID string, on bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if on {
		res, err = l.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO reactions (message_id, emoji, user_id) VALUES (?, ?, ?)`,
			messageID, emoji, userID)
	} else {
		res, err = l.tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND user_id = ?`,
			messageID, emoji, userID)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (l sqlLedger) setReadMarker(ctx context.Context, userID, channelID, messageID string, at time.Time) error {
	_, err := l.tx.ExecContext(ctx,
		`INSERT INTO read_markers (user_id, channel_id, message_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, channel_id) DO UPDATE SET message_id = excluded.message_id, updated_at = excluded.updated_at`,
		userID, channelID, messageID, at.UnixMilli())
	return err
}

func (l sqlLedger) appendEvent(ctx context.Context, rec event.Record) (int64, error) {
	res, err := l.tx.ExecContext(ctx,
		`INSERT INTO events (channel_id, event, payload, author, server_ts, committed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ChannelID, string(rec.Event), []byte(rec.Data.Payload), rec.Author,
		rec.Data.ServerTimestamp.UnixMilli(), rec.Committed.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
