package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatsync/internal/event"
	"chatsync/internal/syncerr"
	"chatsync/pkg/logx"
)

const (
	maxTextLength  = 4000
	maxEmojiLength = 64
)

// ledger is one transaction's view of a backend. Every backend implements it
// and shares apply, so dedup, validation and conflict rules cannot drift
// between them.
type ledger interface {
	applied(ctx context.Context, opID string) (Committed, bool, error)
	markApplied(ctx context.Context, op event.Operation, c Committed, at time.Time) error
	message(ctx context.Context, id string) (Message, bool, error)
	saveMessage(ctx context.Context, m Message) error
	// setReaction adds or removes one reaction and reports whether it changed.
	setReaction(ctx context.Context, messageID, emoji, userID string, on bool) (bool, error)
	setReadMarker(ctx context.Context, userID, channelID, messageID string, at time.Time) error
	appendEvent(ctx context.Context, rec event.Record) (int64, error)
}

// apply runs op against l. Validation failures return a VALIDATION error and
// leave no trace, so a corrected resend under a new id is accepted.
func apply(ctx context.Context, l ledger, log logx.Logger, op event.Operation, author string, now time.Time) (Committed, error) {
	if err := validateOp(op); err != nil {
		return Committed{}, err
	}
	now = now.UTC().Truncate(time.Millisecond)
	prev, ok, err := l.applied(ctx, op.ID)
	if err != nil {
		return Committed{}, syncerr.Transient("lookup applied operation", err).ForOp(op.ID)
	}
	if ok {
		prev.Ack.Duplicate = true
		return prev, nil
	}

	a := &applier{ctx: ctx, l: l, log: log, op: op, author: author, now: now}
	c, err := a.run()
	if err != nil {
		return Committed{}, err
	}
	if err := l.markApplied(ctx, op, c, now); err != nil {
		return Committed{}, syncerr.Transient("record applied operation", err).ForOp(op.ID)
	}
	return c, nil
}

func validateOp(op event.Operation) error {
	switch {
	case strings.TrimSpace(op.ID) == "":
		return syncerr.Validation("operation id is required")
	case !op.Type.Valid():
		return syncerr.Validation(fmt.Sprintf("unknown operation type %q", op.Type)).ForOp(op.ID)
	case strings.TrimSpace(op.ChannelID) == "":
		return syncerr.Validation("channel id is required").ForOp(op.ID)
	case op.CreatedAt <= 0:
		return syncerr.Validation("createdAt is required").ForOp(op.ID)
	}
	return nil
}

type applier struct {
	ctx    context.Context
	l      ledger
	log    logx.Logger
	op     event.Operation
	author string
	now    time.Time

	c Committed
}

func (a *applier) run() (Committed, error) {
	a.c = Committed{Ack: event.Ack{ID: a.op.ID, Status: event.AckOK}}
	var err error
	switch a.op.Type {
	case event.OpSendMessage:
		err = a.send()
	case event.OpEditMessage:
		err = a.edit()
	case event.OpDeleteMessage:
		err = a.delete()
	case event.OpAddReaction:
		err = a.react(true)
	case event.OpRemoveReaction:
		err = a.react(false)
	case event.OpMarkRead:
		err = a.markRead()
	}
	return a.c, err
}

func (a *applier) send() error {
	var body event.MessageBody
	if err := a.decode(&body); err != nil {
		return err
	}
	if err := validText(body.Text); err != nil {
		return err.ForOp(a.op.ID)
	}
	m := Message{
		ID:        a.op.ID,
		ChannelID: a.op.ChannelID,
		Author:    a.author,
		Text:      body.Text,
		CreatedAt: a.op.CreatedAt,
	}
	if err := a.l.saveMessage(a.ctx, m); err != nil {
		return a.storageErr("save message", err)
	}
	a.c.MessageID = m.ID
	return a.emit(event.MessageNew, event.MessageEvent{
		MessageID: m.ID,
		Author:    m.Author,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	})
}

func (a *applier) edit() error {
	var body event.MessageBody
	if err := a.decode(&body); err != nil {
		return err
	}
	if err := validText(body.Text); err != nil {
		return err.ForOp(a.op.ID)
	}
	m, err := a.target()
	if err != nil {
		return err
	}
	if m.Author != a.author {
		return syncerr.Validation("only the author can edit a message").ForOp(a.op.ID)
	}
	if m.Deleted {
		a.supersede("edit of deleted message", true)
		return nil
	}
	// Last writer wins by (createdAt, id); the loser is acked without effect.
	if m.EditOpID != "" && !event.Before(m.EditedAt, m.EditOpID, a.op.CreatedAt, a.op.ID) {
		a.supersede("edit older than current version", true)
		return nil
	}
	m.Text = body.Text
	m.EditedAt = a.op.CreatedAt
	m.EditOpID = a.op.ID
	if err := a.l.saveMessage(a.ctx, m); err != nil {
		return a.storageErr("save message", err)
	}
	return a.emit(event.MessageEdit, event.MessageEvent{
		MessageID: m.ID,
		Author:    m.Author,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	})
}

func (a *applier) delete() error {
	m, err := a.target()
	if err != nil {
		return err
	}
	if m.Author != a.author {
		return syncerr.Validation("only the author can delete a message").ForOp(a.op.ID)
	}
	if m.Deleted {
		a.supersede("message already deleted", false)
		return nil
	}
	m.Deleted = true
	if err := a.l.saveMessage(a.ctx, m); err != nil {
		return a.storageErr("save message", err)
	}
	return a.emit(event.MessageDelete, event.MessageEvent{MessageID: m.ID})
}

func (a *applier) react(on bool) error {
	var body event.ReactionBody
	if err := a.decode(&body); err != nil {
		return err
	}
	emoji := strings.TrimSpace(body.Emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiLength {
		return syncerr.Validation("emoji is required and must be short").ForOp(a.op.ID)
	}
	m, err := a.target()
	if err != nil {
		return err
	}
	if m.Deleted {
		a.supersede("reaction on deleted message", true)
		return nil
	}
	changed, err := a.l.setReaction(a.ctx, m.ID, emoji, a.author, on)
	if err != nil {
		return a.storageErr("set reaction", err)
	}
	if !changed {
		a.supersede("reaction unchanged", false)
		return nil
	}
	name := event.ReactionAdd
	if !on {
		name = event.ReactionRemove
	}
	return a.emit(name, event.ReactionEvent{MessageID: m.ID, Emoji: emoji, UserID: a.author})
}

func (a *applier) markRead() error {
	m, err := a.target()
	if err != nil {
		return err
	}
	if err := a.l.setReadMarker(a.ctx, a.author, a.op.ChannelID, m.ID, a.now); err != nil {
		return a.storageErr("set read marker", err)
	}
	a.c.Private = append(a.c.Private, a.record(event.ReadUpdate, event.ReadEvent{MessageID: m.ID, UserID: a.author}))
	return nil
}

// target loads the message the operation acts on.
func (a *applier) target() (Message, error) {
	id, err := a.op.Target()
	if err != nil {
		return Message{}, syncerr.Validation(err.Error()).ForOp(a.op.ID)
	}
	m, ok, err := a.l.message(a.ctx, id)
	if err != nil {
		return Message{}, a.storageErr("load message", err)
	}
	if !ok {
		return Message{}, syncerr.Validation("message " + id + " not found").ForOp(a.op.ID)
	}
	if m.ChannelID != a.op.ChannelID {
		return Message{}, syncerr.Validation("message " + id + " belongs to another channel").ForOp(a.op.ID)
	}
	a.c.MessageID = m.ID
	return m, nil
}

func (a *applier) supersede(reason string, conflict bool) {
	a.c.Ack.Superseded = true
	if conflict {
		a.log.Info("conflict resolved",
			logx.String("code", string(syncerr.CodeConflict)),
			logx.String("op_id", a.op.ID),
			logx.String("op_type", string(a.op.Type)),
			logx.String("message_id", a.c.MessageID),
			logx.String("reason", reason))
	}
}

func (a *applier) emit(name event.Name, v any) error {
	rec := a.record(name, v)
	cursor, err := a.l.appendEvent(a.ctx, rec)
	if err != nil {
		return a.storageErr("append event", err)
	}
	rec.Cursor = cursor
	a.c.Events = append(a.c.Events, rec)
	return nil
}

func (a *applier) record(name event.Name, v any) event.Record {
	return event.Record{
		ChannelID: a.op.ChannelID,
		Event:     name,
		Data: event.Payload{
			ChannelID:       a.op.ChannelID,
			Payload:         event.RawPayload(v),
			ServerTimestamp: a.now,
		},
		Author:    a.author,
		Committed: a.now,
	}
}

func (a *applier) decode(v any) error {
	if len(a.op.Payload) == 0 {
		return syncerr.Validation("payload is required").ForOp(a.op.ID)
	}
	if err := json.Unmarshal(a.op.Payload, v); err != nil {
		return syncerr.Validation("malformed payload: " + err.Error()).ForOp(a.op.ID)
	}
	return nil
}

func (a *applier) storageErr(what string, err error) error {
	return syncerr.Transient(what, err).ForOp(a.op.ID)
}

func validText(text string) *syncerr.Error {
	if strings.TrimSpace(text) == "" {
		return syncerr.Validation("message text is required")
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return syncerr.Validation(fmt.Sprintf("message text exceeds %d characters", maxTextLength))
	}
	return nil
}
