package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OpType is the closed set of client mutations.
type OpType string

const (
	OpSendMessage    OpType = "send_message"
	OpEditMessage    OpType = "edit_message"
	OpDeleteMessage  OpType = "delete_message"
	OpAddReaction    OpType = "add_reaction"
	OpRemoveReaction OpType = "remove_reaction"
	OpMarkRead       OpType = "mark_read"
)

func (t OpType) Valid() bool {
	switch t {
	case OpSendMessage, OpEditMessage, OpDeleteMessage, OpAddReaction, OpRemoveReaction, OpMarkRead:
		return true
	}
	return false
}

// Operation is the client→server envelope. ID is the idempotency key.
type Operation struct {
	ID        string          `json:"id"`
	Type      OpType          `json:"type"`
	ChannelID string          `json:"channelId"`
	Payload   json.RawMessage `json:"payload"`
	// CreatedAt is the client clock in unix milliseconds.
	CreatedAt int64 `json:"createdAt"`
}

// MessageBody is the payload of send_message and edit_message.
type MessageBody struct {
	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text"`
}

// MessageRef is the payload of delete_message and mark_read.
type MessageRef struct {
	MessageID string `json:"messageId"`
}

// ReactionBody is the payload of add_reaction and remove_reaction.
type ReactionBody struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// Target returns the id of the message the operation acts on. A send creates
// the message, so the message id is the send's own operation id.
func (o Operation) Target() (string, error) {
	if o.Type == OpSendMessage {
		return o.ID, nil
	}
	var ref MessageRef
	if err := json.Unmarshal(o.Payload, &ref); err != nil {
		return "", fmt.Errorf("decode %s payload: %w", o.Type, err)
	}
	if strings.TrimSpace(ref.MessageID) == "" {
		return "", fmt.Errorf("%s payload: messageId is required", o.Type)
	}
	return ref.MessageID, nil
}

func (o Operation) Time() time.Time { return time.UnixMilli(o.CreatedAt) }

// Less orders operations by createdAt, ties broken by id.
func Less(a, b Operation) bool {
	return Before(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
}

// Before is the (createdAt, id) ordering shared by queue ordering and
// last-writer-wins resolution.
func Before(aAt int64, aID string, bAt int64, bID string) bool {
	if aAt != bAt {
		return aAt < bAt
	}
	return aID < bID
}

// Ack statuses.
const (
	AckOK     = "ack"
	AckReject = "reject"
)

// Ack is the server's response to one Operation.
type Ack struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Superseded is set when the operation was accepted but lost a
	// last-writer-wins resolution and had no visible effect.
	Superseded bool `json:"superseded,omitempty"`
	// Duplicate is set when the id had already been applied.
	Duplicate bool `json:"duplicate,omitempty"`
}
