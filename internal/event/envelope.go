package event

import (
	"encoding/json"
	"time"
)

// Name is a wire event name.
type Name string

const (
	MessageNew     Name = "message:new"
	MessageEdit    Name = "message:edit"
	MessageDelete  Name = "message:delete"
	ReactionAdd    Name = "reaction:add"
	ReactionRemove Name = "reaction:remove"
	PresenceUpdate Name = "presence:update"
	ReminderFired  Name = "reminder:fired"
	ReadUpdate     Name = "read:update"
)

// Payload is the body every event carries to clients.
type Payload struct {
	ChannelID       string          `json:"channelId" msgpack:"channelId"`
	Payload         json.RawMessage `json:"payload,omitempty" msgpack:"payload"`
	ServerTimestamp time.Time       `json:"serverTimestamp" msgpack:"serverTimestamp"`
}

// Envelope is the unit published on the fanout bus. It is never persisted.
type Envelope struct {
	Target      Selector  `json:"target" msgpack:"target"`
	Event       Name      `json:"event" msgpack:"event"`
	Data        Payload   `json:"data" msgpack:"data"`
	PublishedAt time.Time `json:"publishedAt" msgpack:"publishedAt"`
	// Cursor is the event log position for persisted events, zero otherwise.
	Cursor int64 `json:"cursor,omitempty" msgpack:"cursor,omitempty"`
	// Origin is the publishing process, for logs only.
	Origin string `json:"origin,omitempty" msgpack:"origin"`
}

// NewEnvelope builds an envelope whose payload is v marshalled as JSON.
func NewEnvelope(target Selector, name Name, channelID string, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	now := time.Now().UTC()
	return Envelope{
		Target: target,
		Event:  name,
		Data: Payload{
			ChannelID:       channelID,
			Payload:         raw,
			ServerTimestamp: now,
		},
		PublishedAt: now,
	}, nil
}

// Record is one persisted event as returned by a storage read.
type Record struct {
	Cursor    int64     `json:"cursor"`
	ChannelID string    `json:"channelId"`
	Event     Name      `json:"event"`
	Data      Payload   `json:"data"`
	Author    string    `json:"author,omitempty"`
	Committed time.Time `json:"committedAt"`
}
