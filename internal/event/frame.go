package event

import "encoding/json"

// Frame types exchanged over the client websocket.
const (
	FrameJoin   = "join"
	FrameJoined = "joined"
	FrameLeave  = "leave"
	FrameOp     = "op"
	FrameAck    = "ack"
	FrameEvent  = "event"
	FrameError  = "error"
	FramePing   = "ping"
	FramePong   = "pong"
)

// Frame is one JSON message on the client websocket. Which fields are set
// depends on Type.
type Frame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Channel   string     `json:"channelId,omitempty"`
	Cursor    int64      `json:"cursor,omitempty"`
	Op        *Operation `json:"op,omitempty"`
	Ack       *Ack       `json:"ack,omitempty"`
	Event     Name       `json:"event,omitempty"`
	Data      *Payload   `json:"data,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// WireError is the body of an error frame.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame renders an envelope for a client.
func EventFrame(env Envelope) Frame {
	data := env.Data
	return Frame{Type: FrameEvent, Event: env.Event, Channel: data.ChannelID, Cursor: env.Cursor, Data: &data}
}

// RecordFrame renders a persisted record for a client replay.
func RecordFrame(rec Record) Frame {
	data := rec.Data
	return Frame{Type: FrameEvent, Event: rec.Event, Channel: rec.ChannelID, Cursor: rec.Cursor, Data: &data}
}

// RawPayload marshals v, returning nil on failure. Intended for payloads
// built from plain structs that cannot fail to encode.
func RawPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
