package event

// Event payloads carried in Payload.Payload.

type MessageEvent struct {
	MessageID string `json:"messageId"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	EditedAt  int64  `json:"editedAt,omitempty"`
}

type ReactionEvent struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

type ReadEvent struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type PresenceEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Presence statuses.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

type ReminderEvent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}
