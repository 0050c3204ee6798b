package models

// Event names written to push connections.
const (
	EventNewMessage    = "new-message"
	EventThreadDeleted = "thread-deleted"
	EventStatus        = "status"
)

// InitEvent is the snapshot sent when a visitor stream opens.
type InitEvent struct {
	Type     string    `json:"type"` // "init"
	Messages []Message `json:"messages"`
}

// VisitorMessageEvent delivers an operator reply to the visitor's streams.
type VisitorMessageEvent struct {
	Type    string  `json:"type"` // "new-message"
	Message Message `json:"message"`
}

// AdminMessageEvent delivers a visitor message to admin streams.
type AdminMessageEvent struct {
	VisitorID string  `json:"visitorId"`
	Message   Message `json:"message"`
}

// ThreadDeletedEvent tells admin streams to drop a thread.
type ThreadDeletedEvent struct {
	VisitorID string `json:"visitorId"`
}

// StatusEvent is the snapshot sent when an admin stream opens.
type StatusEvent struct {
	Type      string `json:"type"` // "ready"
	Timestamp int64  `json:"timestamp"`
}
