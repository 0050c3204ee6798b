package models

import "regexp"

// Author of a message within a thread.
const (
	FromVisitor  = "visitor"
	FromOperator = "operator"
)

var visitorIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// Message is one entry of a visitor thread, stored as a JSONL record.
type Message struct {
	ID        string `json:"id"`             // ULID
	From      string `json:"from"`           // "visitor" or "operator"
	Text      string `json:"text"`
	Timestamp int64  `json:"ts"`             // Unix ms
	Page      string `json:"page,omitempty"` // page the visitor wrote from
}

// IsOperator reports whether the operator authored the message.
func (m Message) IsOperator() bool {
	return m.From == FromOperator
}

// VisitorMetadata is derived from a thread on demand and never stored.
type VisitorMetadata struct {
	VisitorID    string   `json:"visitorId"`
	FirstSeen    int64    `json:"firstSeen"`
	LastSeen     int64    `json:"lastSeen"`
	MessageCount int      `json:"messageCount"`
	PagesVisited []string `json:"pagesVisited"`
}

// ThreadSummary is the admin overview row for one thread.
type ThreadSummary struct {
	VisitorMetadata
	LastMessage       *Message `json:"lastMessage,omitempty"`
	UnreadFromVisitor int      `json:"unreadFromVisitor"`
}

// ValidVisitorID reports whether vid is an acceptable visitor identity:
// up to 64 characters, alphanumeric or hyphen. Such an id is safe to use as a
// file name.
func ValidVisitorID(vid string) bool {
	return visitorIDPattern.MatchString(vid)
}
