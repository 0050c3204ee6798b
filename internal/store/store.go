package store

import (
	"context"
	"errors"

	"github.com/eldtechnologies/backchannel/internal/models"
)

var (
	ErrInvalidVisitorID = errors.New("invalid visitor id")
	ErrInvalidMessage   = errors.New("invalid message")
)

// Threads defines persistent storage of visitor threads and the block list.
// ThreadStore implements this interface.
type Threads interface {
	// Connection management
	Ping(ctx context.Context) error

	// Thread operations
	Append(ctx context.Context, visitorID string, msg models.Message) (models.Message, error)
	GetMessages(ctx context.Context, visitorID, sinceID string) ([]models.Message, error)
	UnreadCount(ctx context.Context, visitorID, sinceID string) (int, error)
	ListThreads(ctx context.Context) ([]models.VisitorMetadata, error)
	ListSummaries(ctx context.Context) ([]models.ThreadSummary, error)
	VisitorMetadata(ctx context.Context, visitorID string) (models.VisitorMetadata, bool, error)
	DeleteThread(ctx context.Context, visitorID string) (bool, error)

	// Block list operations
	IsBlocked(visitorID string) bool
	Block(visitorID string) error
	Unblock(visitorID string) (bool, error)
}

var _ Threads = (*ThreadStore)(nil)

// Broadcaster receives thread changes so live connections can be told.
// Delivery is best-effort and never reports failure back to the store.
type Broadcaster interface {
	NotifyVisitor(visitorID, event string, payload any)
	NotifyAdmins(event string, payload any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) NotifyVisitor(string, string, any) {}
func (nopBroadcaster) NotifyAdmins(string, any)          {}
