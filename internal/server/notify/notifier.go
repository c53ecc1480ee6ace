package notify

import (
	"context"

	"github.com/densync/densync/internal/models"
)

// CommitEvent is published by the write path whenever a transaction commits.
type CommitEvent struct {
	UserID      string              `json:"userId"`
	Transaction *models.Transaction `json:"transaction"`
}

// Handler consumes commit events on the subscriber side.
type Handler func(ctx context.Context, userID string, tx *models.Transaction)

// Notifier bridges committed transactions from the write path to the fan-out
// dispatcher. The write path never learns whether any socket was notified.
type Notifier interface {
	// Publish announces a committed transaction for the user
	Publish(ctx context.Context, userID string, tx *models.Transaction) error

	// Subscribe registers a handler for all users' commit events
	Subscribe(ctx context.Context, handler Handler) error

	// Close stops delivery and releases resources
	Close() error
}
