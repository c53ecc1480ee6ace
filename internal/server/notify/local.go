package notify

import (
	"context"
	"sync"

	"github.com/densync/densync/internal/models"
)

// LocalNotifier delivers commit events in-process. Suitable for
// single-process deployments and tests.
type LocalNotifier struct {
	mu       sync.Mutex
	handlers []Handler
}

// NewLocalNotifier creates an in-process notifier
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

// Publish dispatches the event synchronously to every subscriber, preserving
// per-publisher ordering.
func (n *LocalNotifier) Publish(ctx context.Context, userID string, tx *models.Transaction) error {
	n.mu.Lock()
	handlers := make([]Handler, len(n.handlers))
	copy(handlers, n.handlers)
	n.mu.Unlock()

	for _, handler := range handlers {
		handler(ctx, userID, tx)
	}
	return nil
}

// Subscribe registers a handler for all commit events
func (n *LocalNotifier) Subscribe(ctx context.Context, handler Handler) error {
	n.mu.Lock()
	n.handlers = append(n.handlers, handler)
	n.mu.Unlock()
	return nil
}

// Close is a no-op for the in-process notifier
func (n *LocalNotifier) Close() error {
	return nil
}
