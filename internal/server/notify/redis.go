package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/densync/densync/internal/models"
)

// commitChannelPrefix namespaces the per-user pub/sub channels
const commitChannelPrefix = "densync:commits:"

// RedisNotifier fans commit events out across server processes over redis
// pub/sub, one channel per user.
type RedisNotifier struct {
	logger *slog.Logger
	client *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisNotifier creates a notifier over an established redis client
func NewRedisNotifier(logger *slog.Logger, client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		logger: logger,
		client: client,
	}
}

// Publish announces a committed transaction on the user's channel
func (n *RedisNotifier) Publish(ctx context.Context, userID string, tx *models.Transaction) error {
	payload, err := json.Marshal(CommitEvent{UserID: userID, Transaction: tx})
	if err != nil {
		return fmt.Errorf("failed to marshal commit event: %w", err)
	}

	if err := n.client.Publish(ctx, commitChannelPrefix+userID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish commit event: %w", err)
	}

	return nil
}

// Subscribe consumes commit events for all users in a background goroutine
// until Close is called. Malformed events are logged and skipped.
func (n *RedisNotifier) Subscribe(ctx context.Context, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	pubsub := n.client.PSubscribe(ctx, commitChannelPrefix+"*")

	// Wait for the subscription to be established before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	n.pubsub = pubsub

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		for msg := range pubsub.Channel() {
			var event CommitEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				n.logger.Warn("dropping malformed commit event",
					"channel", msg.Channel, "error", err)
				continue
			}
			if event.Transaction == nil {
				n.logger.Warn("dropping commit event without transaction",
					"channel", msg.Channel)
				continue
			}

			handler(ctx, event.UserID, event.Transaction)
		}
	}()

	return nil
}

// Close stops the subscription and waits for in-flight deliveries
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	pubsub := n.pubsub
	n.pubsub = nil
	n.mu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}

	n.wg.Wait()
	return nil
}
