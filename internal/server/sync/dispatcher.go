package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/densync/densync/internal/models"
	"github.com/densync/densync/internal/server/storage"
)

// seedExchangeTTL bounds how long an unanswered seed request may sit in the
// exchange table before eviction.
const seedExchangeTTL = 24 * time.Hour

// Dispatcher is the entry point for events that fan out to a user's live
// connections: committed transactions and seed exchange messages.
type Dispatcher struct {
	logger   *slog.Logger
	registry *Registry
	pipeline *Pipeline
	seeds    storage.SeedExchangeStorage
	bundles  storage.BundleStorage
	now      func() time.Time
}

// NewDispatcher creates a fan-out dispatcher over the registry and pipeline
func NewDispatcher(
	logger *slog.Logger,
	registry *Registry,
	pipeline *Pipeline,
	seeds storage.SeedExchangeStorage,
	bundles storage.BundleStorage,
) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		pipeline: pipeline,
		seeds:    seeds,
		bundles:  bundles,
		now:      time.Now,
	}
}

// OnTransactionCommitted notifies every connection of the user about a newly
// committed transaction. Connections sitting exactly one behind take the fast
// path: a single message, no store read. Everything else goes through a full
// push, which scans and repairs the log.
//
// Errors never reach the committing writer; each connection converges
// independently on its next trigger.
func (d *Dispatcher) OnTransactionCommitted(ctx context.Context, userID string, tx *models.Transaction) {
	// A freshly committed bundle supersedes every older snapshot of the
	// database; drop them before fanning out.
	if tx.Command == models.CommandBundle {
		pruned, err := d.bundles.PruneBundlesBefore(ctx, tx.DatabaseID, tx.SeqNo)
		if err != nil {
			d.logger.Warn("failed to prune superseded bundles",
				"database_id", tx.DatabaseID, "error", err)
		} else if pruned > 0 {
			d.logger.Debug("pruned superseded bundles",
				"database_id", tx.DatabaseID, "count", pruned)
		}
	}

	for _, conn := range d.registry.Connections(userID) {
		database, ok := conn.Database(tx.DatabaseID)
		if !ok {
			continue
		}

		if tx.SeqNo == database.LastSeqNo()+1 {
			if err := d.pipeline.SendPayload(conn, database, []*models.Transaction{tx}); err != nil {
				d.logger.Warn("fast-path send failed",
					"connection_id", conn.ID, "database_id", tx.DatabaseID, "error", err)
			}
			continue
		}

		if err := d.pipeline.Push(ctx, conn, tx.DatabaseID, PushOptions{}); err != nil {
			d.logger.Warn("fan-out push failed",
				"connection_id", conn.ID, "database_id", tx.DatabaseID, "error", err)
		}
	}
}

// SendSeedRequest records the pending request on the origin connection,
// persists the exchange, then offers the request to every connection of the
// user. Only key-validated devices actually receive it; the origin itself is
// unvalidated and drops it.
func (d *Dispatcher) SendSeedRequest(ctx context.Context, userID, originConnectionID, requesterPublicKey string) {
	if conn, ok := d.registry.Get(userID, originConnectionID); ok {
		conn.OpenSeedRequest(requesterPublicKey)
	}

	exchange := &storage.SeedExchange{
		UserID:             userID,
		RequesterPublicKey: requesterPublicKey,
		ExpiresAt:          d.now().Add(seedExchangeTTL),
	}
	if err := d.seeds.CreateExchange(ctx, exchange); err != nil {
		if !errors.Is(err, storage.ErrSeedExchangeExists) {
			d.logger.Warn("failed to persist seed exchange",
				"user_id", userID, "error", err)
			return
		}
		// A retried request for the same key rides the existing exchange.
	}

	for _, conn := range d.registry.Connections(userID) {
		conn.BroadcastSeedRequest(requesterPublicKey)
	}
}

// SendSeed stores the encrypted seed on the exchange and fans it out; only
// the connection whose pending request matches requesterPublicKey forwards it
// to its client.
func (d *Dispatcher) SendSeed(ctx context.Context, userID, senderPublicKey, requesterPublicKey string, encryptedSeed []byte) {
	if err := d.seeds.SetEncryptedSeed(ctx, userID, requesterPublicKey, encryptedSeed); err != nil {
		// Delivery is direct; a missing row only loses the offline copy.
		d.logger.Warn("failed to store encrypted seed",
			"user_id", userID, "error", err)
	}

	for _, conn := range d.registry.Connections(userID) {
		conn.DeliverSeed(senderPublicKey, requesterPublicKey, encryptedSeed)
	}
}

// OnConnectionClosed cleans up after a socket dies: any exchange the socket
// requested is dropped and the connection leaves the registry.
func (d *Dispatcher) OnConnectionClosed(ctx context.Context, conn *Connection) {
	if requesterPublicKey := conn.SeedRequest(); requesterPublicKey != "" {
		if err := d.seeds.DeleteExchange(ctx, conn.UserID, requesterPublicKey); err != nil {
			d.logger.Warn("failed to delete seed exchange",
				"user_id", conn.UserID, "error", err)
		}
	}

	d.registry.Close(conn)
}
