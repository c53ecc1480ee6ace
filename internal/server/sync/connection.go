package sync

import (
	"log/slog"
	"sync"

	"github.com/densync/densync/pkg/api"
)

// Connection represents one live client session. Created when the websocket
// handshake completes, destroyed when the socket closes.
type Connection struct {
	ID       string
	UserID   string
	ClientID string

	socket Socket
	logger *slog.Logger

	mu                 sync.Mutex
	keyValidated       bool
	requesterPublicKey string
	databases          map[string]*DatabaseState
}

func newConnection(id, userID, clientID string, socket Socket, logger *slog.Logger) *Connection {
	return &Connection{
		ID:        id,
		UserID:    userID,
		ClientID:  clientID,
		socket:    socket,
		logger:    logger,
		databases: make(map[string]*DatabaseState),
	}
}

// OpenDatabase creates the per-database delivery state on this connection.
// bundleSeqNo is normalized to -1 when non-positive. A non-nil reopenAtSeqNo
// positions the state at the client's last known sequence number.
func (c *Connection) OpenDatabase(databaseID string, bundleSeqNo int64, reopenAtSeqNo *int64) *DatabaseState {
	state := newDatabaseState(bundleSeqNo, reopenAtSeqNo)

	c.mu.Lock()
	c.databases[databaseID] = state
	c.mu.Unlock()

	return state
}

// Database returns the delivery state for databaseID, if opened.
func (c *Connection) Database(databaseID string) (*DatabaseState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.databases[databaseID]
	return state, ok
}

// ValidateKey marks the connection as having proved possession of the user's
// key. Only validated connections are eligible seed-request targets.
func (c *Connection) ValidateKey() {
	c.mu.Lock()
	c.keyValidated = true
	c.mu.Unlock()
}

// KeyValidated reports whether the connection passed the validation handshake.
func (c *Connection) KeyValidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyValidated
}

// OpenSeedRequest records the pending seed request this socket issued.
// At most one request per connection.
func (c *Connection) OpenSeedRequest(requesterPublicKey string) {
	c.mu.Lock()
	c.requesterPublicKey = requesterPublicKey
	c.mu.Unlock()
}

// SeedRequest returns the public key of this socket's pending seed request,
// empty if none.
func (c *Connection) SeedRequest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requesterPublicKey
}

// BroadcastSeedRequest forwards a seed request to this connection's client.
// Unvalidated connections never receive requests, so an unauthorized device
// cannot phish secrets.
func (c *Connection) BroadcastSeedRequest(requesterPublicKey string) {
	if !c.KeyValidated() {
		return
	}

	msg := api.ReceiveRequestForSeed{
		Route:              api.RouteReceiveRequestForSeed,
		RequesterPublicKey: requesterPublicKey,
	}
	if err := c.socket.Send(msg); err != nil {
		c.logger.Debug("failed to send seed request",
			"connection_id", c.ID, "error", err)
	}
}

// DeliverSeed forwards the encrypted seed to this connection's client if it
// is the requester; any other socket silently drops it.
func (c *Connection) DeliverSeed(senderPublicKey, requesterPublicKey string, encryptedSeed []byte) {
	if c.SeedRequest() != requesterPublicKey {
		return
	}

	msg := api.ReceiveSeed{
		Route:           api.RouteReceiveSeed,
		SenderPublicKey: senderPublicKey,
		EncryptedSeed:   encryptedSeed,
	}
	if err := c.socket.Send(msg); err != nil {
		c.logger.Debug("failed to send seed",
			"connection_id", c.ID, "error", err)
	}
}
