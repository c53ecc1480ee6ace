package sync

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// CloseClientAlreadyConnected is the application close code sent when a second
// socket registers with a clientId that is already connected.
const CloseClientAlreadyConnected = 3001

// ErrClientAlreadyConnected indicates that another live socket holds this clientId
var ErrClientAlreadyConnected = errors.New("client already connected")

// Registry indexes live connections by (userId, connectionId) and enforces
// at most one socket per clientId across all users.
type Registry struct {
	logger *slog.Logger

	mu            sync.Mutex
	sockets       map[string]map[string]*Connection // userID -> connectionID -> connection
	uniqueClients map[string]struct{}
}

// NewRegistry creates an empty connection registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:        logger,
		sockets:       make(map[string]map[string]*Connection),
		uniqueClients: make(map[string]struct{}),
	}
}

// Register creates a Connection for the socket and indexes it. If clientID is
// already connected the socket is closed with CloseClientAlreadyConnected and
// ErrClientAlreadyConnected is returned.
func (r *Registry) Register(userID, clientID string, socket Socket) (*Connection, error) {
	r.mu.Lock()

	if _, taken := r.uniqueClients[clientID]; taken {
		r.mu.Unlock()

		r.logger.Warn("rejected duplicate client connection",
			"user_id", userID, "client_id", clientID)
		if err := socket.Close(CloseClientAlreadyConnected, "Client Already Connected"); err != nil {
			r.logger.Debug("failed to close duplicate socket", "error", err)
		}

		return nil, ErrClientAlreadyConnected
	}

	conn := newConnection(uuid.NewString(), userID, clientID, socket, r.logger)

	r.uniqueClients[clientID] = struct{}{}
	if r.sockets[userID] == nil {
		r.sockets[userID] = make(map[string]*Connection)
	}
	r.sockets[userID][conn.ID] = conn

	r.mu.Unlock()

	r.logger.Info("connection registered",
		"user_id", userID, "connection_id", conn.ID)

	return conn, nil
}

// Close removes the connection from the registry. Idempotent on connections
// that are already gone.
func (r *Registry) Close(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns, ok := r.sockets[conn.UserID]
	if !ok {
		return
	}
	if _, ok := userConns[conn.ID]; !ok {
		// Never registered (or already closed); the clientId may belong to
		// another live socket, so leave uniqueClients alone.
		return
	}

	delete(userConns, conn.ID)
	if len(userConns) == 0 {
		delete(r.sockets, conn.UserID)
	}
	delete(r.uniqueClients, conn.ClientID)
}

// Get returns the connection with the given id, if it is still live.
func (r *Registry) Get(userID, connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns, ok := r.sockets[userID]
	if !ok {
		return nil, false
	}
	conn, ok := userConns[connectionID]
	return conn, ok
}

// Connections returns a snapshot of the user's live connections.
// A missing user yields an empty slice; fan-out treats that as a no-op.
func (r *Registry) Connections(userID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConns := r.sockets[userID]
	conns := make([]*Connection, 0, len(userConns))
	for _, conn := range userConns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll closes every live socket and empties the registry.
// Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, userConns := range r.sockets {
		for _, conn := range userConns {
			if err := conn.socket.Close(websocket.CloseGoingAway, "server shutting down"); err != nil {
				r.logger.Debug("failed to close socket",
					"connection_id", conn.ID, "error", err)
			}
		}
	}

	r.sockets = make(map[string]map[string]*Connection)
	r.uniqueClients = make(map[string]struct{})
}
