package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/densync/densync/internal/server/auth"
	"github.com/densync/densync/internal/server/sync"
	"github.com/densync/densync/pkg/api"
)

// Handler upgrades authenticated requests to websocket sessions and drives
// the per-connection message loop.
type Handler struct {
	logger     *slog.Logger
	registry   *sync.Registry
	pipeline   *sync.Pipeline
	dispatcher *sync.Dispatcher
	authConfig auth.Config
	upgrader   websocket.Upgrader
}

// NewHandler creates the websocket accept handler
func NewHandler(
	logger *slog.Logger,
	registry *sync.Registry,
	pipeline *sync.Pipeline,
	dispatcher *sync.Dispatcher,
	authConfig auth.Config,
) *Handler {
	return &Handler{
		logger:     logger,
		registry:   registry,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		authConfig: authConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers enforce their own origin policy; the session token is
			// the real gate here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP validates the session token, upgrades the connection and runs the
// read loop until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ValidateAccessToken(h.authConfig, requestToken(r))
	if err != nil {
		h.logger.Warn("rejected unauthenticated websocket request",
			"remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sock := newSocket(wsConn)

	// The device identity comes from the signed token, not from anything the
	// client can edit per request.
	conn, err := h.registry.Register(claims.UserID, claims.ClientID, sock)
	if err != nil {
		if !errors.Is(err, sync.ErrClientAlreadyConnected) {
			h.logger.Warn("failed to register connection", "error", err)
			_ = sock.Close(websocket.CloseInternalServerErr, "registration failed")
		}
		// On duplicate clientId the registry already closed the socket with
		// the dedicated code.
		return
	}

	h.readLoop(r.Context(), conn, sock, wsConn)
}

func (h *Handler) readLoop(ctx context.Context, conn *sync.Connection, sock *socket, wsConn *websocket.Conn) {
	defer func() {
		h.dispatcher.OnConnectionClosed(ctx, conn)
		_ = sock.Close(websocket.CloseNormalClosure, "")
		h.logger.Info("session ended",
			"user_id", conn.UserID, "connection_id", conn.ID)
	}()

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("connection closed unexpectedly",
					"connection_id", conn.ID, "error", err)
			}
			return
		}

		h.handleMessage(ctx, conn, data)
	}
}

// handleMessage maps one client message onto the core operations. Errors are
// absorbed here: a failed push converges on a later trigger, and malformed
// messages never take the session down.
func (h *Handler) handleMessage(ctx context.Context, conn *sync.Connection, data []byte) {
	var msg api.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("dropping malformed message",
			"connection_id", conn.ID, "error", err)
		return
	}

	switch msg.Action {
	case api.ActionOpenDatabase:
		if msg.DatabaseID == "" {
			h.logger.Warn("open database without databaseId", "connection_id", conn.ID)
			return
		}
		conn.OpenDatabase(msg.DatabaseID, msg.BundleSeqNo, msg.ReopenAtSeqNo)
		if err := h.pipeline.Push(ctx, conn, msg.DatabaseID, sync.PushOptions{
			DBNameHash:    msg.DBNameHash,
			DBKey:         msg.DBKey,
			ReopenAtSeqNo: msg.ReopenAtSeqNo,
		}); err != nil {
			h.logger.Warn("open push failed",
				"connection_id", conn.ID, "database_id", msg.DatabaseID, "error", err)
		}

	case api.ActionValidateKey:
		conn.ValidateKey()

	case api.ActionRequestSeed:
		if msg.RequesterPublicKey == "" {
			h.logger.Warn("seed request without public key", "connection_id", conn.ID)
			return
		}
		h.dispatcher.SendSeedRequest(ctx, conn.UserID, conn.ID, msg.RequesterPublicKey)

	case api.ActionSendSeed:
		// Only a device that proved key possession may answer a seed request
		if !conn.KeyValidated() {
			h.logger.Warn("seed send from unvalidated connection", "connection_id", conn.ID)
			return
		}
		h.dispatcher.SendSeed(ctx, conn.UserID, msg.SenderPublicKey, msg.RequesterPublicKey, msg.EncryptedSeed)

	default:
		h.logger.Warn("unknown action",
			"connection_id", conn.ID, "action", msg.Action)
	}
}

// requestToken extracts the session token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query
// parameter.
func requestToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}
