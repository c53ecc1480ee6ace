package ws

import (
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a close frame may take to flush
const writeWait = 10 * time.Second

// socket adapts a gorilla websocket connection to the sync.Socket interface.
// Gorilla connections allow only one concurrent writer, so every write holds mu.
type socket struct {
	mu   gosync.Mutex
	conn *websocket.Conn
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{conn: conn}
}

// Send marshals v and writes it as one text message
func (s *socket) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close sends a close frame with the given code and text, then tears the
// connection down.
func (s *socket) Close(code int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(code, text)
	// Best effort: the peer may already be gone
	_ = s.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return s.conn.Close()
}
