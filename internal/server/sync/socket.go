package sync

// Socket is the outbound side of one client connection. The pipeline only
// needs to frame JSON payloads and close with an application code; the
// websocket layer provides the real implementation.
// Implementations must be safe for concurrent Send calls.
type Socket interface {
	// Send marshals v and writes it as one message
	Send(v any) error

	// Close closes the underlying connection with the given close code and text
	Close(code int, text string) error
}
