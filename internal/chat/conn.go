// Package chat provides the session registry, broadcast and file relay
// shared by all transports.
package chat

import "io"

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read reads the next chunk of the stream.
	// Returns io.EOF when connection is closed.
	io.Reader

	// Write sends one unit of wire data. Transports with message framing
	// (WebSocket) send each call as one message.
	io.Writer

	// Close closes the connection. It unblocks a pending Read.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
