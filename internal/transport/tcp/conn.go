// Package tcp provides TCP transport implementation for the chat server.
package tcp

import (
	"bufio"
	"io"
	"net"
)

// Conn adapts net.Conn to chat.Conn interface.
type Conn struct {
	conn   net.Conn
	reader io.Reader
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: conn}
}

// NewConnWithReader wraps a net.Conn whose first bytes were already peeked
// into reader during protocol detection.
func NewConnWithReader(conn net.Conn, reader *bufio.Reader) *Conn {
	return &Conn{conn: conn, reader: reader}
}

// Read implements chat.Conn.
// Returns whatever bytes the connection has available, one chunk per call.
func (c *Conn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write implements chat.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
