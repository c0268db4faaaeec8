// Package ws provides WebSocket transport implementation for the chat server.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn adapts a gobwas WebSocket connection to chat.Conn interface.
// Every Write is sent as one binary message and every Read returns at most
// one message. Control frames are answered from Read.
type Conn struct {
	conn  net.Conn
	state ws.State

	rd      *wsutil.Reader
	control wsutil.FrameHandlerFunc
	ctrl    bytes.Buffer
	pending []byte

	mu sync.Mutex
}

func newConn(conn net.Conn, source io.Reader, state ws.State) *Conn {
	c := &Conn{conn: conn, state: state}
	c.control = wsutil.ControlFrameHandler(&c.ctrl, state)
	c.rd = &wsutil.Reader{
		Source:         source,
		State:          state,
		OnIntermediate: c.control,
	}
	return c
}

// Accept performs the server side handshake on conn. reader holds any
// bytes already consumed during protocol detection.
func Accept(conn net.Conn, reader *bufio.Reader) (*Conn, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{reader, conn}
	if _, err := ws.Upgrade(rw); err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newConn(conn, reader, ws.StateServerSide), nil
}

// Dial connects to a ws:// URL.
func Dial(ctx context.Context, url string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	var source io.Reader = conn
	if br != nil {
		source = br
	}
	return newConn(conn, source, ws.StateClientSide), nil
}

// Read implements chat.Conn.
// A message larger than p is returned over several calls.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		msg, err := c.nextMessage()
		if err != nil {
			return 0, err
		}
		c.pending = msg
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) nextMessage() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			err = c.control(hdr, c.rd)
			if ferr := c.flushControl(); err == nil {
				err = ferr
			}
			if err != nil {
				return nil, closedToEOF(err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}

		data, err := io.ReadAll(c.rd)
		if ferr := c.flushControl(); err == nil {
			err = ferr
		}
		if err != nil {
			return nil, closedToEOF(err)
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

// flushControl sends replies to control frames, e.g. pong or close.
func (c *Conn) flushControl() error {
	if c.ctrl.Len() == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ctrl.WriteTo(c.conn)
	c.ctrl.Reset()
	return err
}

// Write implements chat.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wsutil.WriteMessage(c.conn, c.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements chat.Conn.
// The close frame is skipped when a write is in progress.
func (c *Conn) Close() error {
	if c.mu.TryLock() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
		c.mu.Unlock()
	}
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func closedToEOF(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}
