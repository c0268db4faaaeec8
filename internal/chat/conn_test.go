package chat_test

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/mama165/sdk-go/logs"

	"github.com/omochice/lan-chat/internal/chat"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	writtenMu  sync.Mutex
	written    bytes.Buffer
	writes     int
	writeErr   error
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan []byte, 10),
		done:       make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(p []byte) (int, error) {
	select {
	case <-m.done:
		return 0, net.ErrClosed
	case data, ok := <-m.readCh:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	}
}

func (m *mockConn) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.writes++
	return m.written.Write(p)
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) Written() []byte {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return bytes.Clone(m.written.Bytes())
}

func (m *mockConn) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// pipeConn adapts one end of net.Pipe to chat.Conn.
type pipeConn struct {
	net.Conn
}

func (c pipeConn) RemoteAddr() string { return "pipe" }

// Compile-time check that mockConn implements chat.Conn
var (
	_ chat.Conn = (*mockConn)(nil)
	_ chat.Conn = pipeConn{}
)

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}
