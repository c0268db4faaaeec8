package server

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

// httpPeekTimeout bounds how long a connection starting with 'G' may take
// to deliver the rest of "GET ".
const httpPeekTimeout = 200 * time.Millisecond

// detectProtocol peeks at the first bytes to determine protocol type.
// WebSocket handshakes start with "GET "; anything else is a raw chat
// stream. A display name shorter than four bytes must not block, so only
// the first byte is awaited unconditionally.
func detectProtocol(conn net.Conn) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	first, err := reader.Peek(1)
	if err != nil {
		return protocolTCP, reader, err
	}
	if first[0] != 'G' {
		return protocolTCP, reader, nil
	}

	if reader.Buffered() < 4 {
		_ = conn.SetReadDeadline(time.Now().Add(httpPeekTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	peek, err := reader.Peek(4)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return protocolTCP, reader, nil
		}
		if len(peek) > 0 {
			// Short stream, e.g. a name followed by EOF.
			return protocolTCP, reader, nil
		}
		return protocolTCP, reader, err
	}

	if bytes.Equal(peek, []byte("GET ")) {
		return protocolHTTP, reader, nil
	}
	return protocolTCP, reader, nil
}
