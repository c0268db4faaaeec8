package chat

import (
	"errors"
	"io"
	"net"

	"github.com/omochice/lan-chat/pkg/protocol"
)

var (
	ErrSessionClosed = errors.New("chat: session closed")
	ErrQueueFull     = errors.New("chat: outbound queue full, peer disconnected")
	ErrStaging       = errors.New("chat: staging failed")
)

// IsSessionFatal reports whether err must end the session that produced
// it. Framing anomalies and staging failures leave the stream usable.
func IsSessionFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, protocol.ErrFraming) && !errors.Is(err, ErrStaging)
}

// isClosed reports whether err is the ordinary end of a connection.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
