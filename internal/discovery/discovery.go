// Package discovery lets clients find a chat server on the local network
// with a UDP broadcast probe.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/omochice/lan-chat/pkg/protocol"
)

var ErrServerNotFound = errors.New("discovery: no chat server answered")

const maxDatagram = 1024

// Responder answers discovery probes.
type Responder struct {
	address   string
	log       *slog.Logger
	conn      *net.UDPConn
	closeOnce sync.Once
	closed    chan struct{}
}

func NewResponder(address string, log *slog.Logger) *Responder {
	return &Responder{address: address, log: log, closed: make(chan struct{})}
}

// Listen binds the UDP socket.
func (r *Responder) Listen() error {
	addr, err := net.ResolveUDPAddr("udp4", r.address)
	if err != nil {
		return fmt.Errorf("discovery: resolve %q: %w", r.address, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen %q: %w", r.address, err)
	}
	r.conn = conn
	r.log.Info("Discovery responder started", "address", conn.LocalAddr().String())
	return nil
}

// Serve answers probes until Close is called. Datagrams other than the
// exact probe are ignored.
func (r *Responder) Serve() error {
	response := []byte(protocol.DiscoverResponse)
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.closed:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("discovery: read: %w", err)
		}
		if string(buf[:n]) != protocol.DiscoverRequest {
			r.log.Debug("Ignoring datagram", "from", src.String(), "length", n)
			continue
		}
		if _, err := r.conn.WriteToUDP(response, src); err != nil {
			r.log.Warn("Failed to answer discovery probe", "to", src.String(), "error", err)
			continue
		}
		r.log.Debug("Answered discovery probe", "to", src.String())
	}
}

// Addr returns the bound address.
func (r *Responder) Addr() *net.UDPAddr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops Serve.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		if r.conn != nil {
			err = r.conn.Close()
		}
	})
	return err
}

// Discover sends a probe to target, usually a broadcast address such as
// 255.255.255.255:8888, and returns the address of the first server that
// answers. It gives up with ErrServerNotFound when ctx expires.
func Discover(ctx context.Context, target string) (*net.UDPAddr, error) {
	dst, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve %q: %w", target, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP([]byte(protocol.DiscoverRequest), dst); err != nil {
		return nil, fmt.Errorf("discovery: send probe: %w", err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrServerNotFound
			}
			return nil, fmt.Errorf("discovery: read: %w", err)
		}
		if string(buf[:n]) == protocol.DiscoverResponse {
			return src, nil
		}
	}
}
