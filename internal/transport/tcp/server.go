package tcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("tcp: server closed")

// Server accepts TCP connections and hands each one to a handler running
// in its own goroutine.
type Server struct {
	address  string
	handle   func(net.Conn)
	log      *slog.Logger
	listener net.Listener
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a TCP server calling handle for every accepted connection.
// handle owns the connection; the server only closes it on Stop.
func New(address string, handle func(net.Conn), log *slog.Logger) *Server {
	return &Server{
		address: address,
		handle:  handle,
		log:     log,
		quit:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("TCP server started", "address", listener.Addr().String())
	return nil
}

// Serve runs the accept loop until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return ErrServerClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("Failed to accept TCP connection", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Start listens and serves. It blocks like the accept loop does.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every open connection, then waits for all
// handlers to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.quit)
		for conn := range s.conns {
			_ = conn.Close()
		}
		listener := s.listener
		s.mu.Unlock()
		if listener != nil {
			_ = listener.Close()
		}
	})
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
