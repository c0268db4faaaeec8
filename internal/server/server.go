// Package server wires the chat core to its listeners: one TCP port that
// also accepts WebSocket upgrades, and the UDP discovery responder.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/omochice/lan-chat/internal/chat"
	"github.com/omochice/lan-chat/internal/config"
	"github.com/omochice/lan-chat/internal/discovery"
	"github.com/omochice/lan-chat/internal/ledger"
	"github.com/omochice/lan-chat/internal/staging"
	"github.com/omochice/lan-chat/internal/transport/tcp"
	"github.com/omochice/lan-chat/internal/transport/ws"
)

// Server owns every component of a running chat server.
type Server struct {
	cfg       config.Config
	log       *slog.Logger
	registry  *chat.Registry
	handler   *chat.Handler
	ledger    *ledger.Ledger
	tcp       *tcp.Server
	responder *discovery.Responder

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a server from cfg. The staging directory is created and the
// ledger opened; nothing listens until Listen.
func New(cfg config.Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}
	store, err := staging.New(cfg.StagingDir, log)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.LedgerPath, log)
	if err != nil {
		return nil, err
	}
	if cfg.InspectPort > 0 {
		l.Inspect(cfg.InspectPort)
	}

	registry := chat.NewRegistry(cfg.QueueSize).WithSendTimeout(cfg.SendTimeout)
	broadcaster := chat.NewBroadcaster(registry, codec, log)
	relay := chat.NewRelay(registry, codec, store, cfg.ChunkSize, log).WithRecorder(l)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		handler:   chat.NewHandler(registry, broadcaster, relay, codec, log),
		ledger:    l,
		responder: discovery.NewResponder(cfg.DiscoveryAddress(), log),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.tcp = tcp.New(cfg.Address(), s.handleConn, log)

	log.Info("Server configured",
		"protocol", codec.String(),
		"websocket", cfg.WebSocket,
		"staging_dir", store.Dir())
	return s, nil
}

// Listen binds the TCP and UDP sockets.
func (s *Server) Listen() error {
	if err := s.tcp.Listen(); err != nil {
		return err
	}
	if err := s.responder.Listen(); err != nil {
		s.tcp.Stop()
		return err
	}
	return nil
}

// Serve runs the discovery responder and the accept loop until Stop.
func (s *Server) Serve() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.responder.Serve(); err != nil {
			s.log.Error("Discovery responder stopped", "error", err)
		}
	}()

	err := s.tcp.Serve()
	if errors.Is(err, tcp.ErrServerClosed) {
		return nil
	}
	return err
}

// Start listens and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Run starts the server and stops it when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		s.Stop()
		return err
	}
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve()
	}()

	select {
	case err := <-errChan:
		s.Stop()
		return err
	case <-ctx.Done():
		s.log.Info("Shutting down")
		s.Stop()
		return <-errChan
	}
}

// Stop closes all listeners and sessions and waits for them to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.tcp.Stop()
		if err := s.responder.Close(); err != nil {
			s.log.Debug("Closing discovery socket", "error", err)
		}
		s.wg.Wait()
		if err := s.ledger.Close(); err != nil {
			s.log.Error("Failed to close ledger", "error", err)
		}
		s.log.Info("Server stopped")
	})
}

// Addr returns the TCP listening address.
func (s *Server) Addr() string {
	return s.tcp.Addr()
}

// DiscoveryAddr returns the UDP address of the discovery responder.
func (s *Server) DiscoveryAddr() *net.UDPAddr {
	return s.responder.Addr()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Transfers returns up to limit relayed files, newest first.
func (s *Server) Transfers(limit int) ([]ledger.Transfer, error) {
	transfers, err := s.ledger.Recent(limit)
	if err != nil {
		return nil, fmt.Errorf("reading transfer ledger: %w", err)
	}
	return transfers, nil
}

// handleConn determines whether the connection is a WebSocket upgrade or a
// raw chat stream, then runs the session until it ends.
func (s *Server) handleConn(conn net.Conn) {
	kind, reader, err := detectProtocol(conn)
	if err != nil {
		s.log.Debug("Connection closed before first byte", "remote_addr", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}

	var c chat.Conn
	if kind == protocolHTTP && s.cfg.WebSocket {
		wc, err := ws.Accept(conn, reader)
		if err != nil {
			s.log.Warn("Failed to accept WebSocket connection", "remote_addr", conn.RemoteAddr().String(), "error", err)
			_ = conn.Close()
			return
		}
		c = wc
	} else {
		c = tcp.NewConnWithReader(conn, reader)
	}

	s.log.Debug("Client connected", "remote_addr", c.RemoteAddr(), "websocket", kind == protocolHTTP && s.cfg.WebSocket)
	s.handler.Serve(s.ctx, c)
}
