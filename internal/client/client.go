// Package client implements the terminal chat client.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omochice/lan-chat/internal/chat"
	"github.com/omochice/lan-chat/internal/discovery"
	"github.com/omochice/lan-chat/internal/staging"
	"github.com/omochice/lan-chat/internal/transport/tcp"
	"github.com/omochice/lan-chat/internal/transport/ws"
	"github.com/omochice/lan-chat/pkg/protocol"
)

var ErrNotConnected = errors.New("client: not connected to server")

// EventKind represents the type of a client event
type EventKind int

const (
	EventMessage EventKind = iota
	EventFile
	EventStatus
	EventDisconnected
)

// Event is something the user should see.
type Event struct {
	Kind EventKind
	Text string
	File *ReceivedFile
	Err  error
}

// ReceivedFile is a file saved from the chat.
type ReceivedFile struct {
	Name     string
	Path     string
	Size     int64
	MimeType string
	At       time.Time
}

// Client represents a chat client speaking one codec over TCP or
// WebSocket.
type Client struct {
	address   string
	username  string
	codec     protocol.Codec
	chunkSize int
	store     *staging.Store
	log       *slog.Logger

	mu       sync.RWMutex
	conn     chat.Conn
	received []ReceivedFile

	// writeMu keeps a file upload from interleaving with chat lines.
	writeMu sync.Mutex

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a client. address is host:port or a ws:// URL. Files are sent
// in pieces of at most chunkSize bytes and received files are saved under
// downloadDir.
func New(address, username string, codec protocol.Codec, chunkSize int, downloadDir string, log *slog.Logger) (*Client, error) {
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	store, err := staging.New(downloadDir, log)
	if err != nil {
		return nil, err
	}
	return &Client{
		address:   address,
		username:  username,
		codec:     codec,
		chunkSize: chunkSize,
		store:     store,
		log:       log,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}, nil
}

// Connect dials the server, sends the display name and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	if _, err := conn.Write(c.codec.DisplayName(c.username)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to send display name: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receive(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (chat.Conn, error) {
	if strings.HasPrefix(c.address, "ws://") || strings.HasPrefix(c.address, "wss://") {
		conn, err := ws.Dial(ctx, c.address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, err
	}
	return tcp.NewConn(conn), nil
}

// Disconnect closes the connection to the server
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Events returns the channel of incoming messages and status updates.
// It is closed when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Received lists the files saved so far, oldest first.
func (c *Client) Received() []ReceivedFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ReceivedFile(nil), c.received...)
}

// SendMessage sends a chat line.
func (c *Client) SendMessage(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(c.codec.Text(text))
}

// SendFile uploads the file at path as header, chunks and final marker.
func (c *Client) SendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	name := staging.SafeName(path)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.write(c.codec.FileHeader(name)); err != nil {
		return err
	}
	buf := make([]byte, c.chunkSize)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := c.write(c.codec.FileChunk(buf[:n], false)); werr != nil {
				return werr
			}
			sent += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// Close the transfer so the server stays in sync.
			_ = c.write(c.codec.FileChunk(nil, true))
			return fmt.Errorf("failed to read file: %w", err)
		}
	}
	if err := c.write(c.codec.FileChunk(nil, true)); err != nil {
		return err
	}
	c.log.Debug("File sent", "file", name, "size", sent)
	return nil
}

func (c *Client) write(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// receive decodes frames from the server until the connection ends.
func (c *Client) receive(conn chat.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	dec := c.codec.NewDecoder(conn, protocol.StateIdle)
	for {
		frame, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrFraming) {
				c.emit(Event{Kind: EventStatus, Text: "ignored malformed data from server", Err: err})
				continue
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			select {
			case <-c.done:
			default:
				c.emit(Event{Kind: EventDisconnected, Text: "disconnected from server", Err: err})
			}
			return
		}

		switch frame.Kind {
		case protocol.FrameText:
			c.emit(Event{Kind: EventMessage, Text: frame.Text})
		case protocol.FrameFileHeader:
			file, err := c.download(frame.Text, dec)
			if err != nil {
				if !chat.IsSessionFatal(err) {
					c.emit(Event{Kind: EventStatus, Text: "failed to save " + frame.Text, Err: err})
				}
				// A stream error surfaces again on the next read.
				continue
			}
			c.mu.Lock()
			c.received = append(c.received, file)
			c.mu.Unlock()
			c.emit(Event{Kind: EventFile, Text: "received file " + file.Name, File: &file})
		}
	}
}

// download saves the chunks following a header.
func (c *Client) download(name string, dec protocol.Decoder) (ReceivedFile, error) {
	file, createErr := c.store.Create(name)
	var failed error
	if createErr != nil {
		failed = fmt.Errorf("%w: %w", chat.ErrStaging, createErr)
	}
	for {
		frame, err := dec.Next()
		if err != nil {
			if failed == nil {
				_ = file.Abort()
			}
			if errors.Is(err, protocol.ErrFraming) {
				if failed == nil {
					failed = err
				}
				continue
			}
			return ReceivedFile{}, err
		}
		if failed == nil && len(frame.Data) > 0 {
			if _, err := file.Write(frame.Data); err != nil {
				_ = file.Abort()
				failed = fmt.Errorf("%w: %w", chat.ErrStaging, err)
			}
		}
		if frame.Final {
			break
		}
	}
	if failed != nil {
		return ReceivedFile{}, failed
	}

	staged, err := file.Commit()
	if err != nil {
		return ReceivedFile{}, fmt.Errorf("%w: %w", chat.ErrStaging, err)
	}
	return ReceivedFile{
		Name:     staged.Name,
		Path:     staged.Path,
		Size:     staged.Size,
		MimeType: staged.MimeType,
		At:       time.Now(),
	}, nil
}

// emit delivers ev unless the client is shutting down.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// ResolveServer returns server when set. Otherwise it broadcasts a
// discovery probe to discoveryAddr and returns the responder's host with
// the given chat port.
func ResolveServer(ctx context.Context, server, discoveryAddr string, port int) (string, error) {
	if server != "" {
		return server, nil
	}
	addr, err := discovery.Discover(ctx, discoveryAddr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(port)), nil
}
