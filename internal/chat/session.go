package chat

import (
	"io"
	"sync"
	"time"
)

// SessionID identifies a session for the lifetime of the process.
type SessionID uint64

// NoSession is the originator of server generated notices.
const NoSession SessionID = 0

// DefaultSendTimeout bounds how long Enqueue waits on a full queue before
// the peer is treated as stuck.
const DefaultSendTimeout = 5 * time.Second

// Session is one accepted connection with its display name and outbound
// queue. The queue is drained by WriteLoop, the only goroutine writing to
// the connection, so concurrent broadcasts and relays never interleave.
type Session struct {
	id   SessionID
	conn Conn

	mu          sync.Mutex
	name        string
	closed      bool
	sendTimeout time.Duration
	outgoing    chan io.WriterTo
	quit        chan struct{}
	done        chan struct{}
}

func newSession(id SessionID, conn Conn, queueSize int, sendTimeout time.Duration) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Session{
		id:          id,
		conn:        conn,
		sendTimeout: sendTimeout,
		outgoing:    make(chan io.WriterTo, queueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() SessionID { return s.id }

// Conn returns the underlying connection.
func (s *Session) Conn() Conn { return s.conn }

// Name returns the display name, empty until the first frame is read.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Enqueue queues job for the writer. A job is written as one unit: nothing
// else reaches the connection until it returns.
//
// When the queue is full Enqueue waits for the writer. If no slot frees up
// within the send timeout the peer is stuck: its connection is closed, so
// its read side ends the session, and ErrQueueFull is returned.
func (s *Session) Enqueue(job io.WriterTo) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	select {
	case s.outgoing <- job:
		return nil
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.outgoing <- job:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	case <-timer.C:
		_ = s.conn.Close()
		return ErrQueueFull
	}
}

// Send queues raw wire bytes. data must not be modified afterwards.
func (s *Session) Send(data []byte) error {
	return s.Enqueue(payload(data))
}

// WriteLoop writes queued jobs until the session is closed. On the first
// write error it closes the connection, so the read side notices, and
// discards whatever is still queued. It returns that first error.
func (s *Session) WriteLoop() error {
	defer close(s.done)

	var failed error
	write := func(job io.WriterTo) {
		if failed != nil {
			return
		}
		if _, err := job.WriteTo(s.conn); err != nil {
			failed = err
			_ = s.conn.Close()
		}
	}

	for {
		select {
		case job := <-s.outgoing:
			write(job)
		case <-s.quit:
			for {
				select {
				case job := <-s.outgoing:
					write(job)
				default:
					return failed
				}
			}
		}
	}
}

// Done is closed once WriteLoop has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// close stops accepting jobs and lets WriteLoop finish. Safe to call twice.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
}

type payload []byte

func (p payload) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p)
	return int64(n), err
}
