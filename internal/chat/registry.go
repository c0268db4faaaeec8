package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Sessions is the view of the registry used by the broadcaster, the relay
// and the session handler.
type Sessions interface {
	Add(conn Conn) SessionID
	Get(id SessionID) (*Session, bool)
	SetName(id SessionID, name string)
	Remove(id SessionID)
	Snapshot() []*Session
	Count() int
}

// Registry owns all live sessions. Every operation takes the same mutex,
// held only for the map operation itself.
type Registry struct {
	mu          sync.Mutex
	lastID      SessionID
	sessions    map[SessionID]*Session
	queueSize   int
	sendTimeout time.Duration
}

var _ Sessions = (*Registry)(nil)

// NewRegistry creates a registry whose sessions buffer up to queueSize
// outbound jobs.
func NewRegistry(queueSize int) *Registry {
	return &Registry{
		sessions:    make(map[SessionID]*Session),
		queueSize:   queueSize,
		sendTimeout: DefaultSendTimeout,
	}
}

// WithSendTimeout sets how long a full session queue may block a sender
// before that session's connection is closed.
func (r *Registry) WithSendTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendTimeout = d
	return r
}

// Add registers conn under a new, strictly increasing id.
func (r *Registry) Add(conn Conn) SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	id := r.lastID
	r.sessions[id] = newSession(id, conn, r.queueSize, r.sendTimeout)
	return id
}

// Get returns the live session registered under id.
func (r *Registry) Get(id SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SetName records the display name of a session. Unknown ids are ignored.
func (r *Registry) SetName(id SessionID, name string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.setName(name)
	}
}

// Remove unregisters a session and closes its outbound queue within the
// same critical section, so no later snapshot can hand it out. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	s.close()
}

// Snapshot returns the live sessions ordered by id. The slice is a copy.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := lo.Values(r.sessions)
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}

// Count returns number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
