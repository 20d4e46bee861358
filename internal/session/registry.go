// Package session owns the process-wide routing table from identity to live
// signaling connection. Every event handler goes through here to reach a
// peer, so all operations are atomic with respect to concurrent callers.
package session

import "sync"

// Conn is the outbound half of a live signaling connection. Implementations
// must make Send safe for concurrent use and non-blocking; a false return
// means the message was not queued (connection closed or backed up).
type Conn interface {
	ID() string
	Send(event string, v any) bool
}

// Identity is the authenticated user bound to a connection. Immutable for
// the connection's lifetime.
type Identity struct {
	ID       string
	Username string
	FullName string
}

// Session pairs an identity with its single live connection.
type Session struct {
	Identity Identity
	Conn     Conn

	mu     sync.Mutex
	status string
}

func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

// Registry maps user id to live session. At most one session per identity:
// a new connection supersedes the old one, and Register hands the evicted
// session back so the caller can run its disconnect cleanup.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Session)}
}

// Register installs the session for id, overwriting any previous entry.
// Returns the superseded session, if any.
func (r *Registry) Register(id Identity, conn Conn, status string) (evicted *Session) {
	s := &Session{Identity: id, Conn: conn, status: status}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.byUser[id.ID]
	r.byUser[id.ID] = s
	return evicted
}

func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// Unregister removes the entry for userID only if it still belongs to conn.
// This keeps a superseded connection's late disconnect from tearing down the
// session that replaced it. Idempotent; reports whether an entry was removed.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	if !ok || s.Conn != conn {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// SetStatus updates the presence status of a registered identity.
// Reports whether the identity had a live session.
func (r *Registry) SetStatus(userID, status string) bool {
	r.mu.RLock()
	s, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.setStatus(status)
	return true
}

func (r *Registry) GetStatus(userID string) (string, bool) {
	r.mu.RLock()
	s, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return s.Status(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
