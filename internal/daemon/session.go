package daemon

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one authenticated client connection. Owned exclusively by the
// daemon; created on handshake, destroyed on disconnect or idle timeout.
type Session struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	inflight     map[string]struct{} // request ids
	closed       bool
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// TrackRequest adds a request id to the in-flight set.
func (s *Session) TrackRequest(requestID string) {
	s.mu.Lock()
	s.inflight[requestID] = struct{}{}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// UntrackRequest removes a request id from the in-flight set.
func (s *Session) UntrackRequest(requestID string) {
	s.mu.Lock()
	delete(s.inflight, requestID)
	s.mu.Unlock()
}

// InFlight returns the number of outstanding requests.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Close marks the session closed. In-flight calls continue server-side;
// their results are cached but no longer delivered.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the session's connection is gone.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sessionTable tracks live sessions.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*Session)}
}

func (t *sessionTable) create(tenantID string) *Session {
	s := &Session{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		CreatedAt:    time.Now(),
		lastActivity: time.Now(),
		inflight:     make(map[string]struct{}),
	}
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	if s, ok := t.sessions[id]; ok {
		s.Close()
		delete(t.sessions, id)
	}
	t.mu.Unlock()
}

func (t *sessionTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
