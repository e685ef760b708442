package session

import (
	"sync"
	"time"
)

// Profile mirrors an active web session
type Profile struct {
	SessionID string    `json:"sessionId"`
	ChatID    int64     `json:"chatId"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"firstName,omitempty"`
	LinkedAt  time.Time `json:"linkedAt"`
}

// Registry tracks which sessions are still valid. A token whose session is
// missing here is rejected even if its signature verifies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Profile
	now      func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Profile),
		now:      time.Now,
	}
}

// Register records the session, replacing any previous entry under the same ID
func (r *Registry) Register(sessionID string, chat ChatProfile) Profile {
	p := Profile{
		SessionID: sessionID,
		ChatID:    chat.ChatID,
		Username:  chat.Username,
		FirstName: chat.FirstName,
		LinkedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	r.sessions[sessionID] = p
	r.mu.Unlock()
	return p
}

// Lookup returns the session profile if it is registered
func (r *Registry) Lookup(sessionID string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sessions[sessionID]
	return p, ok
}

// Revoke removes the session. It reports whether anything was removed.
func (r *Registry) Revoke(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
