package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "souk/contracts/chat/v1"
)

// Registry maps authenticated user identities to their live connections.
//
// A user may hold several simultaneous connections (multi-device); all of
// them receive user-targeted sends. The Registry is constructed at server
// start and injected wherever it is needed; it is never a package global.
//
// Concurrency: a single mutex guards both maps; senders take a snapshot under
// the lock and enqueue after releasing it.
type Registry struct {
	log *slog.Logger

	mu     sync.RWMutex
	byUser map[string]map[string]*Client // user id -> session id -> client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		byUser: make(map[string]map[string]*Client),
	}
}

// Register adds a client and returns the user's connection count after the
// add. A return of 1 marks an offline-to-online transition.
func (r *Registry) Register(c *Client) int {
	if r == nil || c == nil || c.UserID == "" || c.SessionID == "" {
		return 0
	}

	r.mu.Lock()
	sessions := r.byUser[c.UserID]
	if sessions == nil {
		sessions = make(map[string]*Client, 2)
		r.byUser[c.UserID] = sessions
	}
	sessions[c.SessionID] = c
	n := len(sessions)
	r.mu.Unlock()

	r.log.Info("registry.connect", "user_id", c.UserID, "session_id", c.SessionID, "connections", n)
	return n
}

// Deregister removes a session and returns the user's remaining connection
// count. A return of 0 marks an online-to-offline transition.
func (r *Registry) Deregister(userID, sessionID string) int {
	if r == nil || userID == "" || sessionID == "" {
		return 0
	}

	r.mu.Lock()
	sessions := r.byUser[userID]
	delete(sessions, sessionID)
	n := len(sessions)
	if n == 0 {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	r.log.Info("registry.disconnect", "user_id", userID, "session_id", sessionID, "connections", n)
	return n
}

// Send delivers an envelope to every live connection of userID, best-effort.
// It returns the number of connections reached; 0 simply means the user is
// offline and is not an error.
func (r *Registry) Send(userID string, env v1.Envelope) int {
	if r == nil || userID == "" {
		return 0
	}

	r.mu.RLock()
	snap := make([]*Client, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		snap = append(snap, c)
	}
	r.mu.RUnlock()

	reached := 0
	for _, c := range snap {
		if c.TryEnqueue(env) {
			reached++
		}
	}
	return reached
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	if r == nil || userID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns a sorted snapshot of currently connected user ids.
// Callers needing live updates must rely on the broadcast presence events.
func (r *Registry) OnlineUsers() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sessions := range r.byUser {
		n += len(sessions)
	}
	return n
}
