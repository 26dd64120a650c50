package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSessionNotFound means no session matched the given identifiers.
var ErrSessionNotFound = errors.New("session not found")

// ClientTransport is the per-client SIP stack the registry tears down when
// the client's last session is removed. Close drains the client's outbound
// worker pool and shuts down its transport listener.
type ClientTransport interface {
	ID() string
	Close() error
}

// Registry is the concurrent store of clientId -> sessionId -> Session plus
// the clientId -> transport map. It owns the cascading-teardown rule:
// removing the session that leaves a client empty destroys that client.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]map[string]*Session
	clients   map[string]ClientTransport
	keepalive *KeepAlive
}

// NewRegistry creates an empty registry sharing the given keep-alive scheduler.
func NewRegistry(keepalive *KeepAlive) *Registry {
	return &Registry{
		sessions:  make(map[string]map[string]*Session),
		clients:   make(map[string]ClientTransport),
		keepalive: keepalive,
	}
}

// KeepAlive exposes the shared keep-alive scheduler.
func (r *Registry) KeepAlive() *KeepAlive {
	return r.keepalive
}

// RegisterClient stores the transport handle for a client identity.
func (r *Registry) RegisterClient(ct ClientTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[ct.ID()] = ct
	if r.sessions[ct.ID()] == nil {
		r.sessions[ct.ID()] = make(map[string]*Session)
	}
	slog.Info("[Registry] Client registered", "client_id", ct.ID())
}

// Client returns the transport handle for a client identity.
func (r *Registry) Client(clientID string) (ClientTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.clients[clientID]
	return ct, ok
}

// CreateSession creates a session in StatusInit under the owning client.
// sessionId must be unique per client.
func (r *Registry) CreateSession(clientID, sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[clientID] == nil {
		r.sessions[clientID] = make(map[string]*Session)
	}
	if _, exists := r.sessions[clientID][sessionID]; exists {
		return nil, fmt.Errorf("session %s already exists for client %s", sessionID, clientID)
	}

	s := newSession(clientID, sessionID)
	r.sessions[clientID][sessionID] = s

	slog.Debug("[Registry] Session created", "client_id", clientID, "session_id", sessionID)
	return s, nil
}

// GetSession returns the session under (clientId, sessionId).
func (r *Registry) GetSession(clientID, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[clientID][sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s session %s", ErrSessionNotFound, clientID, sessionID)
	}
	return s, nil
}

// GetClientSessions returns all sessions owned by a client.
func (r *Registry) GetClientSessions(clientID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions[clientID]))
	for _, s := range r.sessions[clientID] {
		out = append(out, s)
	}
	return out
}

// AllSessions returns every session across all clients.
func (r *Registry) AllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, m := range r.sessions {
		for _, s := range m {
			out = append(out, s)
		}
	}
	return out
}

// FindByCallID scans for the session carrying the given SIP Call-ID.
func (r *Registry) FindByCallID(callID string) (*Session, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: empty call id", ErrSessionNotFound)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.sessions {
		for _, s := range m {
			if s.CallID() == callID {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: call id %s", ErrSessionNotFound, callID)
}

// RemoveSession removes a session from the registry. If that leaves the
// owning client with zero sessions the client is destroyed as well, so a
// single-call client cannot leak its transport. The emptiness check and the
// removal happen under one lock to keep the cascade race-free.
func (r *Registry) RemoveSession(clientID, sessionID string) {
	r.mu.Lock()
	m, ok := r.sessions[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := m[sessionID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(m, sessionID)
	remaining := len(m)
	r.mu.Unlock()

	slog.Debug("[Registry] Session removed", "client_id", clientID, "session_id", sessionID, "remaining", remaining)

	if remaining == 0 {
		slog.Info("[Registry] Last session removed, destroying client", "client_id", clientID)
		r.DestroyClient(clientID)
	}
}

// RemoveClientSessions detaches and returns all sessions of a client
// without triggering teardown. Used inside the destroy path.
func (r *Registry) RemoveClientSessions(clientID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.sessions[clientID]
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	delete(r.sessions, clientID)
	return out
}

// DestroyClient tears down one client: stop its keep-alive tasks, BYE and
// disconnect its connected sessions, stop their media, then close the
// transport (which drains the worker pool). Every step is best-effort;
// a failure is logged and the remaining steps still run. Idempotent.
func (r *Registry) DestroyClient(clientID string) {
	r.mu.Lock()
	ct := r.clients[clientID]
	delete(r.clients, clientID)
	m := r.sessions[clientID]
	sessions := make([]*Session, 0, len(m))
	for _, s := range m {
		sessions = append(sessions, s)
	}
	delete(r.sessions, clientID)
	r.mu.Unlock()

	if ct == nil && len(sessions) == 0 {
		return
	}

	slog.Info("[Registry] Destroying client", "client_id", clientID, "sessions", len(sessions))

	r.keepalive.StopClient(clientID)

	for _, s := range sessions {
		if s.Status() == StatusConnected {
			if d := s.Dialog(); d != nil {
				if err := d.SendBye(); err != nil {
					slog.Warn("[Registry] Failed to send BYE during teardown",
						"client_id", clientID, "session_id", s.SessionID, "error", err.Error())
				}
			}
			s.UpdateStatus(StatusDisconnected)
		}
		if ms := s.Media(); ms != nil {
			ms.Stop()
		}
	}

	if ct != nil {
		if err := ct.Close(); err != nil {
			slog.Warn("[Registry] Transport teardown failed", "client_id", clientID, "error", err.Error())
		}
	}
}

// DestroyAllClients tears down every known client.
func (r *Registry) DestroyAllClients() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	for id := range r.sessions {
		if _, ok := r.clients[id]; !ok {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.DestroyClient(id)
	}
}
