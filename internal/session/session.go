package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/sebas/sipagent/internal/media"
)

// Status represents the lifecycle state of a SIP session
type Status int

const (
	// StatusInit is the initial state on session creation
	StatusInit Status = iota
	// StatusInviting is after an INVITE was sent or a provisional 100 received
	StatusInviting
	// StatusRinging is after a 180/183 provisional response
	StatusRinging
	// StatusConnected is after a 200 OK on INVITE or a confirming ACK
	StatusConnected
	// StatusDisconnected is after a BYE was sent or received and acknowledged
	StatusDisconnected
	// StatusFailed is after a final error response, INVITE timeout or ACK send failure
	StatusFailed
	// StatusCancelled is after an inbound CANCEL matched an in-progress dialog
	StatusCancelled
	// StatusRegistered is after a successful REGISTER exchange
	StatusRegistered
	// StatusRefreshing is reserved for session-timer renegotiation; nothing enters it
	StatusRefreshing
	// StatusRefreshFailed is reserved for session-timer renegotiation; nothing enters it
	StatusRefreshFailed
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "Init"
	case StatusInviting:
		return "Inviting"
	case StatusRinging:
		return "Ringing"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusRegistered:
		return "Registered"
	case StatusRefreshing:
		return "Refreshing"
	case StatusRefreshFailed:
		return "RefreshFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true for states after which the session is removed
// from the registry.
func (s Status) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusFailed || s == StatusCancelled
}

// DialogHandle is the opaque in-dialog request surface a session keeps into
// the SIP transport. The registry and keep-alive scheduler never look past
// these operations.
type DialogHandle interface {
	CallID() string
	SendUpdate(expiresSeconds int) error
	SendBye() error
}

// Session is one SIP dialog or call attempt. Identity and party fields are
// set at creation; protocol state is guarded by the mutex because dispatch
// handlers for the same dialog can race on retransmissions.
type Session struct {
	SessionID  string
	ClientID   string
	FromUser   string
	FromDomain string
	ToUser     string
	ToDomain   string
	SDPPort    int
	CreateTime time.Time

	mu             sync.RWMutex
	callID         string
	localAddress   string
	localPort      int
	remoteAddress  string
	remotePort     int
	sessionExpires int
	refresher      string
	dialog         DialogHandle
	status         Status
	updateTime     time.Time
	media          *media.Session
}

// newSession creates a session in StatusInit with both timestamps set.
func newSession(clientID, sessionID string) *Session {
	now := time.Now()
	return &Session{
		SessionID:  sessionID,
		ClientID:   clientID,
		CreateTime: now,
		status:     StatusInit,
		updateTime: now,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// UpdateStatus applies the new state and refreshes the update time.
// The machine is permissive: no transition is rejected, late retransmission
// handlers rely on updateTime rather than strict ordering.
func (s *Session) UpdateStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.updateTime = time.Now()
}

// UpdateTime returns when the status last changed.
func (s *Session) UpdateTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateTime
}

// CallID returns the SIP Call-ID, empty until a dialog exists.
func (s *Session) CallID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callID
}

// SetCallID assigns the SIP Call-ID once a dialog exists.
func (s *Session) SetCallID(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callID = callID
}

// Dialog returns the transport dialog handle, nil before dialog creation.
func (s *Session) Dialog() DialogHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialog
}

// SetDialog attaches the transport dialog handle.
func (s *Session) SetDialog(d DialogHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialog = d
}

// ClearDialog detaches the dialog handle after a final failure.
func (s *Session) ClearDialog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialog = nil
}

// Media returns the bound media session, nil before initialization.
func (s *Session) Media() *media.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// SetMedia binds the media session.
func (s *Session) SetMedia(m *media.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = m
}

// LocalEndpoint returns the local media binding.
func (s *Session) LocalEndpoint() (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localAddress, s.localPort
}

// SetLocalEndpoint records the local media binding.
func (s *Session) SetLocalEndpoint(addr string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localAddress = addr
	s.localPort = port
}

// RemoteEndpoint returns the negotiated remote media endpoint.
func (s *Session) RemoteEndpoint() (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteAddress, s.remotePort
}

// SetRemoteEndpoint records the negotiated remote media endpoint.
func (s *Session) SetRemoteEndpoint(addr string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAddress = addr
	s.remotePort = port
}

// SessionTimer returns the negotiated session-timer state.
func (s *Session) SessionTimer() (expiresSeconds int, refresher string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionExpires, s.refresher
}

// SetSessionTimer stores the negotiated session-timer state.
func (s *Session) SetSessionTimer(expiresSeconds int, refresher string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionExpires = expiresSeconds
	s.refresher = refresher
}
