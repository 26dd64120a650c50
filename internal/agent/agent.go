// Package agent ties the SIP clients, the session registry and the
// keep-alive scheduler together behind one orchestration surface used by
// the HTTP API and the daemon entry point.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/sebas/sipagent/internal/agent/config"
	"github.com/sebas/sipagent/internal/logger"
	"github.com/sebas/sipagent/internal/metrics"
	"github.com/sebas/sipagent/internal/notify"
	"github.com/sebas/sipagent/internal/session"
	"github.com/sebas/sipagent/internal/sipclient"
)

// CallRequest describes an origination request coming from the API.
type CallRequest struct {
	ClientID   string `json:"client_id"`
	FromUser   string `json:"from_user"`
	FromDomain string `json:"from_domain"`
	ToUser     string `json:"to_user"`
	ToDomain   string `json:"to_domain"`

	// SIPPort is the local SIP port the client identity listens on. New
	// clients default to the configured port.
	SIPPort int `json:"sip_port,omitempty"`

	// SDPPort is the local RTP port offered for the call.
	SDPPort int `json:"sdp_port"`

	// Wait blocks the request until the INVITE transaction finishes.
	Wait bool `json:"wait,omitempty"`
}

// CallResult reports the session created for a call.
type CallResult struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
}

// SessionInfo is the API view of one tracked session.
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	ClientID   string `json:"client_id"`
	CallID     string `json:"call_id,omitempty"`
	Status     string `json:"status"`
	FromUser   string `json:"from_user,omitempty"`
	ToUser     string `json:"to_user,omitempty"`
	LocalAddr  string `json:"local_addr,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	CreateTime string `json:"create_time"`
	UpdateTime string `json:"update_time"`
}

const callSyncTimeout = 65 * time.Second

// Agent owns every SIP client identity in the process.
type Agent struct {
	cfg       *config.Config
	registry  *session.Registry
	keepalive *session.KeepAlive
	notifier  *notify.Notifier

	// mu serializes client creation so two calls for a new client id do
	// not race two transports onto the same port.
	mu sync.Mutex
}

func New(cfg *config.Config) *Agent {
	keepalive := session.NewKeepAlive()
	return &Agent{
		cfg:       cfg,
		registry:  session.NewRegistry(keepalive),
		keepalive: keepalive,
		notifier:  notify.New(cfg.NotifyURL),
	}
}

// Registry exposes the shared session registry.
func (a *Agent) Registry() *session.Registry {
	return a.registry
}

// Call ensures the client identity exists and originates the call through
// it.
func (a *Agent) Call(req CallRequest) (*CallResult, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	client, err := a.ensureClient(req.ClientID, req.SIPPort)
	if err != nil {
		return nil, err
	}

	params := sipclient.CallParams{
		FromUser:   req.FromUser,
		FromDomain: req.FromDomain,
		ToUser:     req.ToUser,
		ToDomain:   req.ToDomain,
		SDPPort:    req.SDPPort,
	}

	var sess *session.Session
	if req.Wait {
		sess, err = client.CallSync(params, callSyncTimeout)
	} else {
		sess, err = client.Call(params)
	}
	if err != nil {
		return nil, err
	}
	a.updateSessionGauge()

	return &CallResult{
		SessionID: sess.SessionID,
		CallID:    sess.CallID(),
		Status:    sess.Status().String(),
	}, nil
}

// Register ensures the client identity exists and registers it with the
// given registrar.
func (a *Agent) Register(clientID, registrar, user string) error {
	client, err := a.ensureClient(clientID, 0)
	if err != nil {
		return err
	}
	defer a.updateSessionGauge()
	return client.Register(registrar, user)
}

// EndSession tears one session down, sending BYE when it is connected.
func (a *Agent) EndSession(clientID, sessionID string) error {
	sess, err := a.registry.GetSession(clientID, sessionID)
	if err != nil {
		return err
	}
	if d := sess.Dialog(); d != nil && sess.Status() == session.StatusConnected {
		if err := d.SendBye(); err != nil {
			logger.Warn("[Agent] BYE failed during session end",
				"client_id", clientID, "session_id", sessionID, "error", err)
		}
	}
	if m := sess.Media(); m != nil {
		m.Stop()
	}
	sess.UpdateStatus(session.StatusDisconnected)
	a.registry.RemoveSession(clientID, sessionID)
	a.updateSessionGauge()
	return nil
}

// DestroyClient tears down every session of the client and its transport.
func (a *Agent) DestroyClient(clientID string) {
	a.registry.DestroyClient(clientID)
	a.updateSessionGauge()
}

// DestroyAll tears everything down, used by the API and by shutdown.
func (a *Agent) DestroyAll() {
	a.registry.DestroyAllClients()
	a.updateSessionGauge()
}

// Sessions returns a snapshot of every tracked session.
func (a *Agent) Sessions() []SessionInfo {
	sessions := a.registry.AllSessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		localAddr, localPort := s.LocalEndpoint()
		remoteAddr, remotePort := s.RemoteEndpoint()
		info := SessionInfo{
			SessionID:  s.SessionID,
			ClientID:   s.ClientID,
			CallID:     s.CallID(),
			Status:     s.Status().String(),
			FromUser:   s.FromUser,
			ToUser:     s.ToUser,
			CreateTime: s.CreateTime.Format(time.RFC3339),
			UpdateTime: s.UpdateTime().Format(time.RFC3339),
		}
		if localAddr != "" {
			info.LocalAddr = fmt.Sprintf("%s:%d", localAddr, localPort)
		}
		if remoteAddr != "" {
			info.RemoteAddr = fmt.Sprintf("%s:%d", remoteAddr, remotePort)
		}
		infos = append(infos, info)
	}
	metrics.SessionsActive.Set(float64(len(infos)))
	return infos
}

// Shutdown stops the keep-alive scheduler and destroys every client.
func (a *Agent) Shutdown() {
	logger.Info("[Agent] Shutting down")
	a.keepalive.Shutdown()
	a.registry.DestroyAllClients()
}

func (a *Agent) ensureClient(clientID string, sipPort int) (*sipclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ct, ok := a.registry.Client(clientID); ok {
		client, ok := ct.(*sipclient.Client)
		if !ok {
			return nil, fmt.Errorf("client %s has an unexpected transport type", clientID)
		}
		return client, nil
	}

	if sipPort == 0 {
		sipPort = a.cfg.SIPPort
	}
	client, err := sipclient.New(sipclient.Config{
		ClientID:       clientID,
		BindIP:         a.cfg.BindAddr,
		Port:           sipPort,
		UASHost:        a.cfg.UASHost,
		AuthUser:       a.cfg.AuthUser,
		AuthPassword:   a.cfg.AuthPassword,
		GreetingFile:   a.cfg.GreetingFile,
		PoolMinWorkers: a.cfg.PoolMinWorkers,
		PoolMaxWorkers: a.cfg.PoolMaxWorkers,
		PoolQueueSize:  a.cfg.PoolQueueSize,
	}, a.registry, a.notifier)
	if err != nil {
		return nil, fmt.Errorf("creating client %s: %w", clientID, err)
	}
	a.registry.RegisterClient(client)
	return client, nil
}

func (a *Agent) updateSessionGauge() {
	metrics.SessionsActive.Set(float64(len(a.registry.AllSessions())))
}
