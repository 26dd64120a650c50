package sipclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/sipagent/internal/logger"
	"github.com/sebas/sipagent/internal/metrics"
	"github.com/sebas/sipagent/internal/notify"
	"github.com/sebas/sipagent/internal/session"
)

// Config carries everything a single SIP client identity needs to listen,
// originate and register.
type Config struct {
	ClientID string

	// BindIP and Port form the local SIP listening point.
	BindIP string
	Port   int

	// UASHost overrides the request destination for outbound INVITEs,
	// host or host:port. Empty means route by Request-URI.
	UASHost string

	// Digest credentials for registration challenges.
	AuthUser     string
	AuthPassword string

	// GreetingFile is a WAV played into answered outbound calls.
	GreetingFile string

	PoolMinWorkers int
	PoolMaxWorkers int
	PoolQueueSize  int
}

type requestHandler func(req *sip.Request, tx sip.ServerTransaction)

type responseHandler func(rc *responseCtx)

// responseCtx bundles a routed response with the dialog state it belongs to.
type responseCtx struct {
	resp   *sip.Response
	invite *sip.Request
	dialog *Dialog
}

// Client owns one SIP identity: its own user agent, transaction layers,
// worker pool and dispatch tables. It satisfies session.ClientTransport so
// the registry can tear it down when its last session goes away.
type Client struct {
	id  string
	cfg Config

	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	uac      *sipgo.Client
	dialogUA *sipgo.DialogUA
	contact  sip.ContactHeader

	registry *session.Registry
	notifier *notify.Notifier
	pool     *workerPool

	reqHandlers  map[sip.RequestMethod]requestHandler
	respHandlers map[sip.RequestMethod]responseHandler

	// pendingInvites holds inbound INVITE transactions that have not yet
	// received a final response, keyed by Call-ID, so CANCEL can answer
	// them with 487.
	pendingInvites sync.Map

	// dialogs holds established dialogs keyed by Call-ID.
	dialogs sync.Map

	// timerNegotiated marks calls whose early UPDATE negotiation already
	// ran, so repeated 180s do not renegotiate.
	timerNegotiated sync.Map

	cancel context.CancelFunc
	closed atomic.Bool
}

// New builds a client and starts its SIP listener.
func New(cfg Config, registry *session.Registry, notifier *notify.Notifier) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.PoolMinWorkers == 0 {
		cfg.PoolMinWorkers = 2
	}
	if cfg.PoolMaxWorkers == 0 {
		cfg.PoolMaxWorkers = 8
	}
	if cfg.PoolQueueSize == 0 {
		cfg.PoolQueueSize = 32
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}

	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}

	c := &Client{
		id:       cfg.ClientID,
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		uac:      uac,
		registry: registry,
		notifier: notifier,
		pool:     newWorkerPool(cfg.PoolMinWorkers, cfg.PoolMaxWorkers, cfg.PoolQueueSize),
	}

	c.contact = sip.ContactHeader{
		Address: sip.Uri{
			User: cfg.ClientID,
			Host: cfg.BindIP,
			Port: cfg.Port,
		},
	}
	c.dialogUA = &sipgo.DialogUA{
		Client:     uac,
		ContactHDR: c.contact,
	}

	c.reqHandlers = map[sip.RequestMethod]requestHandler{
		sip.INVITE:    c.handleInvite,
		sip.ACK:       c.handleAck,
		sip.BYE:       c.handleBye,
		sip.CANCEL:    c.handleCancel,
		sip.REGISTER:  c.handleRegisterRequest,
		sip.SUBSCRIBE: c.handleSubscribe,
		sip.INFO:      c.handleInfo,
		sip.MESSAGE:   c.handleMessage,
	}
	c.respHandlers = map[sip.RequestMethod]responseHandler{
		sip.INVITE:   c.handleInviteResponse,
		sip.REGISTER: c.handleRegisterResponse,
		sip.UPDATE:   c.handleUpdateResponse,
		sip.BYE:      c.handleByeResponse,
		sip.CANCEL:   c.handleCancelResponse,
	}

	for method := range c.reqHandlers {
		srv.OnRequest(method, c.dispatchRequest)
	}
	srv.OnRequest(sip.UPDATE, c.dispatchRequest)
	srv.OnRequest(sip.OPTIONS, c.dispatchRequest)
	srv.OnRequest(sip.NOTIFY, c.dispatchRequest)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	addr := fmt.Sprintf("%s:%d", cfg.BindIP, cfg.Port)
	go func() {
		if err := srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
			logger.Error("[SIPClient] Listener stopped", "client_id", c.id, "address", addr, "error", err)
		}
	}()

	logger.Info("[SIPClient] Client started", "client_id", c.id, "address", addr)
	return c, nil
}

func (c *Client) ID() string {
	return c.id
}

// Close stops the listener immediately and drains the worker pool in the
// background. The drain cannot run inline: teardown is often triggered from
// a pool task (a failed call removing its own session), and waiting on the
// pool from inside it would stall until the drain timed out. Safe to call
// more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	go func() {
		c.pool.Shutdown(5 * time.Second)
		if err := c.ua.Close(); err != nil {
			logger.Warn("[SIPClient] Transport close failed", "client_id", c.id, "error", err)
		}
		logger.Info("[SIPClient] Client closed", "client_id", c.id)
	}()
	return nil
}

// dispatchRequest is the single entry point for every inbound request. It
// looks the method up in the handler table, falls back to the default
// handler, and converts panics into a 500 so a bad message cannot take the
// process down.
func (c *Client) dispatchRequest(req *sip.Request, tx sip.ServerTransaction) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[SIPClient] Handler panic",
				"client_id", c.id, "method", req.Method.String(), "panic", fmt.Sprint(r))
			resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			if err := tx.Respond(resp); err != nil {
				logger.Error("[SIPClient] Failed to send 500", "error", err)
			}
		}
	}()

	metrics.InboundRequests.WithLabelValues(req.Method.String()).Inc()
	logger.Debug("[SIPClient] Request received",
		"client_id", c.id, "method", req.Method.String(), "call_id", requestCallID(req))

	handler, ok := c.reqHandlers[req.Method]
	if !ok {
		handler = c.handleDefault
	}
	handler(req, tx)
}

// routeResponse dispatches a response by the method in its CSeq header.
func (c *Client) routeResponse(rc *responseCtx) {
	cseq := rc.resp.CSeq()
	if cseq == nil {
		logger.Warn("[SIPClient] Response without CSeq dropped", "client_id", c.id)
		return
	}
	handler, ok := c.respHandlers[cseq.MethodName]
	if !ok {
		handler = c.handleOtherResponse
	}
	handler(rc)
}

// sendAndRoute runs a non-INVITE client transaction and feeds every response
// through the dispatch table. It returns an error when the transaction never
// produced a final response.
func (c *Client) sendAndRoute(req *sip.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.uac.TransactionRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("sending %s: %w", req.Method.String(), err)
	}
	defer tx.Terminate()

	dialog := c.dialogForCallID(requestCallID(req))
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return fmt.Errorf("%s transaction ended without final response", req.Method.String())
			}
			c.routeResponse(&responseCtx{resp: resp, invite: req, dialog: dialog})
			if resp.StatusCode >= 200 {
				if resp.StatusCode >= 300 {
					return fmt.Errorf("%s rejected with %d %s", req.Method.String(), resp.StatusCode, resp.Reason)
				}
				return nil
			}
		case <-tx.Done():
			return fmt.Errorf("%s transaction terminated", req.Method.String())
		case <-ctx.Done():
			return fmt.Errorf("%s timed out: %w", req.Method.String(), ctx.Err())
		}
	}
}

// clearCallState drops the per-call bookkeeping a finished call leaves
// behind in the client maps.
func (c *Client) clearCallState(callID string) {
	c.dialogs.Delete(callID)
	c.timerNegotiated.Delete(callID)
}

func (c *Client) dialogForCallID(callID string) *Dialog {
	if v, ok := c.dialogs.Load(callID); ok {
		return v.(*Dialog)
	}
	return nil
}

func (c *Client) sessionForCallID(callID string) *session.Session {
	sess, err := c.registry.FindByCallID(callID)
	if err != nil {
		return nil
	}
	return sess
}

func requestCallID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func responseCallID(resp *sip.Response) string {
	if h := resp.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func generateCallID() string {
	return uuid.New().String()
}

func generateTag() string {
	return uuid.New().String()[:8]
}
