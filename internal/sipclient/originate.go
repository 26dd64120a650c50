package sipclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/sipagent/internal/logger"
	"github.com/sebas/sipagent/internal/media"
	"github.com/sebas/sipagent/internal/metrics"
	"github.com/sebas/sipagent/internal/sdp"
	"github.com/sebas/sipagent/internal/session"
)

// inviteTimeout bounds the whole INVITE transaction including ringing.
const inviteTimeout = 60 * time.Second

// CallParams describes one outbound call.
type CallParams struct {
	FromUser   string
	FromDomain string
	ToUser     string
	ToDomain   string

	// SDPPort is the local RTP port offered in the SDP.
	SDPPort int
}

// Call creates the session synchronously and runs the INVITE on the worker
// pool. The returned session starts in the init state and moves through the
// call lifecycle as responses arrive.
func (c *Client) Call(params CallParams) (*session.Session, error) {
	sess, _, err := c.originate(params)
	return sess, err
}

// CallSync originates like Call but waits for the INVITE transaction to
// finish before returning. The session status tells the caller how the call
// ended up.
func (c *Client) CallSync(params CallParams, timeout time.Duration) (*session.Session, error) {
	sess, done, err := c.originate(params)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return sess, nil
	case <-time.After(timeout):
		return sess, fmt.Errorf("call %s still in progress after %s", sess.SessionID, timeout)
	}
}

func (c *Client) originate(params CallParams) (*session.Session, chan struct{}, error) {
	if params.ToUser == "" || params.ToDomain == "" {
		return nil, nil, fmt.Errorf("call target is required")
	}
	if params.SDPPort == 0 {
		return nil, nil, fmt.Errorf("sdp port is required")
	}

	sessionID := uuid.New().String()
	sess, err := c.registry.CreateSession(c.id, sessionID)
	if err != nil {
		return nil, nil, err
	}
	sess.FromUser = params.FromUser
	sess.FromDomain = params.FromDomain
	sess.ToUser = params.ToUser
	sess.ToDomain = params.ToDomain
	sess.SDPPort = params.SDPPort

	callID := generateCallID()
	sess.SetCallID(callID)

	done := make(chan struct{})
	c.pool.Submit(func() {
		defer close(done)
		c.executeInvite(sess, params)
	})
	return sess, done, nil
}

func (c *Client) executeInvite(sess *session.Session, params CallParams) {
	callID := sess.CallID()

	sdpIP := c.mediaAddress()
	offer, err := sdp.Build(sdpIP, params.SDPPort)
	if err != nil {
		logger.Error("[SIPClient] Failed to build SDP offer",
			"client_id", c.id, "call_id", callID, "error", err)
		c.failSession(sess, callID)
		return
	}
	sess.SetLocalEndpoint(sdpIP, params.SDPPort)

	invite, err := c.buildInvite(params, callID, offer)
	if err != nil {
		logger.Error("[SIPClient] Failed to build INVITE",
			"client_id", c.id, "call_id", callID, "error", err)
		c.failSession(sess, callID)
		return
	}

	metrics.CallsOriginated.Inc()
	sess.UpdateStatus(session.StatusInviting)
	logger.Info("[SIPClient] Calling",
		"client_id", c.id, "call_id", callID, "session_id", sess.SessionID,
		"to", fmt.Sprintf("%s@%s", params.ToUser, params.ToDomain))

	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	tx, err := c.uac.TransactionRequest(ctx, invite)
	if err != nil {
		logger.Error("[SIPClient] Failed to send INVITE",
			"client_id", c.id, "call_id", callID, "error", err)
		c.failSession(sess, callID)
		return
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				logger.Warn("[SIPClient] INVITE ended without final response",
					"client_id", c.id, "call_id", callID)
				c.failSession(sess, callID)
				return
			}
			c.routeResponse(&responseCtx{
				resp:   resp,
				invite: invite,
				dialog: c.dialogForCallID(callID),
			})
			if resp.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			logger.Warn("[SIPClient] INVITE transaction terminated",
				"client_id", c.id, "call_id", callID)
			c.failSession(sess, callID)
			return
		case <-ctx.Done():
			logger.Warn("[SIPClient] INVITE timed out, cancelling",
				"client_id", c.id, "call_id", callID)
			c.sendCancel(invite)
			c.failSession(sess, callID)
			return
		}
	}
}

func (c *Client) buildInvite(params CallParams, callID string, body []byte) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", params.ToUser, params.ToDomain), &target); err != nil {
		return nil, fmt.Errorf("parsing target uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, target)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	from := sip.FromHeader{
		DisplayName: params.FromUser,
		Address: sip.Uri{
			User: params.FromUser,
			Host: params.FromDomain,
		},
		Params: sip.NewParams(),
	}
	from.Params.Add("tag", generateTag())
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: target}
	req.AppendHeader(&to)

	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)

	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE}
	req.AppendHeader(&cseq)
	req.AppendHeader(&c.contact)
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS, INFO, MESSAGE"))
	req.AppendHeader(sip.NewHeader("Session-Expires",
		fmt.Sprintf("%d;refresher=uac", sessionExpiresDefault)))
	req.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(minSessionExpires)))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))

	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(body)

	if c.cfg.UASHost != "" {
		dest := c.cfg.UASHost
		if !strings.Contains(dest, ":") {
			dest += ":5060"
		}
		req.SetDestination(dest)
	}
	return req, nil
}

// sendCancel terminates a pending INVITE transaction. The CANCEL mirrors
// the INVITE's routing headers per RFC 3261 9.1.
func (c *Client) sendCancel(invite *sip.Request) {
	callID := requestCallID(invite)

	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)

	cseq := sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL}
	cancelReq.AppendHeader(&cseq)

	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)
	cancelReq.SetDestination(invite.Destination())

	if err := c.sendAndRoute(cancelReq); err != nil {
		logger.Warn("[SIPClient] CANCEL failed",
			"client_id", c.id, "call_id", callID, "error", err)
	}
}

// Register sends a REGISTER to the registrar, retrying exactly once with
// digest credentials when challenged.
func (c *Client) Register(registrar, user string) error {
	callID := generateCallID()

	sessionID := uuid.New().String()
	sess, err := c.registry.CreateSession(c.id, sessionID)
	if err != nil {
		return err
	}
	sess.FromUser = user
	sess.FromDomain = registrar
	sess.SetCallID(callID)

	req, err := c.buildRegister(registrar, user, callID, 1)
	if err != nil {
		c.registry.RemoveSession(c.id, sessionID)
		return err
	}

	resp, err := c.registerTransaction(req)
	if err != nil {
		sess.UpdateStatus(session.StatusFailed)
		return err
	}

	if (resp.StatusCode == 401 || resp.StatusCode == 407) && c.cfg.AuthPassword != "" {
		c.routeResponse(&responseCtx{resp: resp, invite: req})
		authReq, err := c.authorizeRegister(registrar, user, callID, resp)
		if err != nil {
			sess.UpdateStatus(session.StatusFailed)
			return err
		}
		resp, err = c.registerTransaction(authReq)
		if err != nil {
			sess.UpdateStatus(session.StatusFailed)
			return err
		}
		req = authReq
	}

	c.routeResponse(&responseCtx{resp: resp, invite: req})
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registration rejected with %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

func (c *Client) buildRegister(registrar, user, callID string, seqNo uint32) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri("sip:"+registrar, &target); err != nil {
		return nil, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, target)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	identity := sip.Uri{User: user, Host: registrar}
	from := sip.FromHeader{Address: identity, Params: sip.NewParams()}
	from.Params.Add("tag", generateTag())
	req.AppendHeader(&from)

	to := sip.ToHeader{Address: identity}
	req.AppendHeader(&to)

	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)

	cseq := sip.CSeqHeader{SeqNo: seqNo, MethodName: sip.REGISTER}
	req.AppendHeader(&cseq)
	req.AppendHeader(&c.contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(defaultRegisterExpires)))
	return req, nil
}

// registerTransaction runs one REGISTER exchange and returns the final
// response.
func (c *Client) registerTransaction(req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.uac.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending REGISTER: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("REGISTER ended without final response")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("REGISTER transaction terminated")
		case <-ctx.Done():
			return nil, fmt.Errorf("REGISTER timed out: %w", ctx.Err())
		}
	}
}

// mediaAddress picks the address advertised in SDP offers.
func (c *Client) mediaAddress() string {
	if ip := media.SelectLocalIP(); ip != nil {
		return ip.String()
	}
	if c.cfg.BindIP != "" && c.cfg.BindIP != "0.0.0.0" {
		return c.cfg.BindIP
	}
	return "127.0.0.1"
}
