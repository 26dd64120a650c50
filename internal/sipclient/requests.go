package sipclient

import (
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipagent/internal/logger"
	"github.com/sebas/sipagent/internal/media"
	"github.com/sebas/sipagent/internal/metrics"
	"github.com/sebas/sipagent/internal/sdp"
	"github.com/sebas/sipagent/internal/session"
)

const defaultRegisterExpires = 600

// pendingInvite keeps an unanswered inbound INVITE transaction around so a
// CANCEL can terminate it with 487.
type pendingInvite struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

func (c *Client) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string, body []byte) {
	resp := sip.NewResponseFromRequest(req, code, reason, body)
	if body != nil {
		contentType := sip.ContentTypeHeader("application/sdp")
		resp.AppendHeader(&contentType)
	}
	if err := tx.Respond(resp); err != nil {
		logger.Error("[SIPClient] Failed to send response",
			"client_id", c.id, "status", int(code), "error", err)
	}
}

// handleInvite answers an INVITE only for a call we already track: the
// Call-ID must match a session in the registry, otherwise 404. Media is
// negotiated here but not started until the ACK confirms the dialog.
func (c *Client) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	c.respond(req, tx, 100, "Trying", nil)

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		logger.Warn("[SIPClient] INVITE with unusable SDP",
			"client_id", c.id, "call_id", callID, "error", err)
		c.respond(req, tx, 400, "Bad Request", nil)
		return
	}

	sess := c.sessionForCallID(callID)
	if sess == nil {
		logger.Warn("[SIPClient] INVITE for unknown call", "client_id", c.id, "call_id", callID)
		c.respond(req, tx, 404, "Not Found", nil)
		return
	}

	sess.SetRemoteEndpoint(offer.Address, offer.Port)

	m, err := media.NewSession(callID, sess.SDPPort, offer.Address, offer.Port, c.utteranceSink(callID))
	if err != nil {
		logger.Error("[SIPClient] Failed to open media",
			"client_id", c.id, "call_id", callID, "error", err)
		c.respond(req, tx, 500, "Server Internal Error", nil)
		return
	}
	sess.SetMedia(m)
	sess.SetLocalEndpoint(m.LocalIP(), m.LocalPort())

	c.pendingInvites.Store(callID, &pendingInvite{req: req, tx: tx})
	c.respond(req, tx, 180, "Ringing", nil)
	sess.UpdateStatus(session.StatusRinging)

	uas, err := c.dialogUA.ReadInvite(req, tx)
	if err != nil {
		logger.Error("[SIPClient] Failed to create dialog",
			"client_id", c.id, "call_id", callID, "error", err)
		c.pendingInvites.Delete(callID)
		m.Stop()
		c.respond(req, tx, 500, "Server Internal Error", nil)
		return
	}

	answer, err := sdp.Build(m.LocalIP(), m.LocalPort())
	if err != nil {
		logger.Error("[SIPClient] Failed to build SDP answer",
			"client_id", c.id, "call_id", callID, "error", err)
		c.pendingInvites.Delete(callID)
		m.Stop()
		c.respond(req, tx, 500, "Server Internal Error", nil)
		return
	}

	if err := uas.RespondSDP(answer); err != nil {
		logger.Error("[SIPClient] Failed to send 200 OK",
			"client_id", c.id, "call_id", callID, "error", err)
		c.pendingInvites.Delete(callID)
		m.Stop()
		return
	}
	c.pendingInvites.Delete(callID)

	d := newInboundDialog(c, uas, req)
	c.dialogs.Store(callID, d)
	sess.SetDialog(d)
	sess.UpdateStatus(session.StatusConnected)

	logger.Info("[SIPClient] Inbound call answered",
		"client_id", c.id, "call_id", callID, "session_id", sess.SessionID,
		"remote", fmt.Sprintf("%s:%d", offer.Address, offer.Port))
}

// handleAck confirms the dialog and starts the media engine. The 200 OK
// already committed us to the call; this is the point traffic begins.
func (c *Client) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	d := c.dialogForCallID(callID)
	if d == nil || !d.inbound {
		logger.Debug("[SIPClient] ACK without matching dialog", "client_id", c.id, "call_id", callID)
		return
	}

	if err := d.uas.ReadAck(req, tx); err != nil {
		logger.Warn("[SIPClient] Failed to process ACK",
			"client_id", c.id, "call_id", callID, "error", err)
	}

	sess := c.sessionForCallID(callID)
	if sess == nil {
		return
	}
	if m := sess.Media(); m != nil && m.Start() {
		metrics.CallsConnected.Inc()
		c.notifier.StartCall(callID, m.LocalIP(), m.LocalPort())
		logger.Info("[SIPClient] Media started",
			"client_id", c.id, "call_id", callID,
			"local", fmt.Sprintf("%s:%d", m.LocalIP(), m.LocalPort()))
	}
}

// handleBye tears the call down: stop the keep-alive first so no refresh
// races the teardown, answer the BYE, then release media and the session.
func (c *Client) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	c.registry.KeepAlive().Stop(c.id, callID)

	d := c.dialogForCallID(callID)
	sess := c.sessionForCallID(callID)
	if d == nil && sess == nil {
		c.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}

	if d != nil && d.inbound {
		if err := d.uas.ReadBye(req, tx); err != nil {
			logger.Warn("[SIPClient] Failed to process BYE",
				"client_id", c.id, "call_id", callID, "error", err)
		}
	} else {
		c.respond(req, tx, 200, "OK", nil)
	}
	c.clearCallState(callID)

	if sess != nil {
		if m := sess.Media(); m != nil {
			m.Stop()
		}
		sess.UpdateStatus(session.StatusDisconnected)
		sess.ClearDialog()
		c.notifier.EndCall(callID)
		c.registry.RemoveSession(sess.ClientID, sess.SessionID)
	}

	logger.Info("[SIPClient] Call ended by remote", "client_id", c.id, "call_id", callID)
}

// handleCancel terminates an INVITE we have not answered yet: 200 to the
// CANCEL itself, 487 to the stored INVITE transaction.
func (c *Client) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	v, ok := c.pendingInvites.LoadAndDelete(callID)
	if !ok {
		c.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	pending := v.(*pendingInvite)

	c.respond(req, tx, 200, "OK", nil)
	c.respond(pending.req, pending.tx, 487, "Request Terminated", nil)
	c.clearCallState(callID)

	if sess := c.sessionForCallID(callID); sess != nil {
		if m := sess.Media(); m != nil {
			m.Stop()
		}
		sess.UpdateStatus(session.StatusCancelled)
		metrics.CallsFailed.Inc()
		c.registry.RemoveSession(sess.ClientID, sess.SessionID)
	}

	logger.Info("[SIPClient] Call cancelled by remote", "client_id", c.id, "call_id", callID)
}

// handleRegisterRequest accepts any registration without challenging.
// Expires priority: Contact parameter, then Expires header, then default.
func (c *Client) handleRegisterRequest(req *sip.Request, tx sip.ServerTransaction) {
	expires := registerExpires(req)

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if ct := req.Contact(); ct != nil {
		resp.AppendHeader(ct)
	}
	resp.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if err := tx.Respond(resp); err != nil {
		logger.Error("[SIPClient] Failed to answer REGISTER", "client_id", c.id, "error", err)
		return
	}

	if expires == 0 {
		logger.Info("[SIPClient] Peer unregistered", "client_id", c.id, "call_id", requestCallID(req))
		return
	}
	logger.Info("[SIPClient] Peer registered",
		"client_id", c.id, "call_id", requestCallID(req), "expires", expires)
}

func registerExpires(req *sip.Request) int {
	if ct := req.Contact(); ct != nil && ct.Params != nil {
		if v, ok := ct.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			return n
		}
	}
	return defaultRegisterExpires
}

// handleSubscribe accepts subscriptions and answers each active one with an
// immediate NOTIFY carrying the subscription state.
func (c *Client) handleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	event := req.GetHeader("Event")
	if event == nil {
		c.respond(req, tx, 489, "Bad Event", nil)
		return
	}

	expires := defaultRegisterExpires
	if h := req.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(h.Value()); err == nil {
			expires = n
		}
	}

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if err := tx.Respond(resp); err != nil {
		logger.Error("[SIPClient] Failed to answer SUBSCRIBE", "client_id", c.id, "error", err)
		return
	}

	if expires == 0 {
		logger.Info("[SIPClient] Subscription removed", "client_id", c.id, "event", event.Value())
		return
	}

	c.pool.Submit(func() {
		if err := c.sendNotify(req, event.Value(), expires); err != nil {
			logger.Warn("[SIPClient] Failed to deliver NOTIFY", "client_id", c.id, "error", err)
		}
	})
}

func (c *Client) sendNotify(subscribe *sip.Request, event string, expires int) error {
	target := subscribe.Recipient
	if ct := subscribe.Contact(); ct != nil {
		target = ct.Address
	}

	notifyReq := sip.NewRequest(sip.NOTIFY, target)

	maxForwards := sip.MaxForwardsHeader(70)
	notifyReq.AppendHeader(&maxForwards)

	from := sip.FromHeader{
		Address: c.contact.Address,
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", generateTag())
	notifyReq.AppendHeader(&from)

	to := sip.ToHeader{
		DisplayName: subscribe.From().DisplayName,
		Address:     subscribe.From().Address,
		Params:      subscribe.From().Params,
	}
	notifyReq.AppendHeader(&to)

	callID := sip.CallIDHeader(requestCallID(subscribe))
	notifyReq.AppendHeader(&callID)

	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY}
	notifyReq.AppendHeader(&cseq)
	notifyReq.AppendHeader(&c.contact)
	notifyReq.AppendHeader(sip.NewHeader("Event", event))
	notifyReq.AppendHeader(sip.NewHeader("Subscription-State", fmt.Sprintf("active;expires=%d", expires)))

	if src := subscribe.Source(); src != "" {
		notifyReq.SetDestination(src)
	}
	return c.sendAndRoute(notifyReq)
}

// handleInfo only makes sense inside a dialog.
func (c *Client) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	if c.dialogForCallID(requestCallID(req)) == nil {
		c.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	c.respond(req, tx, 200, "OK", nil)
}

func (c *Client) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	logger.Info("[SIPClient] MESSAGE received",
		"client_id", c.id, "call_id", requestCallID(req), "bytes", len(req.Body()))
	c.respond(req, tx, 200, "OK", nil)
}

// handleDefault answers in-dialog requests with 200 and echoes the session
// interval back on UPDATE. Out-of-dialog requests for unhandled methods get
// 501.
func (c *Client) handleDefault(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)

	if req.Method == sip.OPTIONS {
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS, INFO, MESSAGE, SUBSCRIBE, NOTIFY, REGISTER"))
		if err := tx.Respond(resp); err != nil {
			logger.Error("[SIPClient] Failed to answer OPTIONS", "client_id", c.id, "error", err)
		}
		return
	}

	if c.dialogForCallID(callID) == nil {
		c.respond(req, tx, 501, "Not Implemented", nil)
		return
	}

	if req.Method == sip.UPDATE {
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if se := req.GetHeader("Session-Expires"); se != nil {
			resp.AppendHeader(sip.NewHeader("Session-Expires", se.Value()))
			if sess := c.sessionForCallID(callID); sess != nil {
				if interval, refresher, err := parseSessionExpires(se.Value()); err == nil {
					sess.SetSessionTimer(interval, refresher)
				}
			}
		}
		if err := tx.Respond(resp); err != nil {
			logger.Error("[SIPClient] Failed to answer UPDATE", "client_id", c.id, "error", err)
		}
		return
	}

	c.respond(req, tx, 200, "OK", nil)
}
