package sipclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipagent/internal/logger"
	"github.com/sebas/sipagent/internal/media"
	"github.com/sebas/sipagent/internal/metrics"
	"github.com/sebas/sipagent/internal/sdp"
	"github.com/sebas/sipagent/internal/session"
)

const (
	// sessionExpiresDefault is offered on outbound INVITEs and negotiated
	// down by the remote side, never below minSessionExpires.
	sessionExpiresDefault = 1800
	minSessionExpires     = 90

	// keepAliveMargin is subtracted from the negotiated interval so the
	// refresh lands before the timer expires.
	keepAliveMargin = 30 * time.Second
)

// mapStatus is the generic status mapper for response codes that need no
// special handling.
func mapStatus(code sip.StatusCode) session.Status {
	switch {
	case code < 180:
		return session.StatusInviting
	case code < 200:
		return session.StatusRinging
	case code < 300:
		return session.StatusConnected
	default:
		return session.StatusFailed
	}
}

// classifyFailure names a final error response for logging.
func classifyFailure(code sip.StatusCode) string {
	switch code {
	case 486, 600:
		return "busy"
	case 408:
		return "timeout"
	case 480:
		return "unavailable"
	case 487:
		return "terminated"
	case 401, 407:
		return "auth"
	case 404:
		return "not_found"
	default:
		return "error"
	}
}

// parseSessionExpires splits "1800;refresher=uac" into its parts.
func parseSessionExpires(value string) (int, string, error) {
	parts := strings.Split(value, ";")
	interval, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, "", fmt.Errorf("parsing Session-Expires %q: %w", value, err)
	}
	refresher := ""
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "refresher="); ok {
			refresher = strings.ToLower(v)
		}
	}
	return interval, refresher, nil
}

// carriesSDP reports whether the response declares an SDP payload.
func carriesSDP(resp *sip.Response) bool {
	h := resp.GetHeader("Content-Type")
	if h == nil {
		return false
	}
	value := h.Value()
	if i := strings.Index(value, ";"); i >= 0 {
		value = value[:i]
	}
	return strings.EqualFold(strings.TrimSpace(value), "application/sdp")
}

func (c *Client) handleInviteResponse(rc *responseCtx) {
	callID := responseCallID(rc.resp)
	sess := c.sessionForCallID(callID)
	code := rc.resp.StatusCode

	switch {
	case code < 200:
		c.handleInviteProvisional(rc, sess)
	case code < 300:
		c.handleInvite2xx(rc, sess)
	case code < 400:
		if ct := rc.resp.Contact(); ct != nil {
			logger.Info("[SIPClient] Call redirected",
				"client_id", c.id, "call_id", callID, "contact", ct.Address.String())
		}
		if sess != nil {
			sess.UpdateStatus(mapStatus(code))
		}
	default:
		c.handleInviteFailure(rc, sess)
	}
}

func (c *Client) handleInviteProvisional(rc *responseCtx, sess *session.Session) {
	callID := responseCallID(rc.resp)
	code := rc.resp.StatusCode
	if sess != nil {
		sess.UpdateStatus(mapStatus(code))
	}
	logger.Debug("[SIPClient] Provisional response",
		"client_id", c.id, "call_id", callID, "status", int(code))

	// Once the call rings we negotiate the session timer over an early
	// in-dialog UPDATE. Only the first ringing response triggers it.
	if code != 180 || rc.invite == nil {
		return
	}
	if tag, _ := rc.resp.To().Params.Get("tag"); tag == "" {
		return
	}
	if _, negotiated := c.timerNegotiated.LoadOrStore(callID, true); negotiated {
		return
	}

	// The early dialog is registered before the UPDATE goes out so its 200
	// can find a dialog handle and start the keep-alive loop. The INVITE
	// 2xx replaces it with the confirmed dialog later.
	d := newOutboundDialog(c, rc.invite, rc.resp)
	c.dialogs.Store(callID, d)

	c.pool.Submit(func() {
		req, err := d.buildInDialogRequest(sip.UPDATE)
		if err != nil {
			logger.Warn("[SIPClient] Failed to build timer UPDATE",
				"client_id", c.id, "call_id", callID, "error", err)
			return
		}
		req.AppendHeader(sip.NewHeader("Session-Expires",
			fmt.Sprintf("%d;refresher=uac;min-se=%d", sessionExpiresDefault, minSessionExpires)))
		req.AppendHeader(sip.NewHeader("Min-SE", strconv.Itoa(minSessionExpires)))
		req.AppendHeader(sip.NewHeader("Supported", "timer"))
		if err := c.sendAndRoute(req); err != nil {
			logger.Warn("[SIPClient] Session timer negotiation failed",
				"client_id", c.id, "call_id", callID, "error", err)
		}
	})
}

func (c *Client) handleInvite2xx(rc *responseCtx, sess *session.Session) {
	callID := responseCallID(rc.resp)
	if rc.invite == nil {
		logger.Warn("[SIPClient] 2xx without stored INVITE", "client_id", c.id, "call_id", callID)
		return
	}

	d := newOutboundDialog(c, rc.invite, rc.resp)
	c.dialogs.Store(callID, d)

	if err := d.sendAck(rc.resp); err != nil {
		logger.Error("[SIPClient] ACK failed, abandoning call",
			"client_id", c.id, "call_id", callID, "error", err)
		c.failSession(sess, callID)
		return
	}

	if sess == nil {
		logger.Warn("[SIPClient] 2xx for unknown session", "client_id", c.id, "call_id", callID)
		return
	}
	sess.SetDialog(d)

	if !carriesSDP(rc.resp) {
		sess.UpdateStatus(session.StatusConnected)
		c.rescheduleKeepAlive(sess, d)
		logger.Info("[SIPClient] Call connected without SDP answer",
			"client_id", c.id, "call_id", callID)
		return
	}

	answer, err := sdp.Parse(rc.resp.Body())
	if err != nil {
		logger.Error("[SIPClient] Unusable SDP answer",
			"client_id", c.id, "call_id", callID, "error", err)
		c.failSession(sess, callID)
		return
	}
	sess.SetRemoteEndpoint(answer.Address, answer.Port)

	m, err := media.NewSession(callID, sess.SDPPort, answer.Address, answer.Port, c.utteranceSink(callID))
	if err != nil {
		logger.Error("[SIPClient] Failed to open media",
			"client_id", c.id, "call_id", callID, "error", err)
		c.failSession(sess, callID)
		return
	}
	sess.SetMedia(m)
	sess.SetLocalEndpoint(m.LocalIP(), m.LocalPort())
	m.Start()

	sess.UpdateStatus(session.StatusConnected)
	c.rescheduleKeepAlive(sess, d)
	metrics.CallsConnected.Inc()
	c.notifier.StartCall(callID, m.LocalIP(), m.LocalPort())
	logger.Info("[SIPClient] Call connected",
		"client_id", c.id, "call_id", callID, "session_id", sess.SessionID,
		"remote", fmt.Sprintf("%s:%d", answer.Address, answer.Port))

	if c.cfg.GreetingFile != "" {
		greeting := c.cfg.GreetingFile
		c.pool.Submit(func() {
			if err := m.StreamFile(greeting); err != nil {
				logger.Warn("[SIPClient] Greeting playback failed",
					"client_id", c.id, "call_id", callID, "error", err)
			}
		})
	}
}

func (c *Client) handleInviteFailure(rc *responseCtx, sess *session.Session) {
	callID := responseCallID(rc.resp)
	code := rc.resp.StatusCode

	c.registry.KeepAlive().Stop(c.id, callID)

	logger.Info("[SIPClient] Call failed",
		"client_id", c.id, "call_id", callID,
		"status", int(code), "reason", classifyFailure(code))

	c.failSession(sess, callID)
}

// rescheduleKeepAlive rebinds the refresh loop to the given dialog when the
// negotiated timer left this side as refresher. Covers the flow where the
// timer negotiation finished on the early dialog before the INVITE 2xx
// confirmed the call.
func (c *Client) rescheduleKeepAlive(sess *session.Session, d *Dialog) {
	interval, refresher := sess.SessionTimer()
	if refresher != "uac" || interval <= 0 {
		return
	}
	refreshAfter := time.Duration(interval)*time.Second - keepAliveMargin
	c.registry.KeepAlive().Schedule(c.id, d, refreshAfter, interval)
}

// failSession marks the session failed and removes it so a dead call never
// lingers in the registry.
func (c *Client) failSession(sess *session.Session, callID string) {
	metrics.CallsFailed.Inc()
	c.clearCallState(callID)
	if sess == nil {
		return
	}
	if m := sess.Media(); m != nil {
		m.Stop()
	}
	sess.UpdateStatus(session.StatusFailed)
	sess.ClearDialog()
	c.registry.RemoveSession(sess.ClientID, sess.SessionID)
}

func (c *Client) handleRegisterResponse(rc *responseCtx) {
	callID := responseCallID(rc.resp)
	sess := c.sessionForCallID(callID)
	code := rc.resp.StatusCode

	switch {
	case code < 200:
		return
	case code < 300:
		if sess != nil {
			sess.UpdateStatus(session.StatusRegistered)
		}
		metrics.Registrations.Inc()
		logger.Info("[SIPClient] Registered", "client_id", c.id, "call_id", callID)
	case code == 401 || code == 407:
		// The register flow retries with credentials before this counts
		// as a failure.
		logger.Debug("[SIPClient] Registration challenged",
			"client_id", c.id, "call_id", callID, "status", int(code))
	default:
		if sess != nil {
			sess.UpdateStatus(session.StatusFailed)
		}
		logger.Warn("[SIPClient] Registration rejected",
			"client_id", c.id, "call_id", callID, "status", int(code))
	}
}

func (c *Client) handleUpdateResponse(rc *responseCtx) {
	callID := responseCallID(rc.resp)
	sess := c.sessionForCallID(callID)
	code := rc.resp.StatusCode

	switch {
	case code < 200:
		return
	case code < 300:
		se := rc.resp.GetHeader("Session-Expires")
		if se == nil {
			logger.Debug("[SIPClient] UPDATE accepted without timer",
				"client_id", c.id, "call_id", callID)
			return
		}
		interval, refresher, err := parseSessionExpires(se.Value())
		if err != nil {
			logger.Warn("[SIPClient] Bad Session-Expires in UPDATE response",
				"client_id", c.id, "call_id", callID, "error", err)
			return
		}
		if sess != nil {
			sess.SetSessionTimer(interval, refresher)
		}

		// We only run the refresh loop when the negotiation left us as
		// the refresher.
		if refresher != "uac" {
			c.registry.KeepAlive().Stop(c.id, callID)
			return
		}
		d := rc.dialog
		if d == nil {
			d = c.dialogForCallID(callID)
		}
		if d == nil {
			return
		}
		refreshAfter := time.Duration(interval)*time.Second - keepAliveMargin
		c.registry.KeepAlive().Schedule(c.id, d, refreshAfter, interval)
		logger.Debug("[SIPClient] Keep-alive scheduled",
			"client_id", c.id, "call_id", callID, "interval", refreshAfter.String())

	case code == 408 || code == 481 || code >= 500:
		// The dialog is gone on the far side.
		c.registry.KeepAlive().Stop(c.id, callID)
		if sess != nil {
			sess.UpdateStatus(session.StatusFailed)
		}
		logger.Warn("[SIPClient] Session refresh failed",
			"client_id", c.id, "call_id", callID, "status", int(code))
	default:
		logger.Debug("[SIPClient] UPDATE rejected",
			"client_id", c.id, "call_id", callID, "status", int(code))
	}
}

func (c *Client) handleByeResponse(rc *responseCtx) {
	callID := responseCallID(rc.resp)
	if rc.resp.StatusCode >= 200 && rc.resp.StatusCode < 300 {
		if sess := c.sessionForCallID(callID); sess != nil {
			sess.UpdateStatus(session.StatusDisconnected)
		}
		c.clearCallState(callID)
		logger.Info("[SIPClient] Call ended", "client_id", c.id, "call_id", callID)
		return
	}
	logger.Debug("[SIPClient] BYE response",
		"client_id", c.id, "call_id", callID, "status", int(rc.resp.StatusCode))
}

func (c *Client) handleCancelResponse(rc *responseCtx) {
	logger.Debug("[SIPClient] CANCEL response",
		"client_id", c.id, "call_id", responseCallID(rc.resp), "status", int(rc.resp.StatusCode))
}

func (c *Client) handleOtherResponse(rc *responseCtx) {
	method := ""
	if cseq := rc.resp.CSeq(); cseq != nil {
		method = cseq.MethodName.String()
	}
	logger.Debug("[SIPClient] Unhandled response",
		"client_id", c.id, "method", method, "status", int(rc.resp.StatusCode))
}

// utteranceSink wires the silence detector output of a call into the log.
func (c *Client) utteranceSink(callID string) media.UtteranceFunc {
	return func(pcm []byte) {
		durationMs := len(pcm) / 2 * 1000 / 8000
		logger.Info("[SIPClient] Utterance captured",
			"client_id", c.id, "call_id", callID,
			"bytes", len(pcm), "duration_ms", durationMs)
	}
}
