package sipclient

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/sipagent/internal/logger"
	"github.com/sebas/sipagent/internal/metrics"
)

// Dialog tracks an established (or early) SIP dialog and builds in-dialog
// requests from it. Outbound dialogs are assembled from the INVITE we sent
// and the response that carried the remote tag; inbound dialogs wrap the
// server session sipgo created when we answered.
type Dialog struct {
	client *Client

	callID   string
	invite   *sip.Request
	response *sip.Response

	uas     *sipgo.DialogServerSession
	inbound bool

	localCSeq atomic.Uint32
}

func newOutboundDialog(c *Client, invite *sip.Request, resp *sip.Response) *Dialog {
	d := &Dialog{
		client:   c,
		callID:   string(*invite.CallID()),
		invite:   invite,
		response: resp,
	}
	d.localCSeq.Store(invite.CSeq().SeqNo)
	return d
}

func newInboundDialog(c *Client, uas *sipgo.DialogServerSession, invite *sip.Request) *Dialog {
	d := &Dialog{
		client:  c,
		callID:  string(*invite.CallID()),
		invite:  invite,
		uas:     uas,
		inbound: true,
	}
	d.localCSeq.Store(0)
	return d
}

func (d *Dialog) CallID() string {
	return d.callID
}

// buildInDialogRequest assembles a request inside the dialog with swapped
// orientation for inbound dialogs. The transport layer stamps a fresh Via
// branch when the request is sent.
func (d *Dialog) buildInDialogRequest(method sip.RequestMethod) (*sip.Request, error) {
	if d.invite == nil {
		return nil, fmt.Errorf("dialog %s has no stored invite", d.callID)
	}

	var from sip.FromHeader
	var to sip.ToHeader
	target := d.invite.Recipient

	if d.inbound {
		// We answered, so our identity is the To of the remote INVITE.
		resp := d.uas.InviteResponse
		if resp == nil || resp.To() == nil {
			return nil, fmt.Errorf("dialog %s has no local response", d.callID)
		}
		from = sip.FromHeader{
			DisplayName: resp.To().DisplayName,
			Address:     resp.To().Address,
			Params:      resp.To().Params,
		}
		to = sip.ToHeader{
			DisplayName: d.invite.From().DisplayName,
			Address:     d.invite.From().Address,
			Params:      d.invite.From().Params,
		}
		if ct := d.invite.Contact(); ct != nil {
			target = ct.Address
		}
	} else {
		if d.response == nil || d.response.To() == nil {
			return nil, fmt.Errorf("dialog %s has no remote response", d.callID)
		}
		from = sip.FromHeader{
			DisplayName: d.invite.From().DisplayName,
			Address:     d.invite.From().Address,
			Params:      d.invite.From().Params,
		}
		to = sip.ToHeader{
			DisplayName: d.response.To().DisplayName,
			Address:     d.response.To().Address,
			Params:      d.response.To().Params,
		}
		if ct := d.response.Contact(); ct != nil {
			target = ct.Address
		}
	}

	req := sip.NewRequest(method, target)

	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&from)
	req.AppendHeader(&to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	cseq := sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	}
	req.AppendHeader(&cseq)
	req.AppendHeader(&d.client.contact)

	d.setDialogDestination(req, target)
	return req, nil
}

func (d *Dialog) setDialogDestination(req *sip.Request, target sip.Uri) {
	if d.inbound {
		if src := d.invite.Source(); src != "" {
			req.SetDestination(src)
			return
		}
	}
	host := target.Host
	port := target.Port
	if port == 0 {
		port = 5060
	}
	req.SetDestination(fmt.Sprintf("%s:%d", host, port))
}

// SendUpdate sends an in-dialog UPDATE carrying the session interval, used
// both for the post-ringing timer negotiation and for periodic keep-alive
// refreshes.
func (d *Dialog) SendUpdate(expiresSeconds int) error {
	req, err := d.buildInDialogRequest(sip.UPDATE)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=uac", expiresSeconds)))
	req.AppendHeader(sip.NewHeader("Supported", "timer"))

	metrics.KeepAliveUpdates.Inc()
	return d.client.sendAndRoute(req)
}

// SendBye terminates the dialog. Inbound dialogs delegate to the sipgo
// server session; outbound dialogs build the BYE from the stored dialog
// state.
func (d *Dialog) SendBye() error {
	if d.inbound {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.uas.Bye(ctx)
	}

	req, err := d.buildInDialogRequest(sip.BYE)
	if err != nil {
		return err
	}
	return d.client.sendAndRoute(req)
}

// sendAck acknowledges a 2xx INVITE response outside of any transaction.
func (d *Dialog) sendAck(resp *sip.Response) error {
	target := d.invite.Recipient
	if ct := resp.Contact(); ct != nil {
		target = ct.Address
	}

	ack := sip.NewRequest(sip.ACK, target)

	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	sip.CopyHeaders("From", d.invite, ack)

	to := sip.ToHeader{
		DisplayName: resp.To().DisplayName,
		Address:     resp.To().Address,
		Params:      resp.To().Params,
	}
	ack.AppendHeader(&to)

	callID := sip.CallIDHeader(d.callID)
	ack.AppendHeader(&callID)

	cseq := sip.CSeqHeader{
		SeqNo:      d.invite.CSeq().SeqNo,
		MethodName: sip.ACK,
	}
	ack.AppendHeader(&cseq)
	ack.AppendHeader(&d.client.contact)

	dest := resolveResponseSource(resp)
	if dest != "" {
		ack.SetDestination(dest)
	} else {
		d.setDialogDestination(ack, target)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.client.uac.WriteRequest(ack)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("sending ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("sending ACK to %s timed out", ack.Destination())
	}

	logger.Debug("[SIPClient] Sent ACK", "call_id", d.callID, "destination", ack.Destination())
	return nil
}

// resolveResponseSource picks the address the 2xx actually came from,
// falling back to the top Via received/rport parameters.
func resolveResponseSource(resp *sip.Response) string {
	if src := resp.Source(); src != "" {
		return src
	}
	via := resp.Via()
	if via == nil {
		return ""
	}
	host := via.Host
	port := via.Port
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" && rport != "0" {
		p := 0
		if _, err := fmt.Sscanf(rport, "%d", &p); err == nil && p > 0 {
			port = p
		}
	}
	if host == "" {
		return ""
	}
	if port == 0 {
		port = 5060
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
