package sipclient

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/sipagent/internal/sdp"
	"github.com/sebas/sipagent/internal/session"
)

// fakeServerTx stands in for a network transaction and records every
// response a handler sends through it.
type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{
		done: make(chan struct{}),
		acks: make(chan *sip.Request),
	}
}

func (tx *fakeServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

func (tx *fakeServerTx) Acks() <-chan *sip.Request { return tx.acks }
func (tx *fakeServerTx) Done() <-chan struct{}     { return tx.done }
func (tx *fakeServerTx) Err() error                { return nil }
func (tx *fakeServerTx) Terminate()                {}

func (tx *fakeServerTx) statuses() []int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]int, len(tx.responses))
	for i, r := range tx.responses {
		out[i] = int(r.StatusCode)
	}
	return out
}

// newTestClient builds a client without a listener. The worker pool is
// closed up front so submitted tasks are dropped and tests observe only
// the synchronous effects of a handler.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	pool := newWorkerPool(1, 2, 4)
	pool.Shutdown(10 * time.Millisecond)

	c := &Client{
		id:       "client-a",
		registry: session.NewRegistry(session.NewKeepAlive()),
		pool:     pool,
	}
	c.contact = sip.ContactHeader{
		Address: sip.Uri{User: "client-a", Host: "127.0.0.1", Port: 5060},
	}
	c.dialogUA = &sipgo.DialogUA{ContactHDR: c.contact}

	t.Cleanup(func() { c.registry.KeepAlive().Shutdown() })
	return c
}

func newCallSession(t *testing.T, c *Client, sessionID, callID string) *session.Session {
	t.Helper()
	sess, err := c.registry.CreateSession(c.id, sessionID)
	require.NoError(t, err)
	sess.SetCallID(callID)
	return sess
}

func newOutboundInvite(callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "10.0.0.9", Port: 5060})
	from := sip.FromHeader{
		Address: sip.Uri{User: "client-a", Host: "127.0.0.1", Port: 5060},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", "local-tag")
	req.AppendHeader(&from)
	to := sip.ToHeader{
		Address: sip.Uri{User: "bob", Host: "10.0.0.9"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(&to)
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func newInboundInvite(t *testing.T, callID string, remotePort int) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "client-a", Host: "127.0.0.1", Port: 5060})
	from := sip.FromHeader{
		Address: sip.Uri{User: "switch", Host: "127.0.0.1", Port: 5070},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", "remote-tag")
	req.AppendHeader(&from)
	to := sip.ToHeader{
		Address: sip.Uri{User: "client-a", Host: "127.0.0.1"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(&to)
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: "switch", Host: "127.0.0.1", Port: 5070},
	})

	offer, err := sdp.Build("127.0.0.1", remotePort)
	require.NoError(t, err)
	req.SetBody(offer)
	return req
}

func newInDialogRequest(method sip.RequestMethod, callID string, seq uint32) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{User: "client-a", Host: "127.0.0.1", Port: 5060})
	from := sip.FromHeader{
		Address: sip.Uri{User: "switch", Host: "127.0.0.1", Port: 5070},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", "remote-tag")
	req.AppendHeader(&from)
	to := sip.ToHeader{
		Address: sip.Uri{User: "client-a", Host: "127.0.0.1"},
		Params:  sip.NewParams(),
	}
	req.AppendHeader(&to)
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req
}

// freeMediaPort finds an even port with its RTCP neighbour also free.
func freeMediaPort(t *testing.T) int {
	t.Helper()
	for port := 40400; port < 40600; port += 2 {
		rtpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		rtcpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port + 1})
		rtpConn.Close()
		if err != nil {
			continue
		}
		rtcpConn.Close()
		return port
	}
	t.Fatal("no free RTP port pair found")
	return 0
}

func TestRingingSchedulesKeepAliveBeforeAnswer(t *testing.T) {
	c := newTestClient(t)
	sess := newCallSession(t, c, "s1", "call-early-timer")
	sess.UpdateStatus(session.StatusInviting)

	invite := newOutboundInvite("call-early-timer")
	ringing := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)

	c.handleInviteProvisional(&responseCtx{resp: ringing, invite: invite}, sess)

	assert.Equal(t, session.StatusRinging, sess.Status())
	d := c.dialogForCallID("call-early-timer")
	require.NotNil(t, d, "ringing must register the early dialog")

	// A retransmitted 180 does not renegotiate
	c.handleInviteProvisional(&responseCtx{resp: ringing, invite: invite}, sess)
	assert.Same(t, d, c.dialogForCallID("call-early-timer"))

	update, err := d.buildInDialogRequest(sip.UPDATE)
	require.NoError(t, err)
	accepted := sip.NewResponseFromRequest(update, 200, "OK", nil)
	accepted.AppendHeader(sip.NewHeader("Session-Expires", "1800;refresher=uac"))

	c.handleUpdateResponse(&responseCtx{resp: accepted, invite: update})

	interval, refresher := sess.SessionTimer()
	assert.Equal(t, 1800, interval)
	assert.Equal(t, "uac", refresher)
	assert.True(t, c.registry.KeepAlive().Active(c.id, "call-early-timer"),
		"refresh loop must start when the timer negotiation lands during ringing")
}

func TestUpdateResponseLeavesRefreshToRemote(t *testing.T) {
	c := newTestClient(t)
	sess := newCallSession(t, c, "s1", "call-uas-refresh")

	invite := newOutboundInvite("call-uas-refresh")
	ringing := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	d := newOutboundDialog(c, invite, ringing)
	c.dialogs.Store("call-uas-refresh", d)
	c.registry.KeepAlive().Schedule(c.id, d, time.Hour, 3600)
	require.True(t, c.registry.KeepAlive().Active(c.id, "call-uas-refresh"))

	update, err := d.buildInDialogRequest(sip.UPDATE)
	require.NoError(t, err)
	accepted := sip.NewResponseFromRequest(update, 200, "OK", nil)
	accepted.AppendHeader(sip.NewHeader("Session-Expires", "1800;refresher=uas"))

	c.handleUpdateResponse(&responseCtx{resp: accepted, invite: update})

	interval, refresher := sess.SessionTimer()
	assert.Equal(t, 1800, interval)
	assert.Equal(t, "uas", refresher)
	assert.False(t, c.registry.KeepAlive().Active(c.id, "call-uas-refresh"),
		"remote refresher means our loop stops")
}

func TestConnectReschedulesRefreshOnConfirmedDialog(t *testing.T) {
	c := newTestClient(t)

	sess := newCallSession(t, c, "s1", "call-confirm")
	sess.SetSessionTimer(1800, "uac")
	invite := newOutboundInvite("call-confirm")
	ringing := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	c.rescheduleKeepAlive(sess, newOutboundDialog(c, invite, ringing))
	assert.True(t, c.registry.KeepAlive().Active(c.id, "call-confirm"))

	passive := newCallSession(t, c, "s2", "call-passive")
	passive.SetSessionTimer(1800, "uas")
	invite2 := newOutboundInvite("call-passive")
	ringing2 := sip.NewResponseFromRequest(invite2, 180, "Ringing", nil)
	c.rescheduleKeepAlive(passive, newOutboundDialog(c, invite2, ringing2))
	assert.False(t, c.registry.KeepAlive().Active(c.id, "call-passive"))
}

func TestClearCallStateDropsBookkeeping(t *testing.T) {
	c := newTestClient(t)
	invite := newOutboundInvite("call-done")
	ringing := sip.NewResponseFromRequest(invite, 180, "Ringing", nil)
	c.dialogs.Store("call-done", newOutboundDialog(c, invite, ringing))
	c.timerNegotiated.Store("call-done", true)

	c.clearCallState("call-done")

	_, ok := c.dialogs.Load("call-done")
	assert.False(t, ok)
	_, ok = c.timerNegotiated.Load("call-done")
	assert.False(t, ok)
}

func TestInboundCallLifecycle(t *testing.T) {
	c := newTestClient(t)
	sess := newCallSession(t, c, "s1", "call-inbound")
	sess.SDPPort = freeMediaPort(t)

	invite := newInboundInvite(t, "call-inbound", 40610)
	inviteTx := newFakeServerTx()
	c.handleInvite(invite, inviteTx)

	require.Equal(t, []int{100, 180, 200}, inviteTx.statuses())
	assert.Equal(t, session.StatusConnected, sess.Status())
	d := c.dialogForCallID("call-inbound")
	require.NotNil(t, d)
	assert.True(t, d.inbound)
	require.NotNil(t, sess.Media())
	t.Cleanup(func() { sess.Media().Stop() })

	addr, port := sess.RemoteEndpoint()
	assert.Equal(t, "127.0.0.1", addr)
	assert.Equal(t, 40610, port)
	assert.False(t, sess.Media().Active(), "media waits for the ACK")

	c.handleAck(newInDialogRequest(sip.ACK, "call-inbound", 1), newFakeServerTx())
	assert.True(t, sess.Media().Active())

	// Negotiation state left over from the call must go with it
	c.timerNegotiated.Store("call-inbound", true)

	byeTx := newFakeServerTx()
	c.handleBye(newInDialogRequest(sip.BYE, "call-inbound", 2), byeTx)

	assert.Equal(t, []int{200}, byeTx.statuses())
	assert.Equal(t, session.StatusDisconnected, sess.Status())
	assert.False(t, sess.Media().Active())
	assert.Nil(t, c.dialogForCallID("call-inbound"))
	_, ok := c.timerNegotiated.Load("call-inbound")
	assert.False(t, ok)
	_, err := c.registry.FindByCallID("call-inbound")
	assert.Error(t, err)
}

func TestByeForUnknownCallAnswers481(t *testing.T) {
	c := newTestClient(t)
	tx := newFakeServerTx()
	c.handleBye(newInDialogRequest(sip.BYE, "call-missing", 1), tx)
	assert.Equal(t, []int{481}, tx.statuses())
}

func TestCancelBeforeAnswerTerminatesInvite(t *testing.T) {
	c := newTestClient(t)
	sess := newCallSession(t, c, "s1", "call-cancelled")
	sess.UpdateStatus(session.StatusRinging)

	invite := newInboundInvite(t, "call-cancelled", 40612)
	inviteTx := newFakeServerTx()
	c.pendingInvites.Store("call-cancelled", &pendingInvite{req: invite, tx: inviteTx})
	c.timerNegotiated.Store("call-cancelled", true)

	cancelTx := newFakeServerTx()
	c.handleCancel(newInDialogRequest(sip.CANCEL, "call-cancelled", 1), cancelTx)

	assert.Equal(t, []int{200}, cancelTx.statuses())
	assert.Equal(t, []int{487}, inviteTx.statuses())
	assert.Equal(t, session.StatusCancelled, sess.Status())
	_, ok := c.timerNegotiated.Load("call-cancelled")
	assert.False(t, ok)
	_, err := c.registry.FindByCallID("call-cancelled")
	assert.Error(t, err)
}

func TestCancelForUnknownCallAnswers481(t *testing.T) {
	c := newTestClient(t)
	tx := newFakeServerTx()
	c.handleCancel(newInDialogRequest(sip.CANCEL, "call-unknown", 1), tx)
	assert.Equal(t, []int{481}, tx.statuses())
}
