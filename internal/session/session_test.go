package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Init", StatusInit.String())
	assert.Equal(t, "Connected", StatusConnected.String())
	assert.Equal(t, "RefreshFailed", StatusRefreshFailed.String())
	assert.Equal(t, "Unknown(42)", Status(42).String())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusDisconnected.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())

	assert.False(t, StatusInit.IsTerminal())
	assert.False(t, StatusConnected.IsTerminal())
	assert.False(t, StatusRegistered.IsTerminal())
}

func TestUpdateStatusRefreshesUpdateTime(t *testing.T) {
	s := newSession("c1", "s1")
	assert.Equal(t, StatusInit, s.Status())

	before := s.UpdateTime()
	time.Sleep(5 * time.Millisecond)
	s.UpdateStatus(StatusInviting)

	assert.Equal(t, StatusInviting, s.Status())
	assert.True(t, s.UpdateTime().After(before))

	// The machine is permissive: any transition applies
	s.UpdateStatus(StatusDisconnected)
	s.UpdateStatus(StatusConnected)
	assert.Equal(t, StatusConnected, s.Status())
}

func TestSessionFieldAccessors(t *testing.T) {
	s := newSession("c1", "s1")

	s.SetCallID("abc@host")
	assert.Equal(t, "abc@host", s.CallID())

	s.SetLocalEndpoint("192.168.1.2", 6000)
	addr, port := s.LocalEndpoint()
	assert.Equal(t, "192.168.1.2", addr)
	assert.Equal(t, 6000, port)

	s.SetRemoteEndpoint("10.0.0.5", 7000)
	addr, port = s.RemoteEndpoint()
	assert.Equal(t, "10.0.0.5", addr)
	assert.Equal(t, 7000, port)

	s.SetSessionTimer(1800, "uac")
	expires, refresher := s.SessionTimer()
	assert.Equal(t, 1800, expires)
	assert.Equal(t, "uac", refresher)

	d := &fakeDialog{callID: "abc@host"}
	s.SetDialog(d)
	assert.Equal(t, DialogHandle(d), s.Dialog())
	s.ClearDialog()
	assert.Nil(t, s.Dialog())
}
