package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialog struct {
	callID string

	mu      sync.Mutex
	updates int
	byes    int
}

func (d *fakeDialog) CallID() string { return d.callID }

func (d *fakeDialog) SendUpdate(expiresSeconds int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates++
	return nil
}

func (d *fakeDialog) SendBye() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byes++
	return nil
}

func (d *fakeDialog) updateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates
}

func (d *fakeDialog) byeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byes
}

type fakeTransport struct {
	id string

	mu     sync.Mutex
	closes int
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func newTestRegistry() *Registry {
	return NewRegistry(NewKeepAlive())
}

func TestCreateAndGetSession(t *testing.T) {
	r := newTestRegistry()

	s, err := r.CreateSession("c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusInit, s.Status())
	assert.Equal(t, "c1", s.ClientID)
	assert.Equal(t, "s1", s.SessionID)
	assert.False(t, s.CreateTime.IsZero())

	got, err := r.GetSession("c1", "s1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.GetSession("c1", "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionRejectsDuplicate(t *testing.T) {
	r := newTestRegistry()

	_, err := r.CreateSession("c1", "s1")
	require.NoError(t, err)

	_, err = r.CreateSession("c1", "s1")
	assert.Error(t, err)
}

func TestFindByCallID(t *testing.T) {
	r := newTestRegistry()

	s, err := r.CreateSession("c1", "s1")
	require.NoError(t, err)
	s.SetCallID("call-1@host")

	got, err := r.FindByCallID("call-1@host")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.FindByCallID("")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = r.FindByCallID("unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRemoveLastSessionCascades(t *testing.T) {
	r := newTestRegistry()

	ct := &fakeTransport{id: "c1"}
	r.RegisterClient(ct)

	_, err := r.CreateSession("c1", "s1")
	require.NoError(t, err)
	_, err = r.CreateSession("c1", "s2")
	require.NoError(t, err)

	r.RemoveSession("c1", "s1")
	assert.Zero(t, ct.closeCount(), "client must survive while sessions remain")

	r.RemoveSession("c1", "s2")
	assert.Equal(t, 1, ct.closeCount(), "removing the last session destroys the client")

	_, ok := r.Client("c1")
	assert.False(t, ok)
}

func TestRemoveSessionUnknownIsNoop(t *testing.T) {
	r := newTestRegistry()
	ct := &fakeTransport{id: "c1"}
	r.RegisterClient(ct)

	r.RemoveSession("c1", "nope")
	r.RemoveSession("ghost", "nope")
	assert.Zero(t, ct.closeCount())
}

func TestDestroyClientSendsByeToConnected(t *testing.T) {
	r := newTestRegistry()
	ct := &fakeTransport{id: "c1"}
	r.RegisterClient(ct)

	connected, err := r.CreateSession("c1", "s1")
	require.NoError(t, err)
	d := &fakeDialog{callID: "call-1"}
	connected.SetCallID("call-1")
	connected.SetDialog(d)
	connected.UpdateStatus(StatusConnected)

	idle, err := r.CreateSession("c1", "s2")
	require.NoError(t, err)

	r.DestroyClient("c1")

	assert.Equal(t, 1, d.byeCount())
	assert.Equal(t, StatusDisconnected, connected.Status())
	assert.Equal(t, StatusInit, idle.Status(), "non-connected sessions get no BYE")
	assert.Equal(t, 1, ct.closeCount())
}

func TestDestroyClientIdempotent(t *testing.T) {
	r := newTestRegistry()
	ct := &fakeTransport{id: "c1"}
	r.RegisterClient(ct)

	r.DestroyClient("c1")
	r.DestroyClient("c1")
	assert.Equal(t, 1, ct.closeCount())
}

func TestDestroyAllClients(t *testing.T) {
	r := newTestRegistry()
	ct1 := &fakeTransport{id: "c1"}
	ct2 := &fakeTransport{id: "c2"}
	r.RegisterClient(ct1)
	r.RegisterClient(ct2)

	r.DestroyAllClients()
	assert.Equal(t, 1, ct1.closeCount())
	assert.Equal(t, 1, ct2.closeCount())
	assert.Empty(t, r.AllSessions())
}
