package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeepAliveSendsUpdatesUntilStopped(t *testing.T) {
	k := NewKeepAlive()
	defer k.Shutdown()

	d := &fakeDialog{callID: "call-1"}
	k.Schedule("c1", d, 50*time.Millisecond, 1800)

	assert.Eventually(t, func() bool {
		return d.updateCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	k.Stop("c1", "call-1")
	settled := d.updateCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, d.updateCount(), "no UPDATEs after stop")
}

func TestKeepAliveStopIsIdempotent(t *testing.T) {
	k := NewKeepAlive()
	defer k.Shutdown()

	d := &fakeDialog{callID: "call-1"}
	k.Schedule("c1", d, time.Hour, 1800)

	k.Stop("c1", "call-1")
	k.Stop("c1", "call-1")
	k.Stop("c1", "never-scheduled")
}

func TestKeepAliveRescheduleReplacesTask(t *testing.T) {
	k := NewKeepAlive()
	defer k.Shutdown()

	d := &fakeDialog{callID: "call-1"}
	k.Schedule("c1", d, time.Hour, 1800)
	k.Schedule("c1", d, 50*time.Millisecond, 1800)

	assert.Eventually(t, func() bool {
		return d.updateCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeepAliveStopClient(t *testing.T) {
	k := NewKeepAlive()
	defer k.Shutdown()

	d1 := &fakeDialog{callID: "call-1"}
	d2 := &fakeDialog{callID: "call-2"}
	other := &fakeDialog{callID: "call-3"}
	k.Schedule("c1", d1, 50*time.Millisecond, 1800)
	k.Schedule("c1", d2, 50*time.Millisecond, 1800)
	k.Schedule("c2", other, 50*time.Millisecond, 1800)

	k.StopClient("c1")

	n1, n2 := d1.updateCount(), d2.updateCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n1, d1.updateCount())
	assert.Equal(t, n2, d2.updateCount())

	assert.Eventually(t, func() bool {
		return other.updateCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "other client's task keeps running")
}

func TestKeepAliveRejectsNonPositiveInterval(t *testing.T) {
	k := NewKeepAlive()
	defer k.Shutdown()

	d := &fakeDialog{callID: "call-1"}
	k.Schedule("c1", d, 0, 1800)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, d.updateCount())
}

func TestKeepAliveShutdownCancelsEverything(t *testing.T) {
	k := NewKeepAlive()

	d := &fakeDialog{callID: "call-1"}
	k.Schedule("c1", d, 50*time.Millisecond, 1800)

	k.Shutdown()
	settled := d.updateCount()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, d.updateCount())

	// Scheduling after shutdown is a no-op
	k.Schedule("c1", d, 10*time.Millisecond, 1800)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, d.updateCount())
}
