package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// KeepAlive drives all session-timer refresh tasks across all clients.
// Each task is keyed by clientId+callId, sends an in-dialog UPDATE every
// interval, and is independently cancelable.
type KeepAlive struct {
	mu     sync.Mutex
	tasks  map[string]chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewKeepAlive creates an empty scheduler.
func NewKeepAlive() *KeepAlive {
	return &KeepAlive{
		tasks: make(map[string]chan struct{}),
	}
}

func keepAliveKey(clientID, callID string) string {
	return clientID + "_" + callID
}

// Schedule registers a recurring refresh for the dialog. An existing task
// under the same key is replaced. The first UPDATE fires one interval after
// scheduling. expiresSeconds is the negotiated session interval carried in
// each refresh; the task interval runs shorter so the refresh lands before
// the timer expires.
func (k *KeepAlive) Schedule(clientID string, dialog DialogHandle, interval time.Duration, expiresSeconds int) {
	if interval <= 0 {
		slog.Warn("[KeepAlive] Ignoring non-positive refresh interval",
			"client_id", clientID, "call_id", dialog.CallID(), "interval", interval.String())
		return
	}

	key := keepAliveKey(clientID, dialog.CallID())

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	if old, ok := k.tasks[key]; ok {
		close(old)
	}
	stop := make(chan struct{})
	k.tasks[key] = stop
	k.wg.Add(1)
	k.mu.Unlock()

	slog.Info("[KeepAlive] Scheduled session refresh",
		"client_id", clientID, "call_id", dialog.CallID(), "interval", interval.String())

	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := dialog.SendUpdate(expiresSeconds); err != nil {
					slog.Warn("[KeepAlive] Session refresh UPDATE failed",
						"client_id", clientID, "call_id", dialog.CallID(), "error", err.Error())
				} else {
					slog.Debug("[KeepAlive] Session refresh UPDATE sent",
						"client_id", clientID, "call_id", dialog.CallID())
				}
			}
		}
	}()
}

// Active reports whether a refresh task is running for the dialog.
func (k *KeepAlive) Active(clientID, callID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.tasks[keepAliveKey(clientID, callID)]
	return ok
}

// Stop cancels the task for one dialog. Idempotent.
func (k *KeepAlive) Stop(clientID, callID string) {
	key := keepAliveKey(clientID, callID)

	k.mu.Lock()
	stop, ok := k.tasks[key]
	if ok {
		delete(k.tasks, key)
	}
	k.mu.Unlock()

	if ok {
		close(stop)
		slog.Debug("[KeepAlive] Stopped session refresh", "client_id", clientID, "call_id", callID)
	}
}

// StopClient cancels every task belonging to one client.
func (k *KeepAlive) StopClient(clientID string) {
	prefix := clientID + "_"

	k.mu.Lock()
	var stopped []chan struct{}
	for key, stop := range k.tasks {
		if strings.HasPrefix(key, prefix) {
			stopped = append(stopped, stop)
			delete(k.tasks, key)
		}
	}
	k.mu.Unlock()

	for _, stop := range stopped {
		close(stop)
	}
	if len(stopped) > 0 {
		slog.Debug("[KeepAlive] Stopped client refresh tasks", "client_id", clientID, "count", len(stopped))
	}
}

// Shutdown cancels all tasks and waits a bounded time for them to finish.
func (k *KeepAlive) Shutdown() {
	k.mu.Lock()
	k.closed = true
	for key, stop := range k.tasks {
		close(stop)
		delete(k.tasks, key)
	}
	k.mu.Unlock()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("[KeepAlive] Shutdown timed out waiting for refresh tasks")
	}
}
