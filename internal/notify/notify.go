// Package notify posts call lifecycle events to an external collaborator
// over HTTP. Delivery is fire-and-forget: a failed notification is logged
// and never blocks or fails call processing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sebas/sipagent/internal/logger"
)

const deliverTimeout = 3 * time.Second

type startCallEvent struct {
	CallID string `json:"call_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

type endCallEvent struct {
	CallID string `json:"call_id"`
}

// Notifier delivers events to baseURL/start_call and baseURL/end_call.
// A nil Notifier discards everything.
type Notifier struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Notifier {
	if baseURL == "" {
		return nil
	}
	return &Notifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: deliverTimeout},
	}
}

// StartCall announces an answered call together with the local RTP endpoint
// the remote party should be reached on.
func (n *Notifier) StartCall(callID, ip string, port int) {
	if n == nil {
		return
	}
	go n.post("/start_call", startCallEvent{CallID: callID, IP: ip, Port: port})
}

// EndCall announces that the call is over.
func (n *Notifier) EndCall(callID string) {
	if n == nil {
		return
	}
	go n.post("/end_call", endCallEvent{CallID: callID})
}

func (n *Notifier) post(path string, event any) {
	body, err := json.Marshal(event)
	if err != nil {
		logger.Error("[Notify] Failed to encode event", "path", path, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		logger.Error("[Notify] Failed to build request", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn("[Notify] Delivery failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("[Notify] Collaborator rejected event",
			"path", path, "status", fmt.Sprintf("%d", resp.StatusCode))
		return
	}
	logger.Debug("[Notify] Event delivered", "path", path)
}
