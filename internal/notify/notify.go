// Package notify implements the Notification Port: an abstract
// interface keyed by event topic, with log and webhook transports,
// per spec.md §6.4.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"ralph/internal/logx"
)

// Topic names a notification event.
type Topic string

const (
	TopicIterationComplete Topic = "iteration-complete"
	TopicPRDComplete       Topic = "prd-complete"
	TopicError             Topic = "error"
	TopicRetry             Topic = "retry"
	TopicBlocked           Topic = "blocked"
	TopicMaxIterations     Topic = "max-iterations"
)

// Payload is the structured body delivered with every notification.
type Payload struct {
	Project        string  `json:"project"`
	Iteration      int     `json:"iteration"`
	StoryID        string  `json:"storyId,omitempty"`
	Model          string  `json:"model"`
	PendingCount   int     `json:"pendingCount"`
	BlockedCount   int     `json:"blockedCount"`
	CompletedCount int     `json:"completedCount"`
	CumulativeCost float64 `json:"cumulativeCost,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// Port is the abstract notification interface. Transport failures are
// silently absorbed (spec.md §6.4) — Notify never returns an error.
type Port interface {
	Notify(topic Topic, payload Payload)
}

// LogNotifier logs every notification at INFO level. It is always a
// safe default transport since it cannot fail in a way that should
// interrupt the run loop.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify")}
}

// Notify implements Port.
func (n *LogNotifier) Notify(topic Topic, payload Payload) {
	n.logger.Info("notification: topic=%s story=%s iteration=%d message=%q", topic, payload.StoryID, payload.Iteration, payload.Message)
}

// WebhookNotifier POSTs a JSON-encoded payload to a configured URL.
// Delivery failures are logged and otherwise ignored.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *logx.Logger
}

// NewWebhookNotifier creates a WebhookNotifier targeting url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logx.NewLogger("notify"),
	}
}

// Notify implements Port.
func (n *WebhookNotifier) Notify(topic Topic, payload Payload) {
	body, err := json.Marshal(struct {
		Topic   Topic   `json:"topic"`
		Payload Payload `json:"payload"`
	}{Topic: topic, Payload: payload})
	if err != nil {
		n.logger.Warn("webhook payload encode failed: topic=%s err=%v", topic, err)
		return
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook delivery failed: topic=%s url=%s err=%v", topic, n.url, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook delivery rejected: topic=%s url=%s status=%d", topic, n.url, resp.StatusCode)
	}
}

// MultiNotifier fans a notification out to every configured Port.
type MultiNotifier struct {
	Ports []Port
}

// Notify implements Port.
func (m *MultiNotifier) Notify(topic Topic, payload Payload) {
	for _, p := range m.Ports {
		p.Notify(topic, payload)
	}
}
