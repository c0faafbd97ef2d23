package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/leaseq/leaseq/internal/model"
)

// WebhookHandler is the bundled reference handler: it POSTs each delivered
// payload to a configured endpoint, with the message name and id carried in
// headers. Any non-2xx response is a failed attempt and feeds the queue's
// retry policy.
type WebhookHandler struct {
	url     string
	client  *http.Client
	breaker *MicroBreaker
}

func NewWebhookHandler(url string, timeout time.Duration, breaker *MicroBreaker) *WebhookHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookHandler{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (h *WebhookHandler) Handle(ctx context.Context, m model.Message) error {
	if h.breaker != nil && !h.breaker.TryAcquire() {
		return fmt.Errorf("webhook circuit open")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(m.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Leaseq-Message", m.Name)
	req.Header.Set("X-Leaseq-Id", m.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		if h.breaker != nil {
			h.breaker.OnFailure()
		}
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if h.breaker != nil {
			h.breaker.OnFailure()
		}
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	if h.breaker != nil {
		h.breaker.OnSuccess()
	}
	return nil
}
