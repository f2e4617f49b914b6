package consumer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"tenant-outbox-engine/internal/models"
	"tenant-outbox-engine/internal/runner"
	"tenant-outbox-engine/internal/tenant"
)

// WebhookNotifier POSTs event notifications to subscriber endpoints. The
// idempotency key travels as a header so receivers can dedup redeliveries.
type WebhookNotifier struct {
	httpClient *http.Client
}

func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &WebhookNotifier{
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Execute(ctx context.Context, payload any) error {
	p, ok := payload.(models.WebhookPayload)
	if !ok {
		return runner.Fatal(fmt.Errorf("unexpected payload type %T", payload))
	}
	scope, err := tenant.FromContext(ctx)
	if err != nil {
		return runner.Fatal(err)
	}

	body := p.Body
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return runner.Fatal(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", p.EventType)
	req.Header.Set("X-Tenant-ID", scope.TenantID)
	if scope.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", scope.CorrelationID)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return runner.Retryable(fmt.Errorf("deliver webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return runner.Retryable(fmt.Errorf("webhook endpoint responded %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// A rejected request will be rejected again; retrying only burns attempts.
		return runner.Fatal(fmt.Errorf("webhook endpoint responded %d", resp.StatusCode))
	default:
		return runner.Retryable(fmt.Errorf("webhook endpoint responded %d", resp.StatusCode))
	}
}
