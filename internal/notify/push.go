// Package notify delivers fire-and-forget customer and supermarket
// notifications over push and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/saveupapp/saveup/internal/observability"
)

// Push is a single push notification addressed by customer email; the push
// provider resolves devices on its side.
type Push struct {
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
}

type PushProvider interface {
	SendPush(ctx context.Context, push *Push) error
}

// NewPushProvider returns the HTTP push provider, or a no-op sender when the
// push service is not configured.
func NewPushProvider(baseURL, apiKey string) PushProvider {
	if baseURL == "" {
		return &NoopPushProvider{}
	}
	return &HTTPPushProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: observability.NewHTTPClient(5 * time.Second),
	}
}

type HTTPPushProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (p *HTTPPushProvider) SendPush(ctx context.Context, push *Push) error {
	if push == nil {
		return fmt.Errorf("push is required")
	}

	payload, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("failed to encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/push", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// NoopPushProvider silently drops pushes. Used when push is not configured.
type NoopPushProvider struct{}

func (*NoopPushProvider) SendPush(ctx context.Context, push *Push) error { return nil }
