package pix

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookEvent is the provider's charge-status notification payload.
type WebhookEvent struct {
	ID                string       `json:"id"`
	ChargeID          string       `json:"charge_id"`
	ExternalReference string       `json:"external_reference"`
	Status            ChargeStatus `json:"status"`
	OccurredAt        time.Time    `json:"occurred_at"`
}

// ReadWebhookEvent verifies the HMAC signature on a provider notification and
// decodes its payload. Webhooks are advisory only: the payment state they
// report must be confirmed against the provider before any order moves.
func ReadWebhookEvent(r *http.Request, secret string) (*WebhookEvent, error) {
	signature := r.Header.Get("X-Pix-Signature")
	if signature == "" {
		return nil, fmt.Errorf("missing pix signature header")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	if !validSignature(payload, signature, secret) {
		return nil, fmt.Errorf("webhook signature validation failed")
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if event.ID == "" || event.ChargeID == "" {
		return nil, fmt.Errorf("webhook payload missing event or charge id")
	}
	return &event, nil
}

func validSignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
