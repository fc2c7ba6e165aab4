// Package email sends transactional customer email.
package email

import (
	"context"
)

type Provider interface {
	SendEmail(ctx context.Context, email *Email) error
	ValidateAPIKey(ctx context.Context) error
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// NewProvider returns the Resend-backed provider, or a no-op sender when no
// API key is configured so local development works without credentials.
func NewProvider(apiKey, from string) Provider {
	if apiKey == "" {
		return &NoopProvider{}
	}
	return NewResendProvider(apiKey, from)
}

// NoopProvider silently drops email. Used when email is not configured.
type NoopProvider struct{}

func (*NoopProvider) SendEmail(ctx context.Context, email *Email) error { return nil }

func (*NoopProvider) ValidateAPIKey(ctx context.Context) error { return nil }
