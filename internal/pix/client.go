// Package pix talks to the PIX instant-payment provider: charge creation,
// status polling, refunds and cancellation.
package pix

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/saveupapp/saveup/internal/observability"
)

var (
	// ErrGatewayUnavailable covers network failures and provider 5xx
	// responses. Callers must not advance any order state when they see it.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidPayer is returned when the provider rejects the payer's
	// document or contact data.
	ErrInvalidPayer = errors.New("payer data rejected by gateway")
	// ErrChargeNotFound is returned for unknown charge identifiers.
	ErrChargeNotFound = errors.New("charge not found")
	// ErrAlreadyRefunded is returned when the charge was refunded previously.
	// Callers treat it as success: the money is already on its way back.
	ErrAlreadyRefunded = errors.New("charge already refunded")
	// ErrRefundNotAllowed is returned when the charge is not in a refundable
	// state (never approved, or past the provider's refund window).
	ErrRefundNotAllowed = errors.New("charge not refundable")
)

// ChargeStatus is the provider-side view of a charge.
type ChargeStatus string

const (
	ChargePending  ChargeStatus = "pending"
	ChargeApproved ChargeStatus = "approved"
	ChargeRejected ChargeStatus = "rejected"
	ChargeCanceled ChargeStatus = "cancelled"
)

type Charge struct {
	ID          string       `json:"id"`
	Status      ChargeStatus `json:"status"`
	QRCodeText  string       `json:"qr_code_text"`
	QRCodeImage string       `json:"qr_code_image"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ChargeParams struct {
	// ExternalReference doubles as the idempotency key: the provider returns
	// the original charge when it sees a repeated reference.
	ExternalReference string
	Amount            decimal.Decimal
	Description       string
	PayerName         string
	PayerEmail        string
	PayerDocument     string
	ExpiresIn         time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: observability.NewHTTPClient(10 * time.Second),
	}
}

type chargeRequest struct {
	ExternalReference string `json:"external_reference"`
	Amount            string `json:"amount"`
	Description       string `json:"description,omitempty"`
	Payer             payer  `json:"payer"`
	ExpirationSeconds int    `json:"expiration_seconds"`
}

type payer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document"`
}

type chargeResponse struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	QRCodeText string    `json:"qr_code_text"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CreateCharge registers a PIX charge and renders its copy-paste code as a QR
// image. The provider deduplicates on external reference, so retrying after a
// timeout is safe.
func (c *Client) CreateCharge(ctx context.Context, params ChargeParams) (*Charge, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("charge amount must be positive")
	}

	body := chargeRequest{
		ExternalReference: params.ExternalReference,
		Amount:            params.Amount.StringFixed(2),
		Description:       params.Description,
		Payer: payer{
			Name:     params.PayerName,
			Email:    params.PayerEmail,
			Document: params.PayerDocument,
		},
		ExpirationSeconds: int(params.ExpiresIn.Seconds()),
	}

	var resp chargeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/charges", params.ExternalReference, body, &resp); err != nil {
		return nil, err
	}

	charge := &Charge{
		ID:         resp.ID,
		Status:     ChargeStatus(resp.Status),
		QRCodeText: resp.QRCodeText,
		ExpiresAt:  resp.ExpiresAt,
	}

	if charge.QRCodeText != "" {
		png, err := qrcode.Encode(charge.QRCodeText, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("failed to render qr code: %w", err)
		}
		charge.QRCodeImage = base64.StdEncoding.EncodeToString(png)
	}

	return charge, nil
}

// GetChargeStatus polls the provider for the current state of a charge.
func (c *Client) GetChargeStatus(ctx context.Context, chargeID string) (ChargeStatus, error) {
	if ctx == nil {
		return "", fmt.Errorf("context is required")
	}

	var resp chargeResponse
	if err := c.do(ctx, http.MethodGet, "/v1/charges/"+chargeID, "", nil, &resp); err != nil {
		return "", err
	}
	return ChargeStatus(resp.Status), nil
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// CreateRefund asks the provider to return funds for an approved charge.
func (c *Client) CreateRefund(ctx context.Context, chargeID string, amount decimal.Decimal, reason string) (*Refund, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}

	body := refundRequest{Amount: amount.StringFixed(2), Reason: reason}
	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/charges/"+chargeID+"/refunds", "", body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// CancelCharge voids a still-pending charge. A charge the provider has
// already settled or expired cannot be cancelled; callers treat failure here
// as best effort.
func (c *Client) CancelCharge(ctx context.Context, chargeID string) error {
	if ctx == nil {
		return fmt.Errorf("context is required")
	}
	return c.do(ctx, http.MethodPost, "/v1/charges/"+chargeID+"/cancel", "", nil, nil)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return mapAPIError(resp.StatusCode, apiErr)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func mapAPIError(status int, apiErr apiError) error {
	switch {
	case status == http.StatusNotFound:
		return ErrChargeNotFound
	case apiErr.Code == "invalid_payer":
		return fmt.Errorf("%w: %s", ErrInvalidPayer, apiErr.Message)
	case apiErr.Code == "already_refunded":
		return ErrAlreadyRefunded
	case apiErr.Code == "refund_not_allowed":
		return fmt.Errorf("%w: %s", ErrRefundNotAllowed, apiErr.Message)
	default:
		return fmt.Errorf("gateway rejected request (%d): %s", status, apiErr.Message)
	}
}
