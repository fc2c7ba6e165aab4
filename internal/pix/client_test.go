package pix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "test_key")
	client.httpClient = srv.Client()
	return client
}

func TestCreateCharge(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "order-abc" {
			t.Errorf("idempotency key = %q, want order-abc", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test_key" {
			t.Errorf("authorization = %q", got)
		}

		var req chargeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Amount != "25.50" {
			t.Errorf("amount = %q, want 25.50", req.Amount)
		}

		json.NewEncoder(w).Encode(chargeResponse{
			ID:         "ch_1",
			Status:     "pending",
			QRCodeText: "00020126BR.GOV.BCB.PIX",
			ExpiresAt:  time.Now().Add(30 * time.Minute),
		})
	})

	charge, err := client.CreateCharge(context.Background(), ChargeParams{
		ExternalReference: "order-abc",
		Amount:            decimal.RequireFromString("25.50"),
		PayerName:         "Ana Souza",
		PayerEmail:        "ana@example.com",
		PayerDocument:     "12345678901",
		ExpiresIn:         30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if charge.ID != "ch_1" || charge.Status != ChargePending {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if charge.QRCodeImage == "" {
		t.Fatal("expected rendered qr code image")
	}
}

func TestCreateCharge_RejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	client := NewClient("http://unused", "test_key")
	_, err := client.CreateCharge(context.Background(), ChargeParams{Amount: decimal.Zero})
	if err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestCreateCharge_InvalidPayer(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(apiError{Code: "invalid_payer", Message: "bad document"})
	})

	_, err := client.CreateCharge(context.Background(), ChargeParams{
		Amount: decimal.RequireFromString("10.00"),
	})
	if !errors.Is(err, ErrInvalidPayer) {
		t.Fatalf("error = %v, want ErrInvalidPayer", err)
	}
}

func TestGetChargeStatus(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges/ch_1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(chargeResponse{ID: "ch_1", Status: "approved"})
	})

	status, err := client.GetChargeStatus(context.Background(), "ch_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != ChargeApproved {
		t.Fatalf("status = %q, want approved", status)
	}
}

func TestGetChargeStatus_NotFound(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetChargeStatus(context.Background(), "ch_missing")
	if !errors.Is(err, ErrChargeNotFound) {
		t.Fatalf("error = %v, want ErrChargeNotFound", err)
	}
}

func TestGetChargeStatus_GatewayDown(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetChargeStatus(context.Background(), "ch_1")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("error = %v, want ErrGatewayUnavailable", err)
	}
}

func TestCreateRefund_AlreadyRefunded(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(apiError{Code: "already_refunded"})
	})

	_, err := client.CreateRefund(context.Background(), "ch_1", decimal.RequireFromString("25.50"), "order cancelled")
	if !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("error = %v, want ErrAlreadyRefunded", err)
	}
}

func TestCreateRefund(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges/ch_1/refunds" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req refundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Amount != "25.50" {
			t.Errorf("amount = %q, want 25.50", req.Amount)
		}
		json.NewEncoder(w).Encode(Refund{ID: "re_1", Status: "completed"})
	})

	refund, err := client.CreateRefund(context.Background(), "ch_1", decimal.RequireFromString("25.50"), "order cancelled")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refund.ID != "re_1" {
		t.Fatalf("unexpected refund: %+v", refund)
	}
}

func TestCancelCharge(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges/ch_1/cancel" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := client.CancelCharge(context.Background(), "ch_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
