package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/services"
)

type staffDirectory struct {
	staff map[string]*db.StaffUser
}

func (d *staffDirectory) GetByEmail(ctx context.Context, email string) (*db.StaffUser, error) {
	staff, ok := d.staff[email]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return staff, nil
}

func newAuthHandlers(t *testing.T, accounts ...*db.StaffUser) *Handlers {
	t.Helper()
	directory := &staffDirectory{staff: make(map[string]*db.StaffUser)}
	for _, account := range accounts {
		directory.staff[account.Email] = account
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Handlers{
		authService: services.NewAuthService(directory, "handler-test-secret", logger),
		logger:      logger,
	}
}

func approvedStaff(t *testing.T, email, password string, admin bool) *db.StaffUser {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return &db.StaffUser{
		ID:             uuid.New(),
		Email:          email,
		PasswordHash:   string(hash),
		ApprovalStatus: models.ApprovalApproved,
		Admin:          admin,
	}
}

func TestLoginHandler(t *testing.T) {
	t.Parallel()

	staff := approvedStaff(t, "loja@example.com", "s3cret", false)
	h := newAuthHandlers(t, staff)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"loja@example.com","password":"s3cret"}`))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var result services.LoginResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected a token in the response")
	}
}

func TestLoginHandler_Failures(t *testing.T) {
	t.Parallel()

	staff := approvedStaff(t, "loja@example.com", "s3cret", false)
	pending := approvedStaff(t, "nova@example.com", "s3cret", false)
	pending.ApprovalStatus = models.ApprovalPending
	h := newAuthHandlers(t, staff, pending)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"wrong password", `{"email":"loja@example.com","password":"wrong"}`, http.StatusUnauthorized},
		{"unknown email", `{"email":"ghost@example.com","password":"s3cret"}`, http.StatusUnauthorized},
		{"not approved", `{"email":"nova@example.com","password":"s3cret"}`, http.StatusForbidden},
		{"missing password", `{"email":"loja@example.com"}`, http.StatusBadRequest},
		{"malformed body", `{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			h.Login(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestRequireStaff(t *testing.T) {
	t.Parallel()

	staff := approvedStaff(t, "loja@example.com", "s3cret", false)
	h := newAuthHandlers(t, staff)

	result, err := h.authService.Login(context.Background(), staff.Email, "s3cret")
	if err != nil {
		t.Fatalf("failed to log in: %v", err)
	}

	var seen *services.StaffClaims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = staffClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/staff/orders", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	rec := httptest.NewRecorder()

	h.RequireStaff(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNoContent, rec.Code, rec.Body.String())
	}
	if seen == nil || seen.StaffID != staff.ID {
		t.Fatal("expected staff claims in the request context")
	}
}

func TestRequireStaff_Rejections(t *testing.T) {
	t.Parallel()

	h := newAuthHandlers(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc123"},
		{"garbage token", "Bearer not-a-token"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/staff/orders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()

			h.RequireStaff(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	t.Parallel()

	admin := approvedStaff(t, "admin@example.com", "s3cret", true)
	regular := approvedStaff(t, "loja@example.com", "s3cret", false)
	h := newAuthHandlers(t, admin, regular)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	protected := h.RequireStaff(h.RequireAdmin(next))

	adminLogin, err := h.authService.Login(context.Background(), admin.Email, "s3cret")
	if err != nil {
		t.Fatalf("failed to log in admin: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/settlements/summary", nil)
	req.Header.Set("Authorization", "Bearer "+adminLogin.Token)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin: status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	regularLogin, err := h.authService.Login(context.Background(), regular.Email, "s3cret")
	if err != nil {
		t.Fatalf("failed to log in staff: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/settlements/summary", nil)
	req.Header.Set("Authorization", "Bearer "+regularLogin.Token)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}
