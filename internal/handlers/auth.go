package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/services"
)

type contextKey string

const staffClaimsKey contextKey = "staff_claims"

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login authenticates a staff account and returns a bearer token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.authService.Login(ctx, req.Email, req.Password)
	if err != nil {
		meter := observability.MeterFromContext(ctx)
		switch {
		case errors.Is(err, services.ErrAuthInvalidCredentials):
			meter.Count("auth.login.rejected", 1, sentry.WithAttributes(
				attribute.String("reason", "invalid_credentials"),
			))
			h.writeError(ctx, w, http.StatusUnauthorized, "invalid email or password")
		case errors.Is(err, services.ErrAuthNotApproved):
			meter.Count("auth.login.rejected", 1, sentry.WithAttributes(
				attribute.String("reason", "not_approved"),
			))
			h.writeError(ctx, w, http.StatusForbidden, "account is not approved")
		default:
			h.writeServiceError(ctx, w, err)
		}
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, result)
}

// RequireStaff verifies the bearer token and puts the claims in the request
// context.
func (h *Handlers) RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token := bearerToken(r)
		if token == "" {
			h.writeError(ctx, w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := h.authService.ParseToken(token)
		if err != nil {
			observability.MeterFromContext(ctx).Count("auth.token.rejected", 1)
			h.writeError(ctx, w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx = context.WithValue(ctx, staffClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only tokens carrying the admin claim. It must run after
// RequireStaff.
func (h *Handlers) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims := staffClaimsFromContext(ctx)
		if claims == nil {
			h.writeError(ctx, w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !claims.Admin {
			h.writeError(ctx, w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func staffClaimsFromContext(ctx context.Context) *services.StaffClaims {
	claims, _ := ctx.Value(staffClaimsKey).(*services.StaffClaims)
	return claims
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
