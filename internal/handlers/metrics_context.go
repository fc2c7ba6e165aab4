package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/services"
)

// MetricsContext adds a request-scoped, pre-attributed meter to the context.
func (h *Handlers) MetricsContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := requestIDFromRequest(r)

		attrs := []attribute.Builder{
			attribute.String("http.request_id", requestID),
			attribute.String("http.method", r.Method),
			attribute.String("network.client.ip", clientIP(r)),
		}
		if route := routeLabel(r); route != "" {
			attrs = append(attrs, attribute.String("http.route", route))
		}
		if userAgent := strings.TrimSpace(r.UserAgent()); userAgent != "" {
			attrs = append(attrs, attribute.String("http.user_agent", userAgent))
		}
		if r.ContentLength >= 0 {
			attrs = append(attrs, attribute.Int64("http.request_content_length", r.ContentLength))
		}

		if claims := h.staffClaimsFromRequest(ctx, r); claims != nil && claims.StaffID != uuid.Nil {
			attrs = append(attrs, attribute.String("staff.id", claims.StaffID.String()))
			if claims.Admin {
				attrs = append(attrs, attribute.String("staff.role", "admin"))
			}
		}

		meter := sentry.NewMeter(ctx).WithCtx(ctx)
		meter.SetAttributes(attrs...)

		ctx = observability.WithMeter(ctx, meter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// staffClaimsFromRequest resolves claims before the auth middleware has run.
// Invalid or absent tokens are fine here; the request just goes unattributed.
func (h *Handlers) staffClaimsFromRequest(ctx context.Context, r *http.Request) *services.StaffClaims {
	if claims := staffClaimsFromContext(ctx); claims != nil {
		return claims
	}
	if h.authService == nil {
		return nil
	}
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	claims, err := h.authService.ParseToken(token)
	if err != nil {
		return nil
	}
	return claims
}
