package handlers

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/pix"
)

// PixWebhook receives charge-status notifications from the payment provider.
// The event is advisory: the service re-verifies the charge against the
// gateway before promoting anything. A reference we don't know yet is still a
// 200; the provider must not retry it forever.
func (h *Handlers) PixWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	event, err := pix.ReadWebhookEvent(r, h.webhookSecret)
	if err != nil {
		meter.Count("webhook.pix.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "invalid_signature_or_payload"),
		))
		logger.Warn("rejected pix webhook", "error", err)
		h.writeError(ctx, w, http.StatusBadRequest, "invalid webhook")
		return
	}

	if err := h.checkoutService.HandleWebhookEvent(ctx, event); err != nil {
		// A processing failure is ours, not the provider's; a 500 makes the
		// provider redeliver and the event-id dedup keeps that harmless.
		logger.Error("failed to process pix webhook", "error", err, "event_id", event.ID)
		h.writeError(ctx, w, http.StatusInternalServerError, "internal server error")
		return
	}

	meter.Count("webhook.pix.processed", 1, sentry.WithAttributes(
		attribute.String("status", string(event.Status)),
	))
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "ok"})
}
