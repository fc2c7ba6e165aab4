package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/saveupapp/saveup/internal/cache"
	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/pix"
)

// webhookDedupTTL bounds how long a processed gateway event id is remembered.
const webhookDedupTTL = 24 * time.Hour

type PaymentStatusResult struct {
	Status        models.OrderStatus `json:"status"`
	GatewayStatus pix.ChargeStatus   `json:"gateway_status,omitempty"`
	ExpiresAt     time.Time          `json:"expires_at,omitempty"`
	// PaymentCode is the PIX copy-paste text, returned while the charge is
	// still payable.
	PaymentCode string `json:"payment_code,omitempty"`
}

// PaymentStatus reports the payment state of an order, reconciling with the
// gateway when the local status is still awaiting_payment. An approval seen
// here promotes the order; a past-due window with no approval expires it.
// Approval always wins the race: the gateway is checked before expiring, so a
// payment made at minute 29 of a 30-minute window is honored.
func (s *CheckoutService) PaymentStatus(ctx context.Context, orderID uuid.UUID) (*PaymentStatusResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.payment_status",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("PaymentStatus"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	order, err := s.orderStore.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	result := &PaymentStatusResult{Status: order.Status, ExpiresAt: order.PaymentExpiresAt}
	if order.Status != models.StatusAwaitingPayment || order.PaymentReference == "" {
		return result, nil
	}
	result.PaymentCode = order.PaymentCode

	gatewayStatus, err := s.gateway.GetChargeStatus(ctx, order.PaymentReference)
	if err != nil {
		// Leave the order untouched on gateway trouble; the sweep or the next
		// poll will reconcile it.
		if errors.Is(err, pix.ErrGatewayUnavailable) {
			return result, err
		}
		return nil, fmt.Errorf("failed to check charge status: %w", err)
	}
	result.GatewayStatus = gatewayStatus

	switch {
	case gatewayStatus == pix.ChargeApproved:
		if err := s.promote(ctx, order); err != nil {
			return nil, err
		}
		result.Status = models.StatusPending
	case gatewayStatus == pix.ChargeRejected:
		if err := s.failPayment(ctx, order); err != nil {
			return nil, err
		}
		result.Status = models.StatusPaymentFailed
	case !order.PaymentExpiresAt.IsZero() && time.Now().After(order.PaymentExpiresAt):
		if err := s.expire(ctx, order); err != nil {
			return nil, err
		}
		result.Status = models.StatusPaymentExpired
	}

	// The code is only useful while the charge can still be paid.
	if result.Status != models.StatusAwaitingPayment {
		result.PaymentCode = ""
	}
	return result, nil
}

// HandleWebhookEvent processes a gateway notification. Events are advisory:
// the reported status is re-verified against the gateway before the order
// moves, and event ids are deduplicated so redelivery is harmless.
func (s *CheckoutService) HandleWebhookEvent(ctx context.Context, event *pix.WebhookEvent) error {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.webhook",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("HandleWebhookEvent"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	meter.Count("checkout.webhook.received", 1, sentry.WithAttributes(
		attribute.String("status", string(event.Status)),
	))

	dedupKey := cache.WebhookKey("pix", event.ID)
	if _, err := s.cache.Get(ctx, dedupKey); err == nil {
		meter.Count("checkout.webhook.duplicate", 1)
		return nil
	}

	if event.Status != pix.ChargeApproved && event.Status != pix.ChargeRejected {
		s.markWebhookProcessed(ctx, dedupKey)
		return nil
	}

	order, err := s.orderStore.GetByExternalReference(ctx, event.ExternalReference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Draft-flow charge: there is no durable order yet. Run the same
			// confirmation path the client's poll would; the client's confirm
			// call with fallback data is the safety net if the draft is gone.
			draftID, ok := draftIDFromReference(event.ExternalReference)
			if ok && event.Status == pix.ChargeApproved {
				if _, confirmErr := s.Confirm(ctx, ConfirmInput{DraftID: draftID, ChargeID: event.ChargeID}); confirmErr != nil {
					logger.Info("webhook could not materialize draft", "error", confirmErr, "draft_id", draftID, "event_id", event.ID)
				} else {
					meter.Count("checkout.webhook.materialized_draft", 1)
				}
			}
			s.markWebhookProcessed(ctx, dedupKey)
			return nil
		}
		return fmt.Errorf("failed to look up order: %w", err)
	}

	if order.Status != models.StatusAwaitingPayment {
		s.markWebhookProcessed(ctx, dedupKey)
		return nil
	}

	gatewayStatus, err := s.gateway.GetChargeStatus(ctx, event.ChargeID)
	if err != nil {
		return fmt.Errorf("failed to verify charge status: %w", err)
	}

	switch gatewayStatus {
	case pix.ChargeApproved:
		if err := s.promote(ctx, order); err != nil {
			return err
		}
	case pix.ChargeRejected:
		if err := s.failPayment(ctx, order); err != nil {
			return err
		}
	default:
		logger.Info("webhook status not confirmed by gateway", "event_id", event.ID, "webhook_status", event.Status, "gateway_status", gatewayStatus)
	}

	s.markWebhookProcessed(ctx, dedupKey)
	meter.Count("checkout.webhook.processed", 1)
	return nil
}

func (s *CheckoutService) markWebhookProcessed(ctx context.Context, key string) {
	if err := s.cache.Set(ctx, key, "1", webhookDedupTTL); err != nil {
		s.loggerFromContext(ctx).Warn("failed to record webhook event id", "error", err, "key", key)
	}
}

// ExpireStale sweeps awaiting_payment orders whose window closed. Each order
// gets one last gateway check so late approvals are promoted instead of
// expired.
func (s *CheckoutService) ExpireStale(ctx context.Context) error {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.expire_stale",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("ExpireStale"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	orders, err := s.orderStore.ListExpiredAwaitingPayment(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed to list expired orders: %w", err)
	}

	for _, order := range orders {
		gatewayStatus := pix.ChargePending
		if order.PaymentReference != "" {
			status, err := s.gateway.GetChargeStatus(ctx, order.PaymentReference)
			if err != nil {
				logger.Warn("skipping expiry, gateway unavailable", "error", err, "order_id", order.ID)
				continue
			}
			gatewayStatus = status
		}

		if gatewayStatus == pix.ChargeApproved {
			if err := s.promote(ctx, order); err != nil {
				logger.Error("failed to promote late approval", "error", err, "order_id", order.ID)
			}
			meter.Count("checkout.expiry.late_approval", 1)
			continue
		}

		if err := s.expire(ctx, order); err != nil {
			logger.Error("failed to expire order", "error", err, "order_id", order.ID)
			continue
		}
		meter.Count("checkout.expiry.expired", 1)
	}
	return nil
}

func (s *CheckoutService) promote(ctx context.Context, order *db.Order) error {
	if err := s.orderStore.MarkPaymentConfirmed(ctx, order.ID); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			// Another poller or the webhook won the race.
			return nil
		}
		return fmt.Errorf("failed to confirm payment: %w", err)
	}
	order.Status = models.StatusPending
	s.dispatcher.PaymentConfirmed(ctx, order, "")
	return nil
}

func (s *CheckoutService) failPayment(ctx context.Context, order *db.Order) error {
	if err := s.orderStore.Transition(ctx, order.ID, models.StatusAwaitingPayment, models.StatusPaymentFailed, ""); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	order.Status = models.StatusPaymentFailed
	s.releaseStock(ctx, order)
	return nil
}

func (s *CheckoutService) expire(ctx context.Context, order *db.Order) error {
	if err := s.orderStore.Transition(ctx, order.ID, models.StatusAwaitingPayment, models.StatusPaymentExpired, ""); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("failed to expire order: %w", err)
	}
	order.Status = models.StatusPaymentExpired
	s.releaseStock(ctx, order)

	if order.PaymentReference != "" {
		if err := s.gateway.CancelCharge(ctx, order.PaymentReference); err != nil {
			s.loggerFromContext(ctx).Warn("failed to cancel charge for expired order", "error", err, "order_id", order.ID)
		}
	}
	return nil
}

// releaseStock returns reserved units when a pre-materialized order dies
// before payment. Draft-flow orders never reserved stock, so they never reach
// here.
func (s *CheckoutService) releaseStock(ctx context.Context, order *db.Order) {
	for _, item := range order.Items {
		if err := s.productStore.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.loggerFromContext(ctx).Error("failed to restore stock", "error", err, "order_id", order.ID, "product_id", item.ProductID)
		}
	}
}
