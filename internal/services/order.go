package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/lifecycle"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/notify"
	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/pix"
)

var (
	ErrPaymentNotVerified = errors.New("order has no verified payment")
	ErrRefundFailed       = errors.New("refund request failed")
	ErrRefundInProgress   = errors.New("refund already in progress")
	ErrNothingToRefund    = errors.New("order has no approved charge to refund")
)

type lifecycleOrderStore interface {
	GetByID(ctx context.Context, orderID uuid.UUID) (*db.Order, error)
	ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*db.Order, error)
	Transition(ctx context.Context, orderID uuid.UUID, from, to db.OrderStatus, manualBy string) error
	SetRefundRequested(ctx context.Context, orderID uuid.UUID, refundID string, amount decimal.Decimal, reason string) error
	SetRefundResult(ctx context.Context, orderID uuid.UUID, refundID string, status models.RefundStatus) error
	UpdateItemLineStatus(ctx context.Context, orderID, itemID uuid.UUID, status models.LineStatus) error
}

type stockRestorer interface {
	RestoreStock(ctx context.Context, productID uuid.UUID, quantity int) error
}

type pointsAwarder interface {
	AwardEcoPoints(ctx context.Context, email string, points int) error
}

type refundGateway interface {
	CreateRefund(ctx context.Context, chargeID string, amount decimal.Decimal, reason string) (*pix.Refund, error)
	CancelCharge(ctx context.Context, chargeID string) error
}

type settlementComputer interface {
	ComputeForOrder(ctx context.Context, order *db.Order) error
}

type OrderService struct {
	orderStore    lifecycleOrderStore
	productStore  stockRestorer
	customerStore pointsAwarder
	gateway       refundGateway
	settlements   settlementComputer
	dispatcher    *notify.Dispatcher
	logger        *slog.Logger
}

func NewOrderService(orderStore lifecycleOrderStore, productStore stockRestorer, customerStore pointsAwarder, gateway refundGateway, settlements settlementComputer, dispatcher *notify.Dispatcher, logger *slog.Logger) *OrderService {
	return &OrderService{
		orderStore:    orderStore,
		productStore:  productStore,
		customerStore: customerStore,
		gateway:       gateway,
		settlements:   settlements,
		dispatcher:    dispatcher,
		logger:        logger,
	}
}

func (s *OrderService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

func (s *OrderService) Get(ctx context.Context, orderID uuid.UUID) (*db.Order, error) {
	order, err := s.orderStore.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (s *OrderService) ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*db.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.orderStore.ListByStaff(ctx, staffID, limit)
}

type TransitionInput struct {
	OrderID uuid.UUID
	Target  models.OrderStatus
	Actor   lifecycle.Actor
	// ActorID identifies the acting user for the manual-status audit trail.
	ActorID string
}

// Transition is the single authority for explicit status changes. Cancel
// targets route through the cancellation compound so a paid order can never
// be cancelled without its refund being attempted.
func (s *OrderService) Transition(ctx context.Context, input TransitionInput) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.transition",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Transition"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("order.transition.received", 1, sentry.WithAttributes(
		attribute.String("target", string(input.Target)),
		attribute.String("actor", string(input.Actor)),
	))

	if lifecycle.IsCancelFamily(input.Target) {
		return s.Cancel(ctx, CancelInput{
			OrderID: input.OrderID,
			Actor:   input.Actor,
			ActorID: input.ActorID,
		})
	}

	order, err := s.Get(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}

	if err := lifecycle.Validate(order.Status, input.Target, order.Fulfillment, input.Actor); err != nil {
		meter.Count("order.transition.rejected", 1, sentry.WithAttributes(
			attribute.String("reason", "table_rejected"),
		))
		return nil, err
	}

	// A PIX order may only be confirmed once its payment was actually seen.
	if order.Status == models.StatusPending && input.Target == models.StatusConfirmed &&
		order.ExternalReference != "" && !order.HasApprovedCharge() {
		return nil, ErrPaymentNotVerified
	}

	manualBy := ""
	if lifecycle.IsManual(input.Actor) {
		manualBy = input.ActorID
	}

	if err := s.orderStore.Transition(ctx, order.ID, order.Status, input.Target, manualBy); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			meter.Count("order.transition.rejected", 1, sentry.WithAttributes(
				attribute.String("reason", "cas_conflict"),
			))
		}
		return nil, err
	}
	order.Status = input.Target

	s.afterTransition(ctx, order)

	meter.Count("order.transition.processed", 1, sentry.WithAttributes(
		attribute.String("target", string(input.Target)),
	))
	return order, nil
}

// afterTransition runs the side effects of a successful status change. None
// of them may fail the transition: the status is already committed.
func (s *OrderService) afterTransition(ctx context.Context, order *db.Order) {
	logger := s.loggerFromContext(ctx)

	switch order.Status {
	case models.StatusCompleted:
		if order.EcoPoints > 0 {
			if err := s.customerStore.AwardEcoPoints(ctx, order.CustomerEmail, order.EcoPoints); err != nil {
				logger.Error("failed to award eco points", "error", err, "order_id", order.ID, "points", order.EcoPoints)
			}
		}
		if err := s.settlements.ComputeForOrder(ctx, order); err != nil {
			logger.Error("failed to compute settlement", "error", err, "order_id", order.ID)
		}
		s.dispatcher.StatusChanged(ctx, order)
	case models.StatusReady, models.StatusShipped:
		s.dispatcher.OrderReady(ctx, order, "")
	default:
		s.dispatcher.StatusChanged(ctx, order)
	}
}

type CancelInput struct {
	OrderID uuid.UUID
	Actor   lifecycle.Actor
	ActorID string
	Reason  string
}

// Cancel performs the cancellation compound. For a paid order the automatic
// refund is an inseparable part of the operation: on refund success a staff
// cancellation reconciles to plain cancelled, on refund failure the order
// stays in cancelled-staff with refund_status=failed so the refund can be
// retried explicitly. Re-cancelling an already cancelled order is a no-op.
func (s *OrderService) Cancel(ctx context.Context, input CancelInput) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.cancel",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Cancel"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	meter.Count("order.cancel.received", 1, sentry.WithAttributes(
		attribute.String("actor", string(input.Actor)),
	))

	order, err := s.Get(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}

	if lifecycle.IsCancelFamily(order.Status) {
		meter.Count("order.cancel.noop", 1)
		return order, nil
	}

	target := models.StatusCancelledStaff
	if input.Actor == lifecycle.ActorCustomer {
		target = models.StatusCancelledCustomer
	}

	if err := lifecycle.Validate(order.Status, target, order.Fulfillment, input.Actor); err != nil {
		return nil, err
	}

	manualBy := ""
	if lifecycle.IsManual(input.Actor) {
		manualBy = input.ActorID
	}
	if err := s.orderStore.Transition(ctx, order.ID, order.Status, target, manualBy); err != nil {
		return nil, err
	}
	order.Status = target

	s.restoreStock(ctx, order)
	s.dispatcher.OrderCancelled(ctx, order, false)

	if !order.HasApprovedCharge() {
		// An unpaid charge must not stay payable after the order is gone; a
		// payment landing on it afterwards would have no order to promote.
		if order.PaymentReference != "" {
			if err := s.gateway.CancelCharge(ctx, order.PaymentReference); err != nil {
				logger.Warn("failed to close open charge for cancelled order", "error", err, "order_id", order.ID, "charge_id", order.PaymentReference)
			}
		}
		meter.Count("order.cancel.processed", 1)
		return order, nil
	}

	refundErr := s.issueRefund(ctx, order, input.Reason)
	if refundErr != nil {
		meter.Count("order.cancel.refund_failed", 1)
		logger.Error("automatic refund failed, order left retryable", "error", refundErr, "order_id", order.ID)
		return order, fmt.Errorf("%w: %v", ErrRefundFailed, refundErr)
	}

	if target == models.StatusCancelledStaff {
		if err := s.orderStore.Transition(ctx, order.ID, models.StatusCancelledStaff, models.StatusCancelled, ""); err != nil && !errors.Is(err, db.ErrStatusConflict) {
			logger.Error("failed to reconcile cancellation", "error", err, "order_id", order.ID)
		} else {
			order.Status = models.StatusCancelled
		}
	}

	s.dispatcher.OrderCancelled(ctx, order, true)
	meter.Count("order.cancel.processed", 1)
	return order, nil
}

// Refund is the manual trigger, used to retry a failed automatic refund or to
// refund without a status change.
func (s *OrderService) Refund(ctx context.Context, orderID uuid.UUID, reason string) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.refund",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Refund"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.HasApprovedCharge() {
		return nil, ErrNothingToRefund
	}
	if order.RefundStatus == models.RefundCompleted {
		return order, nil
	}

	if err := s.issueRefund(ctx, order, reason); err != nil {
		return order, fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}

	if order.Status == models.StatusCancelledStaff {
		if err := s.orderStore.Transition(ctx, order.ID, models.StatusCancelledStaff, models.StatusCancelled, ""); err != nil && !errors.Is(err, db.ErrStatusConflict) {
			s.loggerFromContext(ctx).Error("failed to reconcile cancellation after refund", "error", err, "order_id", order.ID)
		} else {
			order.Status = models.StatusCancelled
		}
	}
	return order, nil
}

// issueRefund requests a full refund exactly once. The refund_status guard in
// the store prevents a double request; a previously failed attempt may pass
// the guard again.
func (s *OrderService) issueRefund(ctx context.Context, order *db.Order, reason string) error {
	if reason == "" {
		reason = "order cancelled"
	}

	if err := s.orderStore.SetRefundRequested(ctx, order.ID, "", order.TotalAmount, reason); err != nil {
		if errors.Is(err, db.ErrRefundConflict) {
			return ErrRefundInProgress
		}
		return fmt.Errorf("failed to record refund request: %w", err)
	}
	order.RefundStatus = models.RefundRequested
	order.RefundAmount = order.TotalAmount
	order.RefundReason = reason

	refund, err := s.gateway.CreateRefund(ctx, order.PaymentReference, order.TotalAmount, reason)
	if err != nil {
		if errors.Is(err, pix.ErrAlreadyRefunded) {
			// The money already went back in an earlier attempt.
			if markErr := s.orderStore.SetRefundResult(ctx, order.ID, "", models.RefundCompleted); markErr != nil {
				return fmt.Errorf("refund done but could not be recorded: %w", markErr)
			}
			order.RefundStatus = models.RefundCompleted
			return nil
		}
		if markErr := s.orderStore.SetRefundResult(ctx, order.ID, "", models.RefundFailed); markErr != nil {
			s.loggerFromContext(ctx).Error("failed to mark refund failed", "error", markErr, "order_id", order.ID)
		}
		order.RefundStatus = models.RefundFailed
		return err
	}

	if err := s.orderStore.SetRefundResult(ctx, order.ID, refund.ID, models.RefundCompleted); err != nil {
		return fmt.Errorf("refund issued but could not be recorded: %w", err)
	}
	order.RefundID = refund.ID
	order.RefundStatus = models.RefundCompleted
	return nil
}

// UpdateLine lets the owning supermarket confirm or remove a single item
// while the order is in confirmed.
func (s *OrderService) UpdateLine(ctx context.Context, orderID, itemID uuid.UUID, status models.LineStatus) (*db.Order, error) {
	if status != models.LineConfirmed && status != models.LineRemoved {
		return nil, fmt.Errorf("%w: line status must be confirmed or removed", ErrIncompleteOrderData)
	}
	if err := s.orderStore.UpdateItemLineStatus(ctx, orderID, itemID, status); err != nil {
		return nil, err
	}
	return s.Get(ctx, orderID)
}

func (s *OrderService) restoreStock(ctx context.Context, order *db.Order) {
	for _, item := range order.Items {
		if err := s.productStore.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
			s.loggerFromContext(ctx).Error("failed to restore stock", "error", err, "order_id", order.ID, "product_id", item.ProductID)
		}
	}
}
