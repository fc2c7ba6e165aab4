package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/observability"
)

var ErrInvalidPayoutStatus = errors.New("invalid supermarket payment status")

var oneHundred = decimal.NewFromInt(100)

type settlementStore interface {
	Upsert(ctx context.Context, settlement *db.Settlement) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*db.Settlement, error)
	ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*db.Settlement, error)
	UpdatePaymentStatus(ctx context.Context, orderID, staffID uuid.UUID, status models.SupermarketPaymentStatus, notes string) error
	Summary(ctx context.Context) ([]*db.SettlementSummary, error)
}

type settlementProductStore interface {
	GetByIDs(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*db.Product, error)
}

type settlementStaffStore interface {
	GetByIDs(ctx context.Context, staffIDs []uuid.UUID) (map[uuid.UUID]*db.StaffUser, error)
}

type SettlementService struct {
	settlementStore settlementStore
	productStore    settlementProductStore
	staffStore      settlementStaffStore
	logger          *slog.Logger
}

func NewSettlementService(settlementStore settlementStore, productStore settlementProductStore, staffStore settlementStaffStore, logger *slog.Logger) *SettlementService {
	return &SettlementService{
		settlementStore: settlementStore,
		productStore:    productStore,
		staffStore:      staffStore,
		logger:          logger,
	}
}

func (s *SettlementService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// ComputeForOrder computes what each supermarket is owed for one completed
// order: items are grouped by the staff account owning each product, the
// platform commission is taken off the group total, and the payout date
// follows the supermarket's payment terms. The commission rate is the
// supermarket's current rate at computation time.
func (s *SettlementService) ComputeForOrder(ctx context.Context, order *db.Order) error {
	span := sentry.StartSpan(
		ctx,
		"service.settlement.compute",
		sentry.WithOpName("service.settlement"),
		sentry.WithDescription("ComputeForOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)

	groups, err := s.groupByStaff(ctx, order)
	if err != nil {
		return err
	}

	staffIDs := make([]uuid.UUID, 0, len(groups))
	for staffID := range groups {
		staffIDs = append(staffIDs, staffID)
	}
	staff, err := s.staffStore.GetByIDs(ctx, staffIDs)
	if err != nil {
		return fmt.Errorf("failed to load staff terms: %w", err)
	}

	for staffID, groupTotal := range groups {
		terms, ok := staff[staffID]
		if !ok {
			return fmt.Errorf("staff %s not found for settlement of order %s", staffID, order.ID)
		}

		settlement := Compute(order, staffID, groupTotal, terms)
		if err := s.settlementStore.Upsert(ctx, settlement); err != nil {
			return fmt.Errorf("failed to store settlement: %w", err)
		}
		meter.Count("settlement.computed", 1, sentry.WithAttributes(
			attribute.String("staff_id", staffID.String()),
		))
		s.loggerFromContext(ctx).Info("settlement computed",
			"order_id", order.ID, "staff_id", staffID,
			"group_total", settlement.GroupTotal.StringFixed(2),
			"net_payable", settlement.NetPayable.StringFixed(2))
	}
	return nil
}

// Compute derives one settlement row. Commission is rounded half-up to cents;
// the net payable is the exact remainder so the two always sum to the group
// total.
func Compute(order *db.Order, staffID uuid.UUID, groupTotal decimal.Decimal, staff *db.StaffUser) *db.Settlement {
	commission := groupTotal.Mul(staff.CommercialRate).Div(oneHundred).Round(2)
	return &db.Settlement{
		OrderID:             order.ID,
		StaffID:             staffID,
		GroupTotal:          groupTotal,
		CommissionRate:      staff.CommercialRate,
		Commission:          commission,
		NetPayable:          groupTotal.Sub(commission),
		ExpectedPaymentDate: order.CreatedAt.AddDate(0, 0, staff.PaymentTermsDays),
		PaymentStatus:       models.PayoutAwaiting,
	}
}

// groupByStaff sums each supermarket's slice of the order. Removed lines are
// excluded; they were never fulfilled.
func (s *SettlementService) groupByStaff(ctx context.Context, order *db.Order) (map[uuid.UUID]decimal.Decimal, error) {
	productIDs := make([]uuid.UUID, 0, len(order.Items))
	for _, item := range order.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := s.productStore.GetByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products for settlement: %w", err)
	}

	groups := make(map[uuid.UUID]decimal.Decimal)
	for _, item := range order.Items {
		if item.LineStatus == models.LineRemoved {
			continue
		}
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s not found for settlement of order %s", item.ProductID, order.ID)
		}
		current, ok := groups[product.StaffID]
		if !ok {
			current = decimal.Zero
		}
		groups[product.StaffID] = current.Add(item.Subtotal())
	}
	return groups, nil
}

// UpdatePayment is the admin action advancing a supermarket payout.
func (s *SettlementService) UpdatePayment(ctx context.Context, orderID, staffID uuid.UUID, status models.SupermarketPaymentStatus, notes string) error {
	switch status {
	case models.PayoutAwaiting, models.PayoutAdvanced, models.PayoutDone:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPayoutStatus, status)
	}
	return s.settlementStore.UpdatePaymentStatus(ctx, orderID, staffID, status, notes)
}

func (s *SettlementService) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*db.Settlement, error) {
	return s.settlementStore.ListByOrder(ctx, orderID)
}

func (s *SettlementService) ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*db.Settlement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.settlementStore.ListByStaff(ctx, staffID, limit)
}

func (s *SettlementService) Summary(ctx context.Context) ([]*db.SettlementSummary, error) {
	return s.settlementStore.Summary(ctx)
}
