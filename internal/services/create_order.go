package services

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/pix"
)

type PaymentMethod string

const (
	PaymentPix  PaymentMethod = "pix"
	PaymentCash PaymentMethod = "cash"
)

type CreateOrderInput struct {
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	PayerDocument   string
	Fulfillment     models.FulfillmentMethod
	DeliveryAddress string
	PaymentMethod   PaymentMethod
	Items           []CreateDraftItem
}

type CreateOrderResult struct {
	Order  *models.Order `json:"order"`
	Charge *pix.Charge   `json:"charge,omitempty"`
}

// CreateOrder persists an order up front, reserving stock immediately. A PIX
// order is born awaiting_payment with an open charge and gets promoted by the
// webhook, polling or the confirm endpoint; a cash order is born pending and
// is settled at pickup.
func (s *CheckoutService) CreateOrder(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.create_order",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("CreateOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("checkout.order.requested", 1, sentry.WithAttributes(
		attribute.String("payment_method", string(input.PaymentMethod)),
	))

	if input.PaymentMethod != PaymentPix && input.PaymentMethod != PaymentCash {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPayment, input.PaymentMethod)
	}
	if len(input.Items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrIncompleteOrderData)
	}

	productIDs := make([]uuid.UUID, 0, len(input.Items))
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item quantity must be positive", ErrIncompleteOrderData)
		}
		productIDs = append(productIDs, item.ProductID)
	}

	products, err := s.productStore.GetActiveByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	order := &db.Order{
		ID:              uuid.New(),
		CustomerName:    input.CustomerName,
		CustomerEmail:   input.CustomerEmail,
		CustomerPhone:   input.CustomerPhone,
		Fulfillment:     input.Fulfillment,
		DeliveryAddress: input.DeliveryAddress,
		Status:          models.StatusPending,
	}
	if order.Fulfillment == "" {
		order.Fulfillment = models.FulfillmentPickup
	}

	total := decimal.Zero
	items := make([]db.OrderItem, 0, len(input.Items))
	for _, item := range input.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", ErrProductUnavailable, item.ProductID)
		}
		total = total.Add(product.DiscountPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		order.EcoPoints += item.Quantity
		items = append(items, db.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			PriceAtTime: product.DiscountPrice,
			LineStatus:  models.LinePending,
		})
	}
	order.TotalAmount = total

	var charge *pix.Charge
	if input.PaymentMethod == PaymentPix {
		order.Status = models.StatusAwaitingPayment
		order.ExternalReference = externalReference(order.ID)

		charge, err = s.gateway.CreateCharge(ctx, pix.ChargeParams{
			ExternalReference: order.ExternalReference,
			Amount:            total,
			Description:       fmt.Sprintf("SaveUp pedido %s", order.ID.String()[:8]),
			PayerName:         input.CustomerName,
			PayerEmail:        input.CustomerEmail,
			PayerDocument:     input.PayerDocument,
			ExpiresIn:         s.chargeWindow,
		})
		if err != nil {
			meter.Count("checkout.order.failed", 1, sentry.WithAttributes(
				attribute.String("reason", "charge_creation_failed"),
			))
			return nil, fmt.Errorf("failed to create charge: %w", err)
		}
		order.PaymentReference = charge.ID
		order.PaymentCode = charge.QRCodeText
		order.PaymentExpiresAt = charge.ExpiresAt
		if order.PaymentExpiresAt.IsZero() {
			order.PaymentExpiresAt = time.Now().Add(s.chargeWindow)
		}
	}

	if err := s.orderStore.CreateWithItems(ctx, order, items); err != nil {
		if charge != nil {
			if cancelErr := s.gateway.CancelCharge(ctx, charge.ID); cancelErr != nil {
				s.loggerFromContext(ctx).Warn("failed to cancel charge for aborted order", "error", cancelErr, "charge_id", charge.ID)
			}
		}
		meter.Count("checkout.order.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "persist_failed"),
		))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if _, err := s.customerStore.UpsertByEmail(ctx, order.CustomerEmail, order.CustomerName, order.CustomerPhone); err != nil {
		s.loggerFromContext(ctx).Error("failed to upsert customer", "error", err, "order_id", order.ID)
	}

	meter.Count("checkout.order.created", 1)
	return &CreateOrderResult{Order: order, Charge: charge}, nil
}
