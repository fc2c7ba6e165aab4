package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusAwaitingPayment   OrderStatus = "awaiting_payment"
	StatusPaymentExpired    OrderStatus = "payment_expired"
	StatusPaymentFailed     OrderStatus = "payment_failed"
	StatusPending           OrderStatus = "pending"
	StatusConfirmed         OrderStatus = "confirmed"
	StatusPreparing         OrderStatus = "preparing"
	StatusReady             OrderStatus = "ready"
	StatusShipped           OrderStatus = "shipped"
	StatusCompleted         OrderStatus = "completed"
	StatusCancelled         OrderStatus = "cancelled"
	StatusCancelledCustomer OrderStatus = "cancelled-customer"
	StatusCancelledStaff    OrderStatus = "cancelled-staff"
)

type FulfillmentMethod string

const (
	FulfillmentPickup   FulfillmentMethod = "pickup"
	FulfillmentDelivery FulfillmentMethod = "delivery"
)

type RefundStatus string

const (
	RefundNone      RefundStatus = "none"
	RefundRequested RefundStatus = "requested"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

type Order struct {
	ID                uuid.UUID         `json:"id"`
	CustomerName      string            `json:"customer_name"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerPhone     string            `json:"customer_phone"`
	Fulfillment       FulfillmentMethod `json:"fulfillment"`
	DeliveryAddress   string            `json:"delivery_address,omitempty"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	Status            OrderStatus       `json:"status"`
	ExternalReference string            `json:"external_reference,omitempty"`
	PaymentReference  string            `json:"payment_reference,omitempty"`
	PaymentCode       string            `json:"payment_code,omitempty"`
	PaymentExpiresAt  time.Time         `json:"payment_expires_at,omitempty"`
	PaidAt            time.Time         `json:"paid_at,omitempty"`
	RefundID          string            `json:"refund_id,omitempty"`
	RefundAmount      decimal.Decimal   `json:"refund_amount,omitempty"`
	RefundStatus      RefundStatus      `json:"refund_status"`
	RefundReason      string            `json:"refund_reason,omitempty"`
	RefundRequestedAt time.Time         `json:"refund_requested_at,omitempty"`
	EcoPoints         int               `json:"eco_points"`
	LastManualStatus  OrderStatus       `json:"last_manual_status,omitempty"`
	LastManualAt      time.Time         `json:"last_manual_at,omitempty"`
	LastManualBy      string            `json:"last_manual_by,omitempty"`
	Items             []OrderItem       `json:"items,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasApprovedCharge reports whether the order carries a charge that was paid,
// which is what makes cancellation a refund-issuing operation.
func (o *Order) HasApprovedCharge() bool {
	return o != nil && o.PaymentReference != "" && !o.PaidAt.IsZero()
}

type LineStatus string

const (
	LinePending   LineStatus = "pending"
	LineConfirmed LineStatus = "confirmed"
	LineRemoved   LineStatus = "removed"
)

type OrderItem struct {
	ID          uuid.UUID       `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
	LineStatus  LineStatus      `json:"line_status"`
}

// Subtotal is quantity times the snapshotted price.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.PriceAtTime.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
