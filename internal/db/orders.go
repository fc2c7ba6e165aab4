package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/models"
)

var (
	// ErrDuplicateExternalReference maps the unique constraint that guarantees
	// at most one materialized order per payment attempt.
	ErrDuplicateExternalReference = errors.New("external reference already materialized")
	// ErrInsufficientStock is returned when a stock decrement would go negative.
	ErrInsufficientStock = errors.New("insufficient product stock")
	// ErrStatusConflict is returned when a compare-and-swap status update finds
	// the order in a different status than expected.
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrRefundConflict is returned when a refund is already requested or
	// completed for the order.
	ErrRefundConflict = errors.New("refund already in progress or completed")
)

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, customer_name, customer_email, customer_phone, fulfillment,
	delivery_address, total_amount::text, status, external_reference,
	payment_reference, payment_code, payment_expires_at, paid_at,
	refund_id, refund_amount::text, refund_status, refund_reason, refund_requested_at,
	eco_points, last_manual_status, last_manual_at, last_manual_by,
	created_at, updated_at`

// CreateWithItems materializes an order and its items atomically, decrementing
// product stock inside the same transaction. The unique constraint on
// external_reference is the ultimate duplicate-prevention backstop; callers
// must treat ErrDuplicateExternalReference as "already materialized", not as a
// failure.
func (s *OrderStore) CreateWithItems(ctx context.Context, order *Order, items []OrderItem) error {
	if len(items) == 0 {
		return fmt.Errorf("order must have at least one item")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO orders (
			id, customer_name, customer_email, customer_phone, fulfillment,
			delivery_address, total_amount, status, external_reference,
			payment_reference, payment_code, payment_expires_at, paid_at, refund_status, eco_points
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::numeric, $8, NULLIF($9, ''),
			NULLIF($10, ''), NULLIF($11, ''), $12, $13, 'none', $14)
		RETURNING created_at, updated_at`,
		order.ID, order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.Fulfillment, order.DeliveryAddress, order.TotalAmount.String(),
		order.Status, order.ExternalReference, order.PaymentReference, order.PaymentCode,
		nullableTime(order.PaymentExpiresAt), nullableTime(order.PaidAt), order.EcoPoints,
	)
	var createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&createdAt, &updatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExternalReference
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	order.CreatedAt = createdAt.Time
	order.UpdatedAt = updatedAt.Time

	for i := range items {
		item := &items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.OrderID = order.ID
		if item.LineStatus == "" {
			item.LineStatus = models.LinePending
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, quantity, price_at_time, line_status)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`,
			item.ID, item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.PriceAtTime.String(), item.LineStatus,
		); err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}

		cmdTag, err := tx.Exec(ctx, `
			UPDATE products
			SET quantity = quantity - $1, updated_at = NOW()
			WHERE id = $2 AND active AND quantity >= $1`,
			item.Quantity, item.ProductID,
		)
		if err != nil {
			return fmt.Errorf("failed to decrement stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: product %s", ErrInsufficientStock, item.ProductID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExternalReference
		}
		return fmt.Errorf("failed to commit order: %w", err)
	}

	order.Items = items
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderStore) GetByExternalReference(ctx context.Context, reference string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_reference = $1`, reference)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListByStaff returns orders containing at least one item owned by the staff
// account, newest first.
func (s *OrderStore) ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE id IN (
			SELECT DISTINCT oi.order_id
			FROM order_items oi
			JOIN products p ON p.id = oi.product_id
			WHERE p.staff_id = $1
		)
		ORDER BY created_at DESC
		LIMIT $2`, staffID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, order := range orders {
		if err := s.loadItems(ctx, order); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// Transition performs the compare-and-swap status update that serializes
// lifecycle transitions per order. manualBy is empty for system-driven
// transitions and carries the acting user for staff/admin/customer actions.
func (s *OrderStore) Transition(ctx context.Context, orderID uuid.UUID, from, to OrderStatus, manualBy string) error {
	var (
		cmdTag pgconn.CommandTag
		err    error
	)
	if manualBy == "" {
		cmdTag, err = s.pool.Exec(ctx, `
			UPDATE orders
			SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = $3`,
			to, orderID, from)
	} else {
		cmdTag, err = s.pool.Exec(ctx, `
			UPDATE orders
			SET status = $1, last_manual_status = $1, last_manual_at = NOW(),
			    last_manual_by = $4, updated_at = NOW()
			WHERE id = $2 AND status = $3`,
			to, orderID, from, manualBy)
	}
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected %s", ErrStatusConflict, from)
	}
	return nil
}

// MarkPaymentConfirmed promotes an awaiting-payment order after the gateway
// reports approval. Safe to call twice: the second call finds no row in
// awaiting_payment and returns ErrStatusConflict.
func (s *OrderStore) MarkPaymentConfirmed(ctx context.Context, orderID uuid.UUID) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $1, paid_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.StatusPending, orderID, models.StatusAwaitingPayment)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected awaiting_payment", ErrStatusConflict)
	}
	return nil
}

// SetRefundRequested records a refund attempt exactly once. A second request
// while one is pending or completed returns ErrRefundConflict; a failed
// attempt may be retried. A 'requested' marker older than the orphan window is
// a crash between recording the request and calling the gateway, so it may be
// retried as well.
func (s *OrderStore) SetRefundRequested(ctx context.Context, orderID uuid.UUID, refundID string, amount decimal.Decimal, reason string) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET refund_id = $1, refund_amount = $2::numeric, refund_status = 'requested',
		    refund_reason = $3, refund_requested_at = NOW(), updated_at = NOW()
		WHERE id = $4 AND (refund_status IN ('none', 'failed')
		   OR (refund_status = 'requested' AND refund_requested_at < NOW() - INTERVAL '15 minutes'))`,
		refundID, amount.String(), reason, orderID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRefundConflict
	}
	return nil
}

// SetRefundResult records the outcome of a requested refund, stamping the
// gateway refund id when one was obtained.
func (s *OrderStore) SetRefundResult(ctx context.Context, orderID uuid.UUID, refundID string, status models.RefundStatus) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET refund_status = $1, refund_id = COALESCE(NULLIF($2, ''), refund_id), updated_at = NOW()
		WHERE id = $3 AND refund_status = 'requested'`,
		status, refundID, orderID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRefundConflict
	}
	return nil
}

// UpdateItemLineStatus lets a supermarket accept or reject a single line while
// the order sits in confirmed.
func (s *OrderStore) UpdateItemLineStatus(ctx context.Context, orderID, itemID uuid.UUID, status models.LineStatus) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE order_items
		SET line_status = $1
		WHERE id = $2 AND order_id = $3
		  AND EXISTS (SELECT 1 FROM orders o WHERE o.id = $3 AND o.status = $4)`,
		status, itemID, orderID, models.StatusConfirmed)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order must be confirmed", ErrStatusConflict)
	}
	return nil
}

// ListExpiredAwaitingPayment returns orders whose payment window has closed
// without an observed approval. Used by the expiry sweeper.
func (s *OrderStore) ListExpiredAwaitingPayment(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND payment_expires_at IS NOT NULL AND payment_expires_at < NOW()
		ORDER BY payment_expires_at
		LIMIT $2`, models.StatusAwaitingPayment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *OrderStore) loadItems(ctx context.Context, order *Order) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price_at_time::text, line_status
		FROM order_items WHERE order_id = $1
		ORDER BY id`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var (
			item  OrderItem
			price string
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &price, &item.LineStatus); err != nil {
			return err
		}
		item.PriceAtTime, err = decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("invalid price_at_time for item %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	order.Items = items
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		order           Order
		deliveryAddress pgtype.Text
		totalAmount     string
		externalRef     pgtype.Text
		paymentRef      pgtype.Text
		paymentCode     pgtype.Text
		expiresAt       pgtype.Timestamptz
		paidAt          pgtype.Timestamptz
		refundID        pgtype.Text
		refundAmount    pgtype.Text
		refundReason    pgtype.Text
		refundRequested pgtype.Timestamptz
		lastManual      pgtype.Text
		lastManualAt    pgtype.Timestamptz
		lastManualBy    pgtype.Text
		createdAt       pgtype.Timestamptz
		updatedAt       pgtype.Timestamptz
	)

	if err := row.Scan(
		&order.ID, &order.CustomerName, &order.CustomerEmail, &order.CustomerPhone,
		&order.Fulfillment, &deliveryAddress, &totalAmount, &order.Status,
		&externalRef, &paymentRef, &paymentCode, &expiresAt, &paidAt,
		&refundID, &refundAmount, &order.RefundStatus, &refundReason, &refundRequested,
		&order.EcoPoints, &lastManual, &lastManualAt, &lastManualBy,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	total, err := decimal.NewFromString(totalAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid total_amount for order %s: %w", order.ID, err)
	}
	order.TotalAmount = total

	if deliveryAddress.Valid {
		order.DeliveryAddress = deliveryAddress.String
	}
	if externalRef.Valid {
		order.ExternalReference = externalRef.String
	}
	if paymentRef.Valid {
		order.PaymentReference = paymentRef.String
	}
	if paymentCode.Valid {
		order.PaymentCode = paymentCode.String
	}
	if expiresAt.Valid {
		order.PaymentExpiresAt = expiresAt.Time
	}
	if paidAt.Valid {
		order.PaidAt = paidAt.Time
	}
	if refundID.Valid {
		order.RefundID = refundID.String
	}
	if refundAmount.Valid && refundAmount.String != "" {
		amount, err := decimal.NewFromString(refundAmount.String)
		if err != nil {
			return nil, fmt.Errorf("invalid refund_amount for order %s: %w", order.ID, err)
		}
		order.RefundAmount = amount
	}
	if refundReason.Valid {
		order.RefundReason = refundReason.String
	}
	if refundRequested.Valid {
		order.RefundRequestedAt = refundRequested.Time
	}
	if lastManual.Valid {
		order.LastManualStatus = OrderStatus(lastManual.String)
	}
	if lastManualAt.Valid {
		order.LastManualAt = lastManualAt.Time
	}
	if lastManualBy.Valid {
		order.LastManualBy = lastManualBy.String
	}
	order.CreatedAt = createdAt.Time
	order.UpdatedAt = updatedAt.Time

	return &order, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
