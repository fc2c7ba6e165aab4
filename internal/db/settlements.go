package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/models"
)

// ErrSettlementNotFound is returned when no payable exists for the
// order/supermarket pair.
var ErrSettlementNotFound = errors.New("settlement not found")

type SettlementStore struct {
	pool *pgxpool.Pool
}

func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementColumns = `
	order_id, staff_id, group_total::text, commission_rate::text,
	commission::text, net_payable::text, expected_payment_date,
	payment_status, payment_date, notes, computed_at`

// Upsert stores a computed payable. Recomputation overwrites the financial
// figures but never resets an admin-advanced payment status.
func (s *SettlementStore) Upsert(ctx context.Context, settlement *Settlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_settlements (
			order_id, staff_id, group_total, commission_rate, commission,
			net_payable, expected_payment_date, payment_status, computed_at
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8, NOW())
		ON CONFLICT (order_id, staff_id) DO UPDATE
		SET group_total = EXCLUDED.group_total,
		    commission_rate = EXCLUDED.commission_rate,
		    commission = EXCLUDED.commission,
		    net_payable = EXCLUDED.net_payable,
		    expected_payment_date = EXCLUDED.expected_payment_date,
		    computed_at = NOW()`,
		settlement.OrderID, settlement.StaffID,
		settlement.GroupTotal.String(), settlement.CommissionRate.String(),
		settlement.Commission.String(), settlement.NetPayable.String(),
		settlement.ExpectedPaymentDate, settlement.PaymentStatus)
	if err != nil {
		return fmt.Errorf("failed to upsert settlement: %w", err)
	}
	return nil
}

func (s *SettlementStore) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+` FROM order_settlements
		WHERE order_id = $1
		ORDER BY staff_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

func (s *SettlementStore) ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+` FROM order_settlements
		WHERE staff_id = $1
		ORDER BY computed_at DESC
		LIMIT $2`, staffID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

// UpdatePaymentStatus is the admin action that advances a payout. Setting a
// terminal payout status stamps the payment date.
func (s *SettlementStore) UpdatePaymentStatus(ctx context.Context, orderID, staffID uuid.UUID, status models.SupermarketPaymentStatus, notes string) error {
	cmdTag, err := s.pool.Exec(ctx, `
		UPDATE order_settlements
		SET payment_status = $1,
		    payment_date = CASE WHEN $1 = $2 THEN NOW() ELSE payment_date END,
		    notes = NULLIF($3, '')
		WHERE order_id = $4 AND staff_id = $5`,
		status, models.PayoutDone, notes, orderID, staffID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

// Summary aggregates open and settled payables per supermarket.
func (s *SettlementStore) Summary(ctx context.Context) ([]*SettlementSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT staff_id, payment_status, COUNT(*), SUM(net_payable)::text
		FROM order_settlements
		GROUP BY staff_id, payment_status
		ORDER BY staff_id, payment_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*SettlementSummary
	for rows.Next() {
		var (
			summary SettlementSummary
			total   string
		)
		if err := rows.Scan(&summary.StaffID, &summary.PaymentStatus, &summary.Orders, &total); err != nil {
			return nil, err
		}
		summary.NetPayable, err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("invalid net_payable sum for staff %s: %w", summary.StaffID, err)
		}
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

func collectSettlements(rows pgx.Rows) ([]*Settlement, error) {
	var settlements []*Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, settlement)
	}
	return settlements, rows.Err()
}

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var (
		settlement  Settlement
		groupTotal  string
		rate        string
		commission  string
		netPayable  string
		paymentDate pgtype.Timestamptz
		notes       pgtype.Text
	)
	if err := row.Scan(
		&settlement.OrderID, &settlement.StaffID, &groupTotal, &rate,
		&commission, &netPayable, &settlement.ExpectedPaymentDate,
		&settlement.PaymentStatus, &paymentDate, &notes, &settlement.ComputedAt,
	); err != nil {
		return nil, err
	}

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&settlement.GroupTotal, groupTotal},
		{&settlement.CommissionRate, rate},
		{&settlement.Commission, commission},
		{&settlement.NetPayable, netPayable},
	} {
		value, err := decimal.NewFromString(field.src)
		if err != nil {
			return nil, fmt.Errorf("invalid settlement amount for order %s: %w", settlement.OrderID, err)
		}
		*field.dst = value
	}

	if paymentDate.Valid {
		settlement.PaymentDate = paymentDate.Time
	}
	if notes.Valid {
		settlement.Notes = notes.String
	}
	return &settlement, nil
}
