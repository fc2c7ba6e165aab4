package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SupermarketPaymentStatus tracks the platform's payout to a supermarket for
// one order, advanced manually by an admin.
type SupermarketPaymentStatus string

const (
	PayoutAwaiting SupermarketPaymentStatus = "aguardando_pagamento"
	PayoutAdvanced SupermarketPaymentStatus = "pagamento_antecipado"
	PayoutDone     SupermarketPaymentStatus = "pagamento_realizado"
)

// Settlement is the payable computed for one supermarket's slice of one
// completed order.
type Settlement struct {
	OrderID             uuid.UUID                `json:"order_id"`
	StaffID             uuid.UUID                `json:"staff_id"`
	GroupTotal          decimal.Decimal          `json:"group_total"`
	CommissionRate      decimal.Decimal          `json:"commission_rate"`
	Commission          decimal.Decimal          `json:"commission"`
	NetPayable          decimal.Decimal          `json:"net_payable"`
	ExpectedPaymentDate time.Time                `json:"expected_payment_date"`
	PaymentStatus       SupermarketPaymentStatus `json:"payment_status"`
	PaymentDate         time.Time                `json:"payment_date,omitempty"`
	Notes               string                   `json:"notes,omitempty"`
	ComputedAt          time.Time                `json:"computed_at"`
}

// SettlementSummary is a read-only aggregation row over settlements.
type SettlementSummary struct {
	StaffID       uuid.UUID                `json:"staff_id"`
	PaymentStatus SupermarketPaymentStatus `json:"payment_status"`
	Orders        int                      `json:"orders"`
	NetPayable    decimal.Decimal          `json:"net_payable"`
}
