package handlers

import (
	"net/http"

	"github.com/saveupapp/saveup/internal/models"
)

// ListOrderSettlements returns the per-supermarket settlement rows of one
// order.
func (h *Handlers) ListOrderSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	settlements, err := h.settlementService.ListByOrder(ctx, orderID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"settlements": settlements})
}

type updateSettlementPaymentRequest struct {
	Status string `json:"status" validate:"required,oneof=aguardando_pagamento pagamento_antecipado pagamento_realizado"`
	Notes  string `json:"notes" validate:"omitempty,max=500"`
}

// UpdateSettlementPayment advances a supermarket payout. Admin only.
func (h *Handlers) UpdateSettlementPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "orderID")
	if !ok {
		return
	}
	staffID, ok := h.pathUUID(w, r, "staffID")
	if !ok {
		return
	}

	var req updateSettlementPaymentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if err := h.settlementService.UpdatePayment(ctx, orderID, staffID, models.SupermarketPaymentStatus(req.Status), req.Notes); err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "updated"})
}

// SettlementsSummary aggregates outstanding payables per supermarket and
// payout status. Admin only.
func (h *Handlers) SettlementsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.settlementService.Summary(ctx)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"summary": summary})
}
