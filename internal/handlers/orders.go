package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/saveupapp/saveup/internal/lifecycle"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/services"
)

func (h *Handlers) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(r.Context(), w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// GetOrder returns one order with its items.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.orderService.Get(ctx, orderID)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, order)
}

// ListStaffOrders returns the orders containing the authenticated
// supermarket's products.
func (h *Handlers) ListStaffOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := staffClaimsFromContext(ctx)
	if claims == nil {
		h.writeError(ctx, w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(ctx, w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	orders, err := h.orderService.ListByStaff(ctx, claims.StaffID, limit)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"orders": orders})
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,max=30"`
}

// UpdateStatus moves an order through the lifecycle on behalf of the
// authenticated staff account. Cancel targets route through the cancellation
// compound, refund included.
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	claims := staffClaimsFromContext(ctx)
	if claims == nil {
		h.writeError(ctx, w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	actor := lifecycle.ActorStaff
	if claims.Admin {
		actor = lifecycle.ActorAdmin
	}

	order, err := h.orderService.Transition(ctx, services.TransitionInput{
		OrderID: orderID,
		Target:  models.OrderStatus(req.Status),
		Actor:   actor,
		ActorID: claims.StaffID.String(),
	})
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, order)
}

type cancelOrderRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// CancelOrder is the customer-facing cancellation endpoint. Staff cancel via
// the status endpoint; here the actor is always the customer.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	order, err := h.orderService.Cancel(ctx, services.CancelInput{
		OrderID: orderID,
		Actor:   lifecycle.ActorCustomer,
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, order)
}

type updateOrderItemRequest struct {
	LineStatus string `json:"line_status" validate:"required,oneof=confirmed removed"`
}

// UpdateOrderItem lets a supermarket confirm or remove a single line while
// the order is in confirmed.
func (h *Handlers) UpdateOrderItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathUUID(w, r, "itemID")
	if !ok {
		return
	}

	var req updateOrderItemRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	order, err := h.orderService.UpdateLine(ctx, orderID, itemID, models.LineStatus(req.LineStatus))
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, order)
}

type refundRequest struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
	Reason  string    `json:"reason" validate:"omitempty,max=500"`
}

// Refund triggers (or retries) a refund for a paid order.
func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refundRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	order, err := h.orderService.Refund(ctx, req.OrderID, req.Reason)
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, order)
}
