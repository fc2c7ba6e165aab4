package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/services"
)

type draftItemRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1,max=99"`
}

type createDraftRequest struct {
	CustomerName    string             `json:"customer_name" validate:"required,max=200"`
	CustomerEmail   string             `json:"customer_email" validate:"required,email"`
	CustomerPhone   string             `json:"customer_phone" validate:"omitempty,max=30"`
	PayerDocument   string             `json:"payer_document" validate:"omitempty,max=20"`
	Fulfillment     string             `json:"fulfillment" validate:"required,oneof=pickup delivery"`
	DeliveryAddress string             `json:"delivery_address" validate:"required_if=Fulfillment delivery,max=500"`
	Items           []draftItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
}

// CreateDraft prices a cart, opens a PIX charge and parks the draft in the
// cache. Nothing is persisted until the payment is confirmed.
func (h *Handlers) CreateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createDraftRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	items := make([]services.CreateDraftItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = services.CreateDraftItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	result, err := h.checkoutService.CreateDraft(ctx, services.CreateDraftInput{
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		PayerDocument:   req.PayerDocument,
		Fulfillment:     models.FulfillmentMethod(req.Fulfillment),
		DeliveryAddress: req.DeliveryAddress,
		Items:           items,
	})
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusCreated, result)
}

type confirmDraftRequest struct {
	DraftID  uuid.UUID `json:"draft_id" validate:"required"`
	ChargeID string    `json:"charge_id" validate:"omitempty,max=100"`
	// Fallback is the client's copy of the draft, used when the cache no
	// longer holds it.
	Fallback *services.Draft `json:"fallback,omitempty"`
}

// ConfirmDraft materializes the durable order once the charge is approved.
// Safe to retry: a draft that was already confirmed returns the existing
// order.
func (h *Handlers) ConfirmDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req confirmDraftRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	order, err := h.checkoutService.Confirm(ctx, services.ConfirmInput{
		DraftID:  req.DraftID,
		ChargeID: req.ChargeID,
		Fallback: req.Fallback,
	})
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, order)
}

type createOrderRequest struct {
	CustomerName    string             `json:"customer_name" validate:"required,max=200"`
	CustomerEmail   string             `json:"customer_email" validate:"required,email"`
	CustomerPhone   string             `json:"customer_phone" validate:"omitempty,max=30"`
	PayerDocument   string             `json:"payer_document" validate:"omitempty,max=20"`
	Fulfillment     string             `json:"fulfillment" validate:"required,oneof=pickup delivery"`
	DeliveryAddress string             `json:"delivery_address" validate:"required_if=Fulfillment delivery,max=500"`
	PaymentMethod   string             `json:"payment_method" validate:"required,oneof=pix cash"`
	Items           []draftItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
}

// CreateOrder persists an order up front, reserving stock immediately. PIX
// orders are born awaiting_payment with an open charge; cash orders are born
// pending.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createOrderRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	items := make([]services.CreateDraftItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = services.CreateDraftItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	result, err := h.checkoutService.CreateOrder(ctx, services.CreateOrderInput{
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		PayerDocument:   req.PayerDocument,
		Fulfillment:     models.FulfillmentMethod(req.Fulfillment),
		DeliveryAddress: req.DeliveryAddress,
		PaymentMethod:   services.PaymentMethod(req.PaymentMethod),
		Items:           items,
	})
	if err != nil {
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusCreated, result)
}

// PaymentStatus reports (and reconciles) the payment state of an order.
func (h *Handlers) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.checkoutService.PaymentStatus(ctx, orderID)
	if err != nil {
		// A gateway outage still reports the local status.
		if result != nil {
			h.writeJSON(ctx, w, http.StatusOK, result)
			return
		}
		h.writeServiceError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, result)
}
