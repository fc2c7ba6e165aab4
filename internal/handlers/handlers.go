package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saveupapp/saveup/internal/config"
	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/lifecycle"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/pix"
	"github.com/saveupapp/saveup/internal/services"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

var requestValidator = validator.New()

// Handlers provides the HTTP request handlers for the SaveUp API.
type Handlers struct {
	config            *config.Config
	db                *pgxpool.Pool
	checkoutService   *services.CheckoutService
	orderService      *services.OrderService
	settlementService *services.SettlementService
	authService       *services.AuthService
	webhookSecret     string
	logger            *slog.Logger
}

type Dependencies struct {
	Config            *config.Config
	DB                *pgxpool.Pool
	CheckoutService   *services.CheckoutService
	OrderService      *services.OrderService
	SettlementService *services.SettlementService
	AuthService       *services.AuthService
	Logger            *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("handlers dependencies: db is required")
	}
	if deps.CheckoutService == nil {
		return nil, fmt.Errorf("handlers dependencies: checkoutService is required")
	}
	if deps.OrderService == nil {
		return nil, fmt.Errorf("handlers dependencies: orderService is required")
	}
	if deps.SettlementService == nil {
		return nil, fmt.Errorf("handlers dependencies: settlementService is required")
	}
	if deps.AuthService == nil {
		return nil, fmt.Errorf("handlers dependencies: authService is required")
	}

	return &Handlers{
		config:            deps.Config,
		db:                deps.DB,
		checkoutService:   deps.CheckoutService,
		orderService:      deps.OrderService,
		settlementService: deps.SettlementService,
		authService:       deps.AuthService,
		webhookSecret:     deps.Config.PixWebhookSecret,
		logger:            logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.loggerFromContext(ctx).Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, errorResponse{Error: message})
}

// decodeJSON reads and validates a request body into dst. dst must be a
// pointer to a struct with validate tags.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := requestValidator.StructCtx(ctx, dst); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors onto HTTP statuses. Anything
// unrecognized is a 500 with a generic body; the cause goes to the log, not
// the client.
func (h *Handlers) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := h.loggerFromContext(ctx)

	switch {
	case errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrDraftNotFound),
		errors.Is(err, db.ErrSettlementNotFound),
		errors.Is(err, pix.ErrChargeNotFound):
		h.writeError(ctx, w, http.StatusNotFound, err.Error())

	case errors.Is(err, services.ErrIncompleteOrderData),
		errors.Is(err, services.ErrUnsupportedPayment),
		errors.Is(err, services.ErrInvalidPayoutStatus),
		errors.Is(err, pix.ErrInvalidPayer):
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())

	case errors.Is(err, services.ErrPaymentNotApproved),
		errors.Is(err, services.ErrPaymentNotVerified),
		errors.Is(err, services.ErrProductUnavailable),
		errors.Is(err, services.ErrNothingToRefund),
		errors.Is(err, db.ErrInsufficientStock),
		errors.Is(err, pix.ErrRefundNotAllowed):
		h.writeError(ctx, w, http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, services.ErrDraftAlreadyProcessing),
		errors.Is(err, services.ErrRefundInProgress),
		errors.Is(err, db.ErrStatusConflict),
		errors.Is(err, db.ErrRefundConflict),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		h.writeError(ctx, w, http.StatusConflict, err.Error())

	case errors.Is(err, lifecycle.ErrUnauthorizedActor):
		h.writeError(ctx, w, http.StatusForbidden, err.Error())

	case errors.Is(err, pix.ErrGatewayUnavailable):
		h.writeError(ctx, w, http.StatusBadGateway, "payment gateway unavailable")

	case errors.Is(err, services.ErrRefundFailed):
		// The cancellation itself succeeded; the caller must know the refund
		// did not and can be retried.
		h.writeError(ctx, w, http.StatusBadGateway, err.Error())

	default:
		logger.Error("request failed", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "internal server error")
	}
}
