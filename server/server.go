package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/saveupapp/saveup/internal/config"
	"github.com/saveupapp/saveup/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.MetricsContext)
	r.Use(h.SecurityHeaders)

	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")
	r.HandleFunc("/auth/login", h.Login).Methods("POST").Name("auth.login")

	// Provider notifications carry their own HMAC signature; the same-origin
	// check does not apply to them.
	r.HandleFunc("/webhooks/pix", h.PixWebhook).Methods("POST").Name("webhooks.pix")

	// Customer-facing checkout and order routes.
	r.HandleFunc("/orders", h.CreateOrder).Methods("POST").Name("orders.create")
	r.HandleFunc("/orders/draft", h.CreateDraft).Methods("POST").Name("orders.draft.create")
	r.HandleFunc("/orders/draft/confirm", h.ConfirmDraft).Methods("POST").Name("orders.draft.confirm")
	r.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET").Name("orders.get")
	r.HandleFunc("/orders/{id}/payment-status", h.PaymentStatus).Methods("GET").Name("orders.payment_status")
	r.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods("POST").Name("orders.cancel")

	// Staff routes require a bearer token.
	staffRouter := r.NewRoute().Subrouter()
	staffRouter.Use(h.RequireStaff)
	staffRouter.HandleFunc("/staff/orders", h.ListStaffOrders).Methods("GET").Name("staff.orders")
	staffRouter.HandleFunc("/orders/{id}/status", h.UpdateStatus).Methods("PUT").Name("orders.status")
	staffRouter.HandleFunc("/orders/{id}/items/{itemID}", h.UpdateOrderItem).Methods("PUT").Name("orders.items.update")
	staffRouter.HandleFunc("/orders/{id}/settlements", h.ListOrderSettlements).Methods("GET").Name("orders.settlements")
	staffRouter.HandleFunc("/payments/refund", h.Refund).Methods("POST").Name("payments.refund")

	// Payout administration is driven from the staff dashboard in a browser,
	// so cross-origin requests are rejected before credentials are looked at.
	adminRouter := r.NewRoute().Subrouter()
	adminRouter.Use(h.RequireSameOrigin)
	adminRouter.Use(h.RequireStaff)
	adminRouter.Use(h.RequireAdmin)
	adminRouter.HandleFunc("/settlements/summary", h.SettlementsSummary).Methods("GET").Name("settlements.summary")
	adminRouter.HandleFunc("/settlements/{orderID}/{staffID}/payment", h.UpdateSettlementPayment).Methods("PUT").Name("settlements.payment")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})

	return r
}
