package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/cache"
	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/notify"
	"github.com/saveupapp/saveup/internal/observability"
	"github.com/saveupapp/saveup/internal/pix"
)

var (
	ErrDraftNotFound          = errors.New("draft not found")
	ErrDraftAlreadyProcessing = errors.New("draft confirmation already in progress")
	ErrIncompleteOrderData    = errors.New("incomplete order data")
	ErrPaymentNotApproved     = errors.New("payment not approved")
	ErrOrderNotFound          = errors.New("order not found")
	ErrProductUnavailable     = errors.New("product unavailable")
	ErrUnsupportedPayment     = errors.New("unsupported payment method")
)

// draftLockTTL bounds how long a crashed confirm call can block retries.
const draftLockTTL = 30 * time.Second

// draftGrace keeps the cached draft around slightly past the charge window so
// a payment approved at the last second can still be confirmed.
const draftGrace = 10 * time.Minute

type checkoutOrderStore interface {
	CreateWithItems(ctx context.Context, order *db.Order, items []db.OrderItem) error
	GetByID(ctx context.Context, orderID uuid.UUID) (*db.Order, error)
	GetByExternalReference(ctx context.Context, reference string) (*db.Order, error)
	MarkPaymentConfirmed(ctx context.Context, orderID uuid.UUID) error
	Transition(ctx context.Context, orderID uuid.UUID, from, to db.OrderStatus, manualBy string) error
	ListExpiredAwaitingPayment(ctx context.Context, limit int) ([]*db.Order, error)
}

type checkoutProductStore interface {
	GetActiveByIDs(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*db.Product, error)
	RestoreStock(ctx context.Context, productID uuid.UUID, quantity int) error
}

type customerUpserter interface {
	UpsertByEmail(ctx context.Context, email, name, phone string) (*db.Customer, error)
}

type chargeGateway interface {
	CreateCharge(ctx context.Context, params pix.ChargeParams) (*pix.Charge, error)
	GetChargeStatus(ctx context.Context, chargeID string) (pix.ChargeStatus, error)
	CancelCharge(ctx context.Context, chargeID string) error
}

type CheckoutService struct {
	orderStore    checkoutOrderStore
	productStore  checkoutProductStore
	customerStore customerUpserter
	gateway       chargeGateway
	cache         cache.Provider
	dispatcher    *notify.Dispatcher
	chargeWindow  time.Duration
	logger        *slog.Logger
}

func NewCheckoutService(orderStore checkoutOrderStore, productStore checkoutProductStore, customerStore customerUpserter, gateway chargeGateway, cacheProvider cache.Provider, dispatcher *notify.Dispatcher, chargeWindow time.Duration, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		orderStore:    orderStore,
		productStore:  productStore,
		customerStore: customerStore,
		gateway:       gateway,
		cache:         cacheProvider,
		dispatcher:    dispatcher,
		chargeWindow:  chargeWindow,
		logger:        logger,
	}
}

func (s *CheckoutService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// Draft is the ephemeral cart held between charge creation and confirmation.
type Draft struct {
	ID                uuid.UUID   `json:"id"`
	ExternalReference string      `json:"external_reference"`
	ChargeID          string      `json:"charge_id"`
	PaymentCode       string      `json:"payment_code,omitempty"`
	CustomerName      string      `json:"customer_name"`
	CustomerEmail     string      `json:"customer_email"`
	CustomerPhone     string      `json:"customer_phone"`
	Fulfillment       string      `json:"fulfillment"`
	DeliveryAddress   string      `json:"delivery_address,omitempty"`
	Items             []DraftItem `json:"items"`
	TotalAmount       string      `json:"total_amount"`
	EcoPoints         int         `json:"eco_points"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

type DraftItem struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Quantity    int       `json:"quantity"`
	Price       string    `json:"price"`
}

// itemSum adds up quantity times price across the draft's items.
func (d *Draft) itemSum() (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.Price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: invalid item price", ErrIncompleteOrderData)
		}
		sum = sum.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum, nil
}

type CreateDraftInput struct {
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	PayerDocument   string
	Fulfillment     models.FulfillmentMethod
	DeliveryAddress string
	Items           []CreateDraftItem
}

type CreateDraftItem struct {
	ProductID uuid.UUID
	Quantity  int
}

type DraftResult struct {
	Draft  *Draft      `json:"draft"`
	Charge *pix.Charge `json:"charge"`
}

const externalReferencePrefix = "saveup-"

// externalReference derives the charge's external reference from the draft
// id. The DB unique constraint on this value is what makes materialization
// happen at most once.
func externalReference(draftID uuid.UUID) string {
	return externalReferencePrefix + draftID.String()
}

// draftIDFromReference recovers the draft id embedded in an external
// reference.
func draftIDFromReference(reference string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(reference, externalReferencePrefix)
	if !ok {
		return uuid.Nil, false
	}
	draftID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return draftID, true
}

// CreateDraft prices the cart from current product data, opens a PIX charge
// and parks the draft in the cache until the payment is confirmed. Nothing is
// persisted and no stock is reserved at this point.
func (s *CheckoutService) CreateDraft(ctx context.Context, input CreateDraftInput) (*DraftResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.create_draft",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("CreateDraft"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.Count("checkout.draft.requested", 1)

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

	draftID := uuid.New()
	draft := &Draft{
		ID:                draftID,
		ExternalReference: externalReference(draftID),
		CustomerName:      input.CustomerName,
		CustomerEmail:     input.CustomerEmail,
		CustomerPhone:     input.CustomerPhone,
		Fulfillment:       string(input.Fulfillment),
		DeliveryAddress:   input.DeliveryAddress,
		CreatedAt:         time.Now(),
	}

	total := decimal.Zero
	for _, item := range input.Items {
		product, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", ErrProductUnavailable, item.ProductID)
		}
		if product.Quantity < item.Quantity {
			return nil, fmt.Errorf("%w: product %s has %d left", ErrProductUnavailable, item.ProductID, product.Quantity)
		}
		// Snapshot the price at cent precision so the total always equals the
		// sum of the stored line prices.
		price := product.DiscountPrice.Round(2)
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		draft.EcoPoints += item.Quantity
		draft.Items = append(draft.Items, DraftItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			Price:       price.StringFixed(2),
		})
	}
	draft.TotalAmount = total.StringFixed(2)

	charge, err := s.gateway.CreateCharge(ctx, pix.ChargeParams{
		ExternalReference: draft.ExternalReference,
		Amount:            total,
		Description:       fmt.Sprintf("SaveUp pedido %s", draftID.String()[:8]),
		PayerName:         input.CustomerName,
		PayerEmail:        input.CustomerEmail,
		PayerDocument:     input.PayerDocument,
		ExpiresIn:         s.chargeWindow,
	})
	if err != nil {
		meter.Count("checkout.draft.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "charge_creation_failed"),
		))
		return nil, fmt.Errorf("failed to create charge: %w", err)
	}

	draft.ChargeID = charge.ID
	draft.PaymentCode = charge.QRCodeText
	draft.ExpiresAt = charge.ExpiresAt

	payload, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to encode draft: %w", err)
	}
	if err := s.cache.Set(ctx, cache.DraftKey(draftID.String()), string(payload), s.chargeWindow+draftGrace); err != nil {
		// The client still holds the full draft payload and can resupply it
		// on confirm, so a cache write failure is not fatal.
		s.loggerFromContext(ctx).Warn("failed to cache draft", "error", err, "draft_id", draftID)
	}

	meter.Count("checkout.draft.created", 1)
	return &DraftResult{Draft: draft, Charge: charge}, nil
}

type ConfirmInput struct {
	DraftID  uuid.UUID
	ChargeID string
	// Fallback carries the client's copy of the draft for cold starts where
	// the cache no longer has it. Used only when structurally complete.
	Fallback *Draft
}

// Confirm materializes the durable order once the charge is approved. It is
// safe to call repeatedly and concurrently for the same draft: the first
// check short-circuits on an existing order, the per-draft lock rejects
// simultaneous callers, and the unique external reference is the backstop
// when two processes race past both.
func (s *CheckoutService) Confirm(ctx context.Context, input ConfirmInput) (*db.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.confirm",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("Confirm"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	meter.Count("checkout.confirm.received", 1)

	if input.DraftID == uuid.Nil {
		return nil, fmt.Errorf("%w: draft id is required", ErrIncompleteOrderData)
	}
	reference := externalReference(input.DraftID)

	if order, err := s.orderStore.GetByExternalReference(ctx, reference); err == nil {
		meter.Count("checkout.confirm.short_circuit", 1)
		return order, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}

	lockKey := cache.DraftLockKey(input.DraftID.String())
	if err := s.cache.TryLock(ctx, lockKey, draftLockTTL); err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			meter.Count("checkout.confirm.lock_contention", 1)
			return nil, ErrDraftAlreadyProcessing
		}
		return nil, fmt.Errorf("failed to acquire draft lock: %w", err)
	}
	defer func() {
		if err := s.cache.Unlock(ctx, lockKey); err != nil {
			logger.Warn("failed to release draft lock", "error", err, "draft_id", input.DraftID)
		}
	}()

	// Re-check under the lock: a racing confirm may have materialized the
	// order and evicted the draft between our first check and acquiring it.
	if order, err := s.orderStore.GetByExternalReference(ctx, reference); err == nil {
		meter.Count("checkout.confirm.short_circuit", 1)
		return order, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}

	draft, err := s.loadDraft(ctx, input)
	if err != nil {
		meter.Count("checkout.confirm.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "draft_unavailable"),
		))
		return nil, err
	}

	chargeID := draft.ChargeID
	if chargeID == "" {
		chargeID = input.ChargeID
	}
	if chargeID == "" {
		return nil, fmt.Errorf("%w: charge id is required", ErrIncompleteOrderData)
	}

	status, err := s.gateway.GetChargeStatus(ctx, chargeID)
	if err != nil {
		meter.Count("checkout.confirm.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "gateway_check_failed"),
		))
		return nil, fmt.Errorf("failed to check charge status: %w", err)
	}
	if status != pix.ChargeApproved {
		meter.Count("checkout.confirm.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "payment_not_approved"),
			attribute.String("gateway_status", string(status)),
		))
		return nil, fmt.Errorf("%w: gateway status is %s", ErrPaymentNotApproved, status)
	}

	order, items, err := draftToOrder(draft, chargeID)
	if err != nil {
		return nil, err
	}

	if err := s.orderStore.CreateWithItems(ctx, order, items); err != nil {
		if errors.Is(err, db.ErrDuplicateExternalReference) {
			existing, getErr := s.orderStore.GetByExternalReference(ctx, reference)
			if getErr != nil {
				return nil, fmt.Errorf("order exists but could not be loaded: %w", getErr)
			}
			meter.Count("checkout.confirm.short_circuit", 1)
			return existing, nil
		}
		meter.Count("checkout.confirm.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "materialization_failed"),
		))
		return nil, fmt.Errorf("failed to materialize order: %w", err)
	}

	if _, err := s.customerStore.UpsertByEmail(ctx, order.CustomerEmail, order.CustomerName, order.CustomerPhone); err != nil {
		logger.Error("failed to upsert customer", "error", err, "order_id", order.ID)
	}

	if err := s.cache.Delete(ctx, cache.DraftKey(input.DraftID.String())); err != nil && !errors.Is(err, cache.ErrNotFound) {
		logger.Warn("failed to evict draft", "error", err, "draft_id", input.DraftID)
	}

	s.dispatcher.PaymentConfirmed(ctx, order, "")

	meter.Count("checkout.confirm.processed", 1)
	logger.Info("order materialized", "order_id", order.ID, "draft_id", input.DraftID, "total", order.TotalAmount.StringFixed(2))
	return order, nil
}

// loadDraft prefers the cached draft and falls back to the client's copy only
// when it is structurally complete enough to price and materialize an order.
func (s *CheckoutService) loadDraft(ctx context.Context, input ConfirmInput) (*Draft, error) {
	payload, err := s.cache.Get(ctx, cache.DraftKey(input.DraftID.String()))
	if err == nil {
		var draft Draft
		if err := json.Unmarshal([]byte(payload), &draft); err != nil {
			return nil, fmt.Errorf("failed to decode cached draft: %w", err)
		}
		return &draft, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("failed to read draft cache: %w", err)
	}

	if input.Fallback == nil {
		return nil, fmt.Errorf("%w: draft %s expired and no fallback data supplied", ErrIncompleteOrderData, input.DraftID)
	}
	fallback := *input.Fallback
	fallback.ID = input.DraftID
	fallback.ExternalReference = externalReference(input.DraftID)
	if err := validateFallback(&fallback); err != nil {
		return nil, err
	}
	s.loggerFromContext(ctx).Info("confirming from client-supplied fallback data", "draft_id", input.DraftID)
	return &fallback, nil
}

func validateFallback(draft *Draft) error {
	if draft.CustomerEmail == "" || draft.CustomerName == "" {
		return fmt.Errorf("%w: fallback is missing customer data", ErrIncompleteOrderData)
	}
	if len(draft.Items) == 0 {
		return fmt.Errorf("%w: fallback has no items", ErrIncompleteOrderData)
	}
	for _, item := range draft.Items {
		if item.ProductID == uuid.Nil || item.Quantity <= 0 || item.Price == "" {
			return fmt.Errorf("%w: fallback item is missing product, quantity or price", ErrIncompleteOrderData)
		}
	}
	if draft.TotalAmount == "" {
		return fmt.Errorf("%w: fallback is missing total amount", ErrIncompleteOrderData)
	}
	return nil
}

func draftToOrder(draft *Draft, chargeID string) (*db.Order, []db.OrderItem, error) {
	total, err := decimal.NewFromString(draft.TotalAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid total amount", ErrIncompleteOrderData)
	}

	// The draft may have come back from the client, so the stored total must
	// be checked against what the lines add up to.
	sum, err := draft.itemSum()
	if err != nil {
		return nil, nil, err
	}
	if !sum.Equal(total) {
		return nil, nil, fmt.Errorf("%w: total amount %s does not match item sum %s", ErrIncompleteOrderData, total.StringFixed(2), sum.StringFixed(2))
	}

	fulfillment := models.FulfillmentMethod(draft.Fulfillment)
	if fulfillment == "" {
		fulfillment = models.FulfillmentPickup
	}

	order := &db.Order{
		ID:                uuid.New(),
		CustomerName:      draft.CustomerName,
		CustomerEmail:     draft.CustomerEmail,
		CustomerPhone:     draft.CustomerPhone,
		Fulfillment:       fulfillment,
		DeliveryAddress:   draft.DeliveryAddress,
		TotalAmount:       total,
		Status:            models.StatusPending,
		ExternalReference: draft.ExternalReference,
		PaymentReference:  chargeID,
		PaymentCode:       draft.PaymentCode,
		PaidAt:            time.Now(),
		EcoPoints:         draft.EcoPoints,
	}

	items := make([]db.OrderItem, 0, len(draft.Items))
	for _, draftItem := range draft.Items {
		price, err := decimal.NewFromString(draftItem.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid item price", ErrIncompleteOrderData)
		}
		items = append(items, db.OrderItem{
			ProductID:   draftItem.ProductID,
			ProductName: draftItem.ProductName,
			Quantity:    draftItem.Quantity,
			PriceAtTime: price,
			LineStatus:  models.LinePending,
		})
	}
	return order, items, nil
}
