package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/cache"
	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/email"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/notify"
	"github.com/saveupapp/saveup/internal/pix"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatcher(t *testing.T) *notify.Dispatcher {
	t.Helper()
	renderer, err := email.NewRenderer()
	if err != nil {
		t.Fatalf("failed to build renderer: %v", err)
	}
	return notify.NewDispatcher(&notify.NoopPushProvider{}, &email.NoopProvider{}, renderer, testLogger())
}

func testCache(t *testing.T) cache.Provider {
	t.Helper()
	provider, err := cache.NewMemoryProvider()
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return provider
}

// fakeOrderStore mimics the CAS and uniqueness semantics of the real store.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*db.Order
	byRef  map[string]uuid.UUID
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		orders: make(map[uuid.UUID]*db.Order),
		byRef:  make(map[string]uuid.UUID),
	}
}

func (f *fakeOrderStore) CreateWithItems(ctx context.Context, order *db.Order, items []db.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if order.ExternalReference != "" {
		if _, exists := f.byRef[order.ExternalReference]; exists {
			return db.ErrDuplicateExternalReference
		}
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.CreatedAt = time.Now()
	if order.RefundStatus == "" {
		// The real INSERT hardcodes refund_status = 'none'.
		order.RefundStatus = models.RefundNone
	}
	for i := range items {
		items[i].OrderID = order.ID
		if items[i].ID == uuid.Nil {
			items[i].ID = uuid.New()
		}
	}
	order.Items = items

	stored := *order
	stored.Items = append([]db.OrderItem(nil), items...)
	f.orders[order.ID] = &stored
	if order.ExternalReference != "" {
		f.byRef[order.ExternalReference] = order.ID
	}
	return nil
}

func (f *fakeOrderStore) GetByID(ctx context.Context, orderID uuid.UUID) (*db.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *order
	copied.Items = append([]db.OrderItem(nil), order.Items...)
	return &copied, nil
}

func (f *fakeOrderStore) GetByExternalReference(ctx context.Context, reference string) (*db.Order, error) {
	f.mu.Lock()
	orderID, ok := f.byRef[reference]
	f.mu.Unlock()
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return f.GetByID(ctx, orderID)
}

func (f *fakeOrderStore) ListByStaff(ctx context.Context, staffID uuid.UUID, limit int) ([]*db.Order, error) {
	return nil, nil
}

func (f *fakeOrderStore) Transition(ctx context.Context, orderID uuid.UUID, from, to db.OrderStatus, manualBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status != from {
		return fmt.Errorf("%w: expected %s", db.ErrStatusConflict, from)
	}
	order.Status = to
	if manualBy != "" {
		order.LastManualStatus = to
		order.LastManualAt = time.Now()
		order.LastManualBy = manualBy
	}
	return nil
}

func (f *fakeOrderStore) MarkPaymentConfirmed(ctx context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status != models.StatusAwaitingPayment {
		return fmt.Errorf("%w: expected awaiting_payment", db.ErrStatusConflict)
	}
	order.Status = models.StatusPending
	order.PaidAt = time.Now()
	return nil
}

func (f *fakeOrderStore) SetRefundRequested(ctx context.Context, orderID uuid.UUID, refundID string, amount decimal.Decimal, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return pgx.ErrNoRows
	}
	switch order.RefundStatus {
	case models.RefundNone, models.RefundFailed:
	case models.RefundRequested:
		// An orphaned request marker (crash before the gateway call) may be
		// retried once it is stale.
		if time.Since(order.RefundRequestedAt) < 15*time.Minute {
			return db.ErrRefundConflict
		}
	default:
		return db.ErrRefundConflict
	}
	order.RefundID = refundID
	order.RefundAmount = amount
	order.RefundReason = reason
	order.RefundStatus = models.RefundRequested
	order.RefundRequestedAt = time.Now()
	return nil
}

func (f *fakeOrderStore) SetRefundResult(ctx context.Context, orderID uuid.UUID, refundID string, status models.RefundStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return pgx.ErrNoRows
	}
	if order.RefundStatus != models.RefundRequested {
		return db.ErrRefundConflict
	}
	if refundID != "" {
		order.RefundID = refundID
	}
	order.RefundStatus = status
	return nil
}

func (f *fakeOrderStore) UpdateItemLineStatus(ctx context.Context, orderID, itemID uuid.UUID, status models.LineStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.Status != models.StatusConfirmed {
		return fmt.Errorf("%w: order must be confirmed", db.ErrStatusConflict)
	}
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			order.Items[i].LineStatus = status
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (f *fakeOrderStore) ListExpiredAwaitingPayment(ctx context.Context, limit int) ([]*db.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []*db.Order
	now := time.Now()
	for _, order := range f.orders {
		if order.Status == models.StatusAwaitingPayment && !order.PaymentExpiresAt.IsZero() && order.PaymentExpiresAt.Before(now) {
			copied := *order
			copied.Items = append([]db.OrderItem(nil), order.Items...)
			expired = append(expired, &copied)
		}
	}
	return expired, nil
}

func (f *fakeOrderStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeOrderStore) status(orderID uuid.UUID) models.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID].Status
}

type fakeProductStore struct {
	mu       sync.Mutex
	products map[uuid.UUID]*db.Product
	restored map[uuid.UUID]int
}

func newFakeProductStore(products ...*db.Product) *fakeProductStore {
	store := &fakeProductStore{
		products: make(map[uuid.UUID]*db.Product),
		restored: make(map[uuid.UUID]int),
	}
	for _, product := range products {
		store.products[product.ID] = product
	}
	return store
}

func (f *fakeProductStore) GetActiveByIDs(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*db.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[uuid.UUID]*db.Product)
	for _, id := range productIDs {
		if product, ok := f.products[id]; ok && product.Active {
			copied := *product
			result[id] = &copied
		}
	}
	return result, nil
}

func (f *fakeProductStore) GetByIDs(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*db.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[uuid.UUID]*db.Product)
	for _, id := range productIDs {
		if product, ok := f.products[id]; ok {
			copied := *product
			result[id] = &copied
		}
	}
	return result, nil
}

func (f *fakeProductStore) RestoreStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored[productID] += quantity
	if product, ok := f.products[productID]; ok {
		product.Quantity += quantity
	}
	return nil
}

type fakeCustomerStore struct {
	mu       sync.Mutex
	upserted []string
	points   map[string]int
}

func newFakeCustomerStore() *fakeCustomerStore {
	return &fakeCustomerStore{points: make(map[string]int)}
}

func (f *fakeCustomerStore) UpsertByEmail(ctx context.Context, email, name, phone string) (*db.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, email)
	return &db.Customer{ID: uuid.New(), Email: email, Name: name, Phone: phone}, nil
}

func (f *fakeCustomerStore) AwardEcoPoints(ctx context.Context, email string, points int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[email] += points
	return nil
}

// fakeGateway scripts gateway behavior per charge id.
type fakeGateway struct {
	mu            sync.Mutex
	statuses      map[string]pix.ChargeStatus
	chargeWindow  time.Duration
	createErr     error
	refundErr     error
	createCalls   int
	refundCalls   int
	cancelCalls   int
	statusCalls   int
	lastReference string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses:     make(map[string]pix.ChargeStatus),
		chargeWindow: 30 * time.Minute,
	}
}

func (f *fakeGateway) CreateCharge(ctx context.Context, params pix.ChargeParams) (*pix.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createCalls++
	f.lastReference = params.ExternalReference
	chargeID := fmt.Sprintf("ch_%d", f.createCalls)
	f.statuses[chargeID] = pix.ChargePending
	return &pix.Charge{
		ID:         chargeID,
		Status:     pix.ChargePending,
		QRCodeText: "00020126BR.GOV.BCB.PIX",
		ExpiresAt:  time.Now().Add(f.chargeWindow),
	}, nil
}

func (f *fakeGateway) GetChargeStatus(ctx context.Context, chargeID string) (pix.ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	status, ok := f.statuses[chargeID]
	if !ok {
		return "", pix.ErrChargeNotFound
	}
	return status, nil
}

func (f *fakeGateway) CreateRefund(ctx context.Context, chargeID string, amount decimal.Decimal, reason string) (*pix.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &pix.Refund{ID: fmt.Sprintf("re_%d", f.refundCalls), Status: "completed"}, nil
}

func (f *fakeGateway) CancelCharge(ctx context.Context, chargeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeGateway) setStatus(chargeID string, status pix.ChargeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[chargeID] = status
}

type fakeSettlements struct {
	mu     sync.Mutex
	orders []uuid.UUID
}

func (f *fakeSettlements) ComputeForOrder(ctx context.Context, order *db.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order.ID)
	return nil
}
