package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/pix"
)

func awaitingPaymentOrder(t *testing.T, fixture *checkoutFixture, expiresIn time.Duration) *db.Order {
	t.Helper()
	order := &db.Order{
		ID:                uuid.New(),
		CustomerName:      "Ana Souza",
		CustomerEmail:     "ana@example.com",
		Fulfillment:       models.FulfillmentPickup,
		TotalAmount:       decimal.RequireFromString("30.00"),
		Status:            models.StatusAwaitingPayment,
		PaymentExpiresAt:  time.Now().Add(expiresIn),
		EcoPoints:         1,
		ExternalReference: "saveup-" + uuid.NewString(),
	}
	charge, err := fixture.gateway.CreateCharge(context.Background(), pix.ChargeParams{
		ExternalReference: order.ExternalReference,
		Amount:            order.TotalAmount,
	})
	if err != nil {
		t.Fatalf("failed to create charge: %v", err)
	}
	order.PaymentReference = charge.ID
	order.PaymentCode = charge.QRCodeText
	items := []db.OrderItem{{ProductID: uuid.New(), ProductName: "Iogurte", Quantity: 1, PriceAtTime: order.TotalAmount}}
	if err := fixture.orders.CreateWithItems(context.Background(), order, items); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}

func TestPaymentStatus_PromotesApproval(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, 30*time.Minute)
	fixture.gateway.setStatus(order.PaymentReference, pix.ChargeApproved)

	result, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", result.Status)
	}
	if got := fixture.orders.status(order.ID); got != models.StatusPending {
		t.Errorf("stored status = %s, want pending", got)
	}
}

// While the charge is payable the poll hands back the copy-paste code, so a
// client that lost the creation response can still let the customer pay.
func TestPaymentStatus_ReturnsPaymentCode(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, 30*time.Minute)

	result, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.StatusAwaitingPayment {
		t.Fatalf("status = %s, want awaiting_payment", result.Status)
	}
	if result.PaymentCode != order.PaymentCode {
		t.Errorf("payment code = %q, want %q", result.PaymentCode, order.PaymentCode)
	}

	// Once the payment lands, the code is no longer payable and is withheld.
	fixture.gateway.setStatus(order.PaymentReference, pix.ChargeApproved)
	promoted, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promoted.PaymentCode != "" {
		t.Errorf("payment code = %q after promotion, want empty", promoted.PaymentCode)
	}
}

// A payment approved at minute 29 of a 30-minute window is honored even when
// the poll happens after the window closed.
func TestPaymentStatus_LateApprovalBeatsExpiry(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, -time.Minute)
	fixture.gateway.setStatus(order.PaymentReference, pix.ChargeApproved)

	result, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.StatusPending {
		t.Errorf("status = %s, want pending (late approval honored)", result.Status)
	}
}

func TestPaymentStatus_ExpiresPastDue(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, -time.Minute)

	result, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.StatusPaymentExpired {
		t.Errorf("status = %s, want payment_expired", result.Status)
	}
	if fixture.gateway.cancelCalls != 1 {
		t.Errorf("cancel calls = %d, want 1", fixture.gateway.cancelCalls)
	}

	// Expiry is monotonic: a later check must not resurrect the order.
	again, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Status != models.StatusPaymentExpired {
		t.Errorf("status after recheck = %s, want payment_expired", again.Status)
	}
}

func TestPaymentStatus_RejectedFailsPayment(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, 30*time.Minute)
	fixture.gateway.setStatus(order.PaymentReference, pix.ChargeRejected)

	result, err := fixture.service.PaymentStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.StatusPaymentFailed {
		t.Errorf("status = %s, want payment_failed", result.Status)
	}
	if fixture.products.restored[order.Items[0].ProductID] != 1 {
		t.Error("stock not restored after failed payment")
	}
}

func TestExpireStale(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	expired := awaitingPaymentOrder(t, fixture, -time.Minute)
	lateApproved := awaitingPaymentOrder(t, fixture, -time.Minute)
	fresh := awaitingPaymentOrder(t, fixture, 30*time.Minute)
	fixture.gateway.setStatus(lateApproved.PaymentReference, pix.ChargeApproved)

	if err := fixture.service.ExpireStale(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := fixture.orders.status(expired.ID); got != models.StatusPaymentExpired {
		t.Errorf("expired order status = %s, want payment_expired", got)
	}
	if got := fixture.orders.status(lateApproved.ID); got != models.StatusPending {
		t.Errorf("late approved order status = %s, want pending", got)
	}
	if got := fixture.orders.status(fresh.ID); got != models.StatusAwaitingPayment {
		t.Errorf("fresh order status = %s, want awaiting_payment", got)
	}
}

func TestHandleWebhookEvent_PromotesAndDeduplicates(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, 30*time.Minute)
	fixture.gateway.setStatus(order.PaymentReference, pix.ChargeApproved)

	event := &pix.WebhookEvent{
		ID:                "evt_1",
		ChargeID:          order.PaymentReference,
		ExternalReference: order.ExternalReference,
		Status:            pix.ChargeApproved,
	}

	if err := fixture.service.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fixture.orders.status(order.ID); got != models.StatusPending {
		t.Errorf("status = %s, want pending", got)
	}

	statusCallsAfterFirst := fixture.gateway.statusCalls
	if err := fixture.service.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if fixture.gateway.statusCalls != statusCallsAfterFirst {
		t.Error("redelivered event re-verified against gateway despite dedup")
	}
}

func TestHandleWebhookEvent_AdvisoryOnly(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	order := awaitingPaymentOrder(t, fixture, 30*time.Minute)
	// Gateway still reports pending: the webhook's approved claim is not
	// trusted on its own.
	event := &pix.WebhookEvent{
		ID:                "evt_forged",
		ChargeID:          order.PaymentReference,
		ExternalReference: order.ExternalReference,
		Status:            pix.ChargeApproved,
	}

	if err := fixture.service.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fixture.orders.status(order.ID); got != models.StatusAwaitingPayment {
		t.Errorf("status = %s, want awaiting_payment (webhook unverified)", got)
	}
}

func TestHandleWebhookEvent_UnmaterializedReference(t *testing.T) {
	t.Parallel()

	fixture := newCheckoutFixture(t)
	event := &pix.WebhookEvent{
		ID:                "evt_2",
		ChargeID:          "ch_unknown",
		ExternalReference: "saveup-" + uuid.NewString(),
		Status:            pix.ChargeApproved,
	}
	if err := fixture.service.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fixture.orders.count() != 0 {
		t.Error("order fabricated for a reference with no draft behind it")
	}
}

// A webhook that arrives before the client's confirm call runs the same
// confirmation path and materializes the draft itself.
func TestHandleWebhookEvent_MaterializesApprovedDraft(t *testing.T) {
	t.Parallel()

	product := testProduct(uuid.New(), "18.00", 5)
	fixture := newCheckoutFixture(t, product)

	result, err := fixture.service.CreateDraft(context.Background(), draftInput(product))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fixture.gateway.setStatus(result.Charge.ID, pix.ChargeApproved)

	event := &pix.WebhookEvent{
		ID:                "evt_3",
		ChargeID:          result.Charge.ID,
		ExternalReference: result.Draft.ExternalReference,
		Status:            pix.ChargeApproved,
	}
	if err := fixture.service.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order, err := fixture.orders.GetByExternalReference(context.Background(), result.Draft.ExternalReference)
	if err != nil {
		t.Fatalf("order not materialized by webhook: %v", err)
	}
	if order.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", order.Status)
	}

	// The client's own confirm call afterwards short-circuits on the same
	// order instead of creating a second one.
	confirmed, err := fixture.service.Confirm(context.Background(), ConfirmInput{
		DraftID:  result.Draft.ID,
		ChargeID: result.Charge.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error on client confirm: %v", err)
	}
	if confirmed.ID != order.ID || fixture.orders.count() != 1 {
		t.Errorf("client confirm did not converge on the webhook-materialized order")
	}
}
