package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/saveupapp/saveup/internal/email"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/models"
	"github.com/saveupapp/saveup/internal/observability"
)

// Dispatcher fans order events out to push and email. Delivery is best
// effort: failures are logged and counted but never propagate to the caller,
// so a broken notification channel cannot fail an order operation.
type Dispatcher struct {
	pushProvider  PushProvider
	emailProvider email.Provider
	renderer      *email.Renderer
	logger        *slog.Logger
}

func NewDispatcher(pushProvider PushProvider, emailProvider email.Provider, renderer *email.Renderer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pushProvider:  pushProvider,
		emailProvider: emailProvider,
		renderer:      renderer,
		logger:        logger,
	}
}

func (d *Dispatcher) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, d.logger)
}

// PaymentConfirmed sends the receipt email and a payment push after a charge
// is approved.
func (d *Dispatcher) PaymentConfirmed(ctx context.Context, order *models.Order, marketName string) {
	d.sendPush(ctx, order, "payment_confirmed", &Push{
		Recipient: order.CustomerEmail,
		Title:     "Pagamento confirmado",
		Body:      fmt.Sprintf("Seu pedido %s foi confirmado.", shortOrderNumber(order)),
		Data:      map[string]any{"order_id": order.ID.String()},
	})

	receipt, err := d.renderer.RenderReceipt(d.orderInfo(order, marketName))
	if err != nil {
		d.recordFailure(ctx, order, "payment_confirmed", "render_failed", err)
		return
	}
	d.sendEmail(ctx, order, "payment_confirmed", receipt)
}

// OrderCancelled notifies the customer, mentioning the refund when one was
// issued.
func (d *Dispatcher) OrderCancelled(ctx context.Context, order *models.Order, refunded bool) {
	d.sendPush(ctx, order, "order_cancelled", &Push{
		Recipient: order.CustomerEmail,
		Title:     "Pedido cancelado",
		Body:      fmt.Sprintf("Seu pedido %s foi cancelado.", shortOrderNumber(order)),
		Data:      map[string]any{"order_id": order.ID.String()},
	})

	info := d.orderInfo(order, "")
	if refunded {
		info.RefundAmount = order.TotalAmount.StringFixed(2)
	}
	notice, err := d.renderer.RenderCancellation(info)
	if err != nil {
		d.recordFailure(ctx, order, "order_cancelled", "render_failed", err)
		return
	}
	d.sendEmail(ctx, order, "order_cancelled", notice)
}

// OrderReady tells the customer the order awaits pickup or left for delivery.
func (d *Dispatcher) OrderReady(ctx context.Context, order *models.Order, marketName string) {
	body := fmt.Sprintf("Seu pedido %s está pronto para retirada.", shortOrderNumber(order))
	if order.Fulfillment == models.FulfillmentDelivery {
		body = fmt.Sprintf("Seu pedido %s saiu para entrega.", shortOrderNumber(order))
	}
	d.sendPush(ctx, order, "order_ready", &Push{
		Recipient: order.CustomerEmail,
		Title:     "Pedido pronto",
		Body:      body,
		Data:      map[string]any{"order_id": order.ID.String()},
	})

	notice, err := d.renderer.RenderReady(d.orderInfo(order, marketName))
	if err != nil {
		d.recordFailure(ctx, order, "order_ready", "render_failed", err)
		return
	}
	d.sendEmail(ctx, order, "order_ready", notice)
}

// StatusChanged is the generic push for intermediate lifecycle steps.
func (d *Dispatcher) StatusChanged(ctx context.Context, order *models.Order) {
	d.sendPush(ctx, order, "status_changed", &Push{
		Recipient: order.CustomerEmail,
		Title:     "Pedido atualizado",
		Body:      fmt.Sprintf("Seu pedido %s agora está: %s.", shortOrderNumber(order), order.Status),
		Data: map[string]any{
			"order_id": order.ID.String(),
			"status":   string(order.Status),
		},
	})
}

func (d *Dispatcher) sendPush(ctx context.Context, order *models.Order, event string, push *Push) {
	if err := d.pushProvider.SendPush(ctx, push); err != nil {
		d.recordFailure(ctx, order, event, "push_failed", err)
	}
}

func (d *Dispatcher) sendEmail(ctx context.Context, order *models.Order, event string, msg *email.Email) {
	msg.To = order.CustomerEmail
	if err := d.emailProvider.SendEmail(ctx, msg); err != nil {
		d.recordFailure(ctx, order, event, "email_failed", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, order *models.Order, event, reason string, err error) {
	meter := observability.MeterFromContext(ctx)
	meter.Count("notify.delivery_failed", 1, sentry.WithAttributes(
		attribute.String("event", event),
		attribute.String("reason", reason),
	))
	d.loggerFromContext(ctx).Warn("notification delivery failed",
		"event", event, "reason", reason, "error", err, "order_id", order.ID)
}

func (d *Dispatcher) orderInfo(order *models.Order, marketName string) email.OrderInfo {
	info := email.OrderInfo{
		OrderNumber:  shortOrderNumber(order),
		CustomerName: order.CustomerName,
		MarketName:   marketName,
		Fulfillment:  string(order.Fulfillment),
		Address:      order.DeliveryAddress,
		Total:        order.TotalAmount.StringFixed(2),
		EcoPoints:    order.EcoPoints,
	}
	for _, item := range order.Items {
		info.Items = append(info.Items, email.LineItem{
			Name:      item.ProductName,
			Quantity:  item.Quantity,
			UnitPrice: item.PriceAtTime.StringFixed(2),
			Subtotal:  item.Subtotal().StringFixed(2),
		})
	}
	return info
}

func shortOrderNumber(order *models.Order) string {
	id := order.ID.String()
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
