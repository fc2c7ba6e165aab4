package email

import (
	"bytes"
	"fmt"
	"text/template"
)

// OrderInfo carries the fields the order email templates render.
type OrderInfo struct {
	OrderNumber  string
	CustomerName string
	MarketName   string
	Fulfillment  string
	Address      string
	Items        []LineItem
	Total        string
	EcoPoints    int
	RefundAmount string
}

type LineItem struct {
	Name      string
	Quantity  int
	UnitPrice string
	Subtotal  string
}

// Renderer renders the built-in order templates.
type Renderer struct {
	templates *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl := template.New("email")
	for name, body := range builtinTemplates {
		if _, err := tmpl.New(name).Parse(body); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
	}
	return &Renderer{templates: tmpl}, nil
}

// RenderReceipt builds the payment-confirmed receipt email.
func (r *Renderer) RenderReceipt(info OrderInfo) (*Email, error) {
	text, err := r.render("receipt_text", info)
	if err != nil {
		return nil, err
	}
	return &Email{
		Subject: fmt.Sprintf("Pedido %s confirmado", info.OrderNumber),
		Text:    text,
	}, nil
}

// RenderCancellation builds the cancellation notice, including the refund
// line when a refund was issued.
func (r *Renderer) RenderCancellation(info OrderInfo) (*Email, error) {
	text, err := r.render("cancellation_text", info)
	if err != nil {
		return nil, err
	}
	return &Email{
		Subject: fmt.Sprintf("Pedido %s cancelado", info.OrderNumber),
		Text:    text,
	}, nil
}

// RenderReady builds the order-ready notice for pickup or delivery.
func (r *Renderer) RenderReady(info OrderInfo) (*Email, error) {
	text, err := r.render("ready_text", info)
	if err != nil {
		return nil, err
	}
	return &Email{
		Subject: fmt.Sprintf("Pedido %s pronto", info.OrderNumber),
		Text:    text,
	}, nil
}

func (r *Renderer) render(name string, info OrderInfo) (string, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, info); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

var builtinTemplates = map[string]string{
	"receipt_text": `Olá {{.CustomerName}},

Recebemos o pagamento do pedido {{.OrderNumber}}.

{{range .Items}}{{.Quantity}}x {{.Name}} — R$ {{.Subtotal}}
{{end}}Total: R$ {{.Total}}
{{if .EcoPoints}}
Você ganhou {{.EcoPoints}} eco points ao resgatar estes produtos.
{{end}}{{if eq .Fulfillment "delivery"}}Entrega em: {{.Address}}{{else}}Retirada em: {{.MarketName}}{{end}}

Obrigado por salvar alimentos!`,

	"cancellation_text": `Olá {{.CustomerName}},

O pedido {{.OrderNumber}} foi cancelado.
{{if .RefundAmount}}
O estorno de R$ {{.RefundAmount}} foi solicitado e deve aparecer na sua conta em instantes.
{{end}}
Se tiver dúvidas, responda este email.`,

	"ready_text": `Olá {{.CustomerName}},

{{if eq .Fulfillment "delivery"}}O pedido {{.OrderNumber}} saiu para entrega.{{else}}O pedido {{.OrderNumber}} está pronto para retirada em {{.MarketName}}.{{end}}

Total: R$ {{.Total}}`,
}
