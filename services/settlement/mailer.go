package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// SnapshotLine é uma linha do pedido como aparece no e-mail
type SnapshotLine struct {
	ProductName  string          `json:"product_name"`
	SelectedSize string          `json:"selected_size,omitempty"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

// OrderSnapshot contém tudo que a confirmação do cliente precisa
type OrderSnapshot struct {
	OrderID        string          `json:"order_id"`
	TransactionID  string          `json:"transaction_id"`
	CustomerName   string          `json:"customer_name"`
	CustomerEmail  string          `json:"customer_email"`
	CustomerPhone  string          `json:"customer_phone,omitempty"`
	Lines          []SnapshotLine  `json:"lines"`
	Total          decimal.Decimal `json:"total"`
	DeliveryDate   string          `json:"delivery_date,omitempty"`
	DeliveryWindow string          `json:"delivery_window,omitempty"`
}

// OrderSummary é o resumo enviado ao administrador
type OrderSummary struct {
	OrderID       string          `json:"order_id"`
	TransactionID string          `json:"transaction_id"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email"`
	ItemCount     int             `json:"item_count"`
	Total         decimal.Decimal `json:"total"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// NewOrderSnapshot monta o snapshot a partir do pedido liquidado
func NewOrderSnapshot(order *Order) OrderSnapshot {
	snapshot := OrderSnapshot{
		OrderID:        order.ID,
		CustomerName:   order.CustomerName,
		CustomerEmail:  order.CustomerEmail,
		CustomerPhone:  order.CustomerPhone,
		Total:          order.TotalAmount,
		DeliveryDate:   order.DeliveryDate,
		DeliveryWindow: order.DeliveryWindow,
		Lines:          make([]SnapshotLine, 0, len(order.Items)),
	}
	if order.SettlementTransactionID != nil {
		snapshot.TransactionID = *order.SettlementTransactionID
	}
	for _, item := range order.Items {
		snapshot.Lines = append(snapshot.Lines, SnapshotLine{
			ProductName:  item.ProductName,
			SelectedSize: item.SelectedSize,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			LineTotal:    item.LineTotal(),
		})
	}
	return snapshot
}

// NewOrderSummary monta o resumo para o administrador
func NewOrderSummary(order *Order) OrderSummary {
	summary := OrderSummary{
		OrderID:       order.ID,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		Total:         order.TotalAmount,
		PaidAt:        order.PaidAt,
	}
	if order.SettlementTransactionID != nil {
		summary.TransactionID = *order.SettlementTransactionID
	}
	for _, item := range order.Items {
		summary.ItemCount += item.Quantity
	}
	return summary
}

// Mailer é a capacidade de envio de e-mail
type Mailer interface {
	SendCustomerConfirmation(ctx context.Context, snapshot OrderSnapshot) error
	SendAdminAlert(ctx context.Context, summary OrderSummary) error
}

// MailerConfig contém a configuração da API de e-mail transacional
type MailerConfig struct {
	APIURL     string
	APIKey     string
	From       string
	AdminEmail string
	Timeout    time.Duration
}

// mailRequest é o corpo enviado à API de e-mail
type mailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// HTTPMailer envia e-mails por uma API HTTP (JSON + bearer token)
type HTTPMailer struct {
	client *resty.Client
	config MailerConfig
}

// NewHTTPMailer cria uma nova instância de HTTPMailer
func NewHTTPMailer(config MailerConfig) *HTTPMailer {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json")
	if config.APIKey != "" {
		client.SetAuthToken(config.APIKey)
	}
	return &HTTPMailer{client: client, config: config}
}

func (m *HTTPMailer) SendCustomerConfirmation(ctx context.Context, snapshot OrderSnapshot) error {
	if snapshot.CustomerEmail == "" {
		return errors.New("order has no customer email")
	}
	return m.send(ctx, mailRequest{
		From:    m.config.From,
		To:      snapshot.CustomerEmail,
		Subject: fmt.Sprintf("Order %s confirmed", snapshot.OrderID),
		Text:    renderCustomerConfirmation(snapshot),
	})
}

func (m *HTTPMailer) SendAdminAlert(ctx context.Context, summary OrderSummary) error {
	if m.config.AdminEmail == "" {
		return errors.New("admin email not configured")
	}
	return m.send(ctx, mailRequest{
		From:    m.config.From,
		To:      m.config.AdminEmail,
		Subject: fmt.Sprintf("New paid order %s", summary.OrderID),
		Text:    renderAdminAlert(summary),
	})
}

func (m *HTTPMailer) send(ctx context.Context, req mailRequest) error {
	resp, err := m.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(m.config.APIURL)
	if err != nil {
		return fmt.Errorf("mail api request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("mail api returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// LogMailer apenas registra os e-mails no log (sem API configurada)
type LogMailer struct{}

func (LogMailer) SendCustomerConfirmation(ctx context.Context, snapshot OrderSnapshot) error {
	log.Printf("📧 [MAIL] Customer confirmation | OrderID=%s | To=%s | Total=%s",
		snapshot.OrderID, snapshot.CustomerEmail, snapshot.Total.StringFixed(2))
	return nil
}

func (LogMailer) SendAdminAlert(ctx context.Context, summary OrderSummary) error {
	log.Printf("📧 [MAIL] Admin alert | OrderID=%s | Items=%d | Total=%s",
		summary.OrderID, summary.ItemCount, summary.Total.StringFixed(2))
	return nil
}

func renderCustomerConfirmation(s OrderSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nYour payment for order %s was received.\n\n", s.CustomerName, s.OrderID)
	for _, line := range s.Lines {
		name := line.ProductName
		if line.SelectedSize != "" {
			name += " (" + line.SelectedSize + ")"
		}
		fmt.Fprintf(&b, "- %s x%d: %s\n", name, line.Quantity, line.LineTotal.StringFixed(2))
	}
	fmt.Fprintf(&b, "\nTotal: %s\n", s.Total.StringFixed(2))
	if s.DeliveryDate != "" {
		fmt.Fprintf(&b, "Delivery: %s", s.DeliveryDate)
		if s.DeliveryWindow != "" {
			fmt.Fprintf(&b, " (%s)", s.DeliveryWindow)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderAdminAlert(s OrderSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s was paid.\n", s.OrderID)
	fmt.Fprintf(&b, "Customer: %s <%s>\n", s.CustomerName, s.CustomerEmail)
	fmt.Fprintf(&b, "Items: %d\nTotal: %s\nTransaction: %s\n", s.ItemCount, s.Total.StringFixed(2), s.TransactionID)
	return b.String()
}
