package main

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus representa os possíveis status de um pedido
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// allowedTransitions lista os avanços permitidos; nenhum status volta para trás
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusShipped},
	OrderStatusShipped: {OrderStatusDelivered},
}

// CanTransitionTo verifica se o pedido pode sair de "from" para "to"
func CanTransitionTo(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order representa um pedido da loja
type Order struct {
	ID                      string          `json:"id" db:"id"`
	Status                  OrderStatus     `json:"status" db:"status"`
	TotalAmount             decimal.Decimal `json:"total_amount" db:"total_amount"`
	SettlementTransactionID *string         `json:"settlement_transaction_id,omitempty" db:"settlement_transaction_id"`
	CustomerName            string          `json:"customer_name" db:"customer_name"`
	CustomerEmail           string          `json:"customer_email" db:"customer_email"`
	CustomerPhone           string          `json:"customer_phone,omitempty" db:"customer_phone"`
	DeliveryDate            string          `json:"delivery_date,omitempty" db:"delivery_date"`
	DeliveryWindow          string          `json:"delivery_window,omitempty" db:"delivery_window"`
	Items                   []OrderItem     `json:"items"`
	CreatedAt               time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at" db:"updated_at"`
	PaidAt                  *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	NotifiedAt              *time.Time      `json:"notified_at,omitempty" db:"notified_at"`
}

// NewOrder cria uma nova instância de Order com status PENDING
func NewOrder(id string, total decimal.Decimal, items []OrderItem) *Order {
	return &Order{
		ID:          id,
		Status:      OrderStatusPending,
		TotalAmount: total,
		Items:       items,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// IsSettledBy indica se o pedido já está vinculado à transação informada
func (o *Order) IsSettledBy(transactionID string) bool {
	return o.SettlementTransactionID != nil && *o.SettlementTransactionID == transactionID
}

// MarkPaid aplica a transição PENDING -> PAID vinculando a transação.
// Retorna false quando o pedido não pode ser liquidado (já pago, cancelado, etc).
func (o *Order) MarkPaid(transactionID string, at time.Time) bool {
	if o.SettlementTransactionID != nil || !CanTransitionTo(o.Status, OrderStatusPaid) {
		return false
	}

	txID := transactionID
	o.Status = OrderStatusPaid
	o.SettlementTransactionID = &txID
	o.PaidAt = &at
	o.UpdatedAt = at
	return true
}

// OrderItem representa uma linha do pedido
type OrderItem struct {
	ProductID    string          `json:"product_id" db:"product_id"`
	ProductName  string          `json:"product_name" db:"product_name"`
	Quantity     int             `json:"quantity" db:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
	SelectedSize string          `json:"selected_size,omitempty" db:"selected_size"`
}

// LineTotal retorna quantidade * preço unitário
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Variation representa uma variante (tamanho) de um produto
type Variation struct {
	Label string          `json:"label"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// Product representa um produto do catálogo com estoque simples ou por variante
type Product struct {
	ID              string               `json:"id" db:"id"`
	Name            string               `json:"name" db:"name"`
	Stock           int                  `json:"stock" db:"stock"`
	IsVariablePrice bool                 `json:"is_variable_price" db:"is_variable_price"`
	Variations      map[string]Variation `json:"variations,omitempty" db:"variations"`
	UpdatedAt       time.Time            `json:"updated_at" db:"updated_at"`
}

// HasVariations indica se o estoque do produto é controlado por variante
func (p *Product) HasVariations() bool {
	return len(p.Variations) > 0
}

// Clone devolve uma cópia profunda, usada pelo armazenamento em memória
func (p *Product) Clone() *Product {
	cp := *p
	if p.Variations != nil {
		cp.Variations = make(map[string]Variation, len(p.Variations))
		for k, v := range p.Variations {
			cp.Variations[k] = v
		}
	}
	return &cp
}

// Clone devolve uma cópia profunda do pedido
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	if o.SettlementTransactionID != nil {
		txID := *o.SettlementTransactionID
		cp.SettlementTransactionID = &txID
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	if o.NotifiedAt != nil {
		t := *o.NotifiedAt
		cp.NotifiedAt = &t
	}
	return &cp
}

// AuditLevel representa a severidade de uma entrada de auditoria
type AuditLevel string

const (
	AuditLevelInfo  AuditLevel = "INFO"
	AuditLevelWarn  AuditLevel = "WARN"
	AuditLevelError AuditLevel = "ERROR"
)

// AuditEntry representa um registro append-only da trilha de auditoria
type AuditEntry struct {
	ID        string         `json:"id" db:"id"`
	Level     AuditLevel     `json:"level" db:"level"`
	Source    string         `json:"source" db:"source"`
	Message   string         `json:"message" db:"message"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
