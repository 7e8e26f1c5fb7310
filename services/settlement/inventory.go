package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StockAdjustment descreve o efeito da liquidação sobre uma linha do pedido
type StockAdjustment struct {
	ProductID  string `json:"product_id"`
	VariantKey string `json:"variant_key,omitempty"`
	Quantity   int    `json:"quantity"`
	Before     int    `json:"before"`
	After      int    `json:"after"`
	Skipped    bool   `json:"skipped"`
	Reason     string `json:"reason,omitempty"`
}

// InventoryUseCase contém a lógica de baixa de estoque
type InventoryUseCase struct {
	repository ProductRepository
	audit      *AuditLogger
	metrics    *Metrics
	tracer     trace.Tracer
}

// NewInventoryUseCase cria uma nova instância de InventoryUseCase
func NewInventoryUseCase(repository ProductRepository, audit *AuditLogger, metrics *Metrics, tracer trace.Tracer) *InventoryUseCase {
	return &InventoryUseCase{
		repository: repository,
		audit:      audit,
		metrics:    metrics,
		tracer:     tracer,
	}
}

// DecrementForOrder aplica a baixa de estoque de cada item de um pedido recém liquidado.
// Falhas por item são registradas e ignoradas: a liquidação nunca é desfeita aqui.
func (uc *InventoryUseCase) DecrementForOrder(ctx context.Context, order *Order) []StockAdjustment {
	ctx, span := startSpan(ctx, uc.tracer, "inventory.DecrementForOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", order.ID),
		attribute.Int("items", len(order.Items)),
	)

	log.Printf("➡️ [DECREASE STOCK] OrderID: %s | Items: %d", order.ID, len(order.Items))

	adjustments := make([]StockAdjustment, 0, len(order.Items))
	for _, item := range order.Items {
		adjustment, err := uc.decrementItem(ctx, item)
		if err != nil {
			adjustment.Skipped = true
			adjustment.Reason = err.Error()
			uc.recordSkip(ctx, order.ID, item, adjustment, err)
		} else {
			uc.metrics.StockAdjusted(ctx, "decremented")
			uc.audit.Info(ctx, "inventory", "stock decremented", map[string]any{
				"order_id":    order.ID,
				"product_id":  adjustment.ProductID,
				"variant_key": adjustment.VariantKey,
				"quantity":    adjustment.Quantity,
				"before":      adjustment.Before,
				"after":       adjustment.After,
			})
		}
		adjustments = append(adjustments, adjustment)
	}

	log.Printf("✅ [DECREASE STOCK] Done: OrderID=%s", order.ID)
	return adjustments
}

func (uc *InventoryUseCase) recordSkip(ctx context.Context, orderID string, item OrderItem, adjustment StockAdjustment, err error) {
	metadata := map[string]any{
		"order_id":      orderID,
		"product_id":    item.ProductID,
		"selected_size": item.SelectedSize,
		"quantity":      item.Quantity,
		"error":         err.Error(),
	}

	switch {
	case errors.Is(err, ErrVariantNotResolved):
		uc.metrics.StockAdjusted(ctx, "variant_unresolved")
		uc.audit.Warn(ctx, "inventory", "size variant not resolved, stock unchanged", metadata)
	case errors.Is(err, ErrProductNotFound):
		uc.metrics.StockAdjusted(ctx, "product_missing")
		uc.audit.Warn(ctx, "inventory", "product not found, stock unchanged", metadata)
	default:
		uc.metrics.StockAdjusted(ctx, "failed")
		uc.audit.Error(ctx, "inventory", "stock decrement failed", metadata)
	}
}

// decrementItem faz o read-modify-write do produto com lock pessimista
func (uc *InventoryUseCase) decrementItem(ctx context.Context, item OrderItem) (StockAdjustment, error) {
	adjustment := StockAdjustment{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
	}

	if item.Quantity <= 0 {
		return adjustment, fmt.Errorf("invalid quantity %d", item.Quantity)
	}

	// 1. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return adjustment, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 2. Obtém o produto com LOCK PESSIMISTA
	product, err := uc.repository.GetProductForUpdate(ctx, tx, item.ProductID)
	if err != nil {
		return adjustment, err
	}

	// 3. Resolve a variante e calcula o novo estoque (nunca negativo)
	if product.HasVariations() {
		key, ok := ResolveVariant(product.Variations, item.SelectedSize)
		if !ok {
			return adjustment, fmt.Errorf("%w: %q on product %s", ErrVariantNotResolved, item.SelectedSize, product.ID)
		}

		variation := product.Variations[key]
		adjustment.VariantKey = key
		adjustment.Before = variation.Stock
		variation.Stock = DecrementStock(variation.Stock, item.Quantity)
		adjustment.After = variation.Stock
		product.Variations[key] = variation
	} else {
		adjustment.Before = product.Stock
		product.Stock = DecrementStock(product.Stock, item.Quantity)
		adjustment.After = product.Stock
	}

	// 4. Grava o produto
	if err := uc.repository.UpdateProductStock(ctx, tx, product); err != nil {
		return adjustment, err
	}

	// 5. Commit da transação
	if err := tx.Commit(); err != nil {
		return adjustment, fmt.Errorf("failed to commit stock decrement: %w", err)
	}

	return adjustment, nil
}

// DecrementStock retorna max(0, stock - quantity)
func DecrementStock(stock, quantity int) int {
	if quantity >= stock {
		return 0
	}
	return stock - quantity
}

// variantRule é uma das regras de correspondência, em ordem de prioridade
type variantRule func(label, key string, variation Variation) bool

var variantRules = []variantRule{
	// (a) label da variante igual ao texto selecionado
	func(label, key string, v Variation) bool { return normalizeLabel(v.Label) == label },
	// (b) chave da variante igual ao texto selecionado
	func(label, key string, v Variation) bool { return key == label },
	// (c) texto selecionado contém a chave
	func(label, key string, v Variation) bool { return key != "" && strings.Contains(label, key) },
	// (d) chave contém o texto selecionado
	func(label, key string, v Variation) bool { return strings.Contains(key, label) },
}

// ResolveVariant encontra a chave da variante para um tamanho em texto livre.
// Dentro de uma mesma regra as chaves são percorridas em ordem alfabética; rótulos
// sobrepostos podem escolher a variante "errada", o catálogo deve evitar isso.
func ResolveVariant(variations map[string]Variation, selected string) (string, bool) {
	label := normalizeLabel(selected)
	if label == "" || len(variations) == 0 {
		return "", false
	}

	keys := make([]string, 0, len(variations))
	for key := range variations {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, rule := range variantRules {
		for _, key := range keys {
			if rule(label, normalizeLabel(key), variations[key]) {
				return key, true
			}
		}
	}

	return "", false
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
