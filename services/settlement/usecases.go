package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// stockDecrementTimeout limita a baixa de estoque pós-commit
const stockDecrementTimeout = 30 * time.Second

// SettlementOutcome descreve o que a liquidação fez com o pedido
type SettlementOutcome string

const (
	SettlementSettled        SettlementOutcome = "settled"
	SettlementAlreadySettled SettlementOutcome = "already_settled"
	SettlementNotPending     SettlementOutcome = "not_pending"
)

// SettlementResult é o retorno de Settle
type SettlementResult struct {
	Outcome     SettlementOutcome
	Order       *Order
	Adjustments []StockAdjustment
}

// Transitioned indica se esta chamada fez a transição PENDING -> PAID
func (r SettlementResult) Transitioned() bool {
	return r.Outcome == SettlementSettled
}

// StockDecrementer aplica a baixa de estoque de um pedido liquidado
type StockDecrementer interface {
	DecrementForOrder(ctx context.Context, order *Order) []StockAdjustment
}

// SettlementUseCase contém a máquina de estados da liquidação
type SettlementUseCase struct {
	repository OrderRepository
	inventory  StockDecrementer
	audit      *AuditLogger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewSettlementUseCase cria uma nova instância de SettlementUseCase
func NewSettlementUseCase(repository OrderRepository, inventory StockDecrementer, audit *AuditLogger, tracer trace.Tracer) *SettlementUseCase {
	return &SettlementUseCase{
		repository: repository,
		inventory:  inventory,
		audit:      audit,
		tracer:     tracer,
		now:        time.Now,
	}
}

// Settle faz o compare-and-set PENDING -> PAID usando Lock Pessimista.
// Reentregas e pedidos fora de PENDING são no-op com sucesso.
func (uc *SettlementUseCase) Settle(ctx context.Context, orderID, transactionID string) (SettlementResult, error) {
	ctx, span := startSpan(ctx, uc.tracer, "settlement.Settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("transaction_id", transactionID),
	)

	log.Printf("➡️ [SETTLE] OrderID: %s | TransactionID: %s", orderID, transactionID)

	result, err := uc.transition(ctx, orderID, transactionID)
	if err != nil {
		span.RecordError(err)
		return result, err
	}
	span.SetAttributes(attribute.String("settlement.outcome", string(result.Outcome)))

	metadata := map[string]any{
		"order_id":       orderID,
		"transaction_id": transactionID,
		"status":         string(result.Order.Status),
	}

	if !result.Transitioned() {
		if result.Order.SettlementTransactionID != nil {
			metadata["settled_by"] = *result.Order.SettlementTransactionID
		}
		log.Printf("ℹ️  [IDEMPOTENCY] Settlement skipped: OrderID=%s | Outcome=%s", orderID, result.Outcome)
		uc.audit.Info(ctx, "settlement", "settlement skipped, order not pending", metadata)
		return result, nil
	}

	log.Printf("✅ [SETTLE] Success: OrderID=%s", orderID)
	uc.audit.Info(ctx, "settlement", "order marked as paid", metadata)

	// A baixa de estoque roda uma única vez, apenas após uma transição real.
	// O PAID já foi commitado: a baixa não pode morrer com a requisição.
	if uc.inventory != nil {
		stockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stockDecrementTimeout)
		defer cancel()
		result.Adjustments = uc.inventory.DecrementForOrder(stockCtx, result.Order)
	}

	return result, nil
}

func (uc *SettlementUseCase) transition(ctx context.Context, orderID, transactionID string) (SettlementResult, error) {
	// 1. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 2. Obtém o pedido com LOCK PESSIMISTA (SELECT FOR UPDATE)
	order, err := uc.repository.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		log.Printf("❌ SETTLE FAILED: GetOrderForUpdate | OrderID=%s | Error=%v", orderID, err)
		return SettlementResult{}, err
	}

	// 3. Idempotência: mesma transação ou pedido já fora de PENDING
	if order.IsSettledBy(transactionID) {
		return SettlementResult{Outcome: SettlementAlreadySettled, Order: order}, nil
	}
	if order.Status != OrderStatusPending || order.SettlementTransactionID != nil {
		return SettlementResult{Outcome: SettlementNotPending, Order: order}, nil
	}

	// 4. Aplica a transição
	paidAt := uc.now().UTC()
	if err := uc.repository.MarkOrderPaid(ctx, tx, orderID, transactionID, paidAt); err != nil {
		log.Printf("❌ [SETTLE] | OrderID=%s Failed to update: %v", orderID, err)
		return SettlementResult{}, err
	}
	order.MarkPaid(transactionID, paidAt)

	// 5. Commit da transação
	if err := tx.Commit(); err != nil {
		return SettlementResult{}, fmt.Errorf("failed to commit settlement: %w", err)
	}

	return SettlementResult{Outcome: SettlementSettled, Order: order}, nil
}
