package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTx simula uma transação
type MockTx struct {
	mock.Mock
}

func (m *MockTx) Commit() error {
	return m.Called().Error(0)
}

func (m *MockTx) Rollback() error {
	return m.Called().Error(0)
}

// MockOrderRepository para testes que não precisam de banco real
type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) BeginTx(ctx context.Context) (Tx, error) {
	args := m.Called(ctx)
	if tx, ok := args.Get(0).(Tx); ok {
		return tx, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOrderRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	args := m.Called(ctx, orderID)
	if order, ok := args.Get(0).(*Order); ok {
		return order, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOrderRepository) GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	args := m.Called(ctx, tx, orderID)
	if order, ok := args.Get(0).(*Order); ok {
		return order, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOrderRepository) MarkOrderPaid(ctx context.Context, tx Tx, orderID, transactionID string, paidAt time.Time) error {
	return m.Called(ctx, tx, orderID, transactionID, paidAt).Error(0)
}

func (m *MockOrderRepository) MarkOrderNotified(ctx context.Context, orderID string, at time.Time) error {
	return m.Called(ctx, orderID, at).Error(0)
}

// MockStockDecrementer registra as chamadas de baixa de estoque
type MockStockDecrementer struct {
	mock.Mock
}

func (m *MockStockDecrementer) DecrementForOrder(ctx context.Context, order *Order) []StockAdjustment {
	args := m.Called(ctx, order)
	adjustments, _ := args.Get(0).([]StockAdjustment)
	return adjustments
}

func newMockedSettlement(repo *MockOrderRepository, inventory *MockStockDecrementer, paidAt time.Time) *SettlementUseCase {
	uc := NewSettlementUseCase(repo, inventory, nil, nil)
	uc.now = func() time.Time { return paidAt }
	return uc
}

func TestSettlementUseCase_Settle_TransitionsPendingOrder(t *testing.T) {
	// Arrange
	repo := new(MockOrderRepository)
	inventory := new(MockStockDecrementer)
	tx := new(MockTx)
	paidAt := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	order := NewOrder("A123", decimal.NewFromInt(240), nil)

	repo.On("BeginTx", mock.Anything).Return(tx, nil)
	repo.On("GetOrderForUpdate", mock.Anything, tx, "A123").Return(order, nil)
	repo.On("MarkOrderPaid", mock.Anything, tx, "A123", "tx1", paidAt).Return(nil)
	tx.On("Commit").Return(nil)
	tx.On("Rollback").Return(nil)
	inventory.On("DecrementForOrder", mock.Anything, mock.MatchedBy(func(o *Order) bool {
		return o.ID == "A123" && o.IsSettledBy("tx1")
	})).Return([]StockAdjustment{{ProductID: "p1", Before: 5, After: 3}}).Once()

	uc := newMockedSettlement(repo, inventory, paidAt)

	// Act
	result, err := uc.Settle(context.Background(), "A123", "tx1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, SettlementSettled, result.Outcome)
	assert.True(t, result.Transitioned())
	assert.Equal(t, OrderStatusPaid, result.Order.Status)
	assert.Equal(t, paidAt, *result.Order.PaidAt)
	assert.Len(t, result.Adjustments, 1)
	repo.AssertExpectations(t)
	tx.AssertExpectations(t)
	inventory.AssertNumberOfCalls(t, "DecrementForOrder", 1)
}

func TestSettlementUseCase_Settle_NoOps(t *testing.T) {
	settledBy := func(txID string, status OrderStatus) *Order {
		order := NewOrder("A123", decimal.NewFromInt(240), nil)
		order.MarkPaid(txID, time.Now())
		order.Status = status
		return order
	}
	cancelled := NewOrder("A123", decimal.NewFromInt(240), nil)
	cancelled.Status = OrderStatusCancelled

	tests := []struct {
		name    string
		order   *Order
		outcome SettlementOutcome
	}{
		{"redelivery of the same transaction", settledBy("tx1", OrderStatusPaid), SettlementAlreadySettled},
		{"same transaction after shipping", settledBy("tx1", OrderStatusShipped), SettlementAlreadySettled},
		{"paid by another transaction", settledBy("tx0", OrderStatusPaid), SettlementNotPending},
		{"cancelled order", cancelled, SettlementNotPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			repo := new(MockOrderRepository)
			inventory := new(MockStockDecrementer)
			tx := new(MockTx)

			repo.On("BeginTx", mock.Anything).Return(tx, nil)
			repo.On("GetOrderForUpdate", mock.Anything, tx, "A123").Return(tt.order, nil)
			tx.On("Rollback").Return(nil)

			uc := newMockedSettlement(repo, inventory, time.Now())

			// Act
			result, err := uc.Settle(context.Background(), "A123", "tx1")

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.False(t, result.Transitioned())
			repo.AssertNotCalled(t, "MarkOrderPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			tx.AssertNotCalled(t, "Commit")
			inventory.AssertNotCalled(t, "DecrementForOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestSettlementUseCase_Settle_OrderNotFound(t *testing.T) {
	repo := new(MockOrderRepository)
	tx := new(MockTx)
	repo.On("BeginTx", mock.Anything).Return(tx, nil)
	repo.On("GetOrderForUpdate", mock.Anything, tx, "missing").Return(nil, fmt.Errorf("%w: missing", ErrOrderNotFound))
	tx.On("Rollback").Return(nil)

	uc := newMockedSettlement(repo, new(MockStockDecrementer), time.Now())

	_, err := uc.Settle(context.Background(), "missing", "tx1")

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSettlementUseCase_Settle_CommitFailureSkipsInventory(t *testing.T) {
	repo := new(MockOrderRepository)
	inventory := new(MockStockDecrementer)
	tx := new(MockTx)
	order := NewOrder("A123", decimal.NewFromInt(240), nil)

	repo.On("BeginTx", mock.Anything).Return(tx, nil)
	repo.On("GetOrderForUpdate", mock.Anything, tx, "A123").Return(order, nil)
	repo.On("MarkOrderPaid", mock.Anything, tx, "A123", "tx1", mock.Anything).Return(nil)
	tx.On("Commit").Return(errors.New("connection reset"))
	tx.On("Rollback").Return(nil)

	uc := newMockedSettlement(repo, inventory, time.Now())

	_, err := uc.Settle(context.Background(), "A123", "tx1")

	assert.Error(t, err)
	inventory.AssertNotCalled(t, "DecrementForOrder", mock.Anything, mock.Anything)
}

func TestSettlementUseCase_Idempotent(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	inventory := NewInventoryUseCase(store, nil, nil, nil)
	uc := NewSettlementUseCase(store, inventory, NewAuditLogger(store), nil)
	ctx := context.Background()

	// Act
	first, err := uc.Settle(ctx, "A123", "tx1")
	require.NoError(t, err)
	second, err := uc.Settle(ctx, "A123", "tx1")
	require.NoError(t, err)
	other, err := uc.Settle(ctx, "A123", "tx2")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, SettlementSettled, first.Outcome)
	assert.Equal(t, SettlementAlreadySettled, second.Outcome)
	assert.Equal(t, SettlementNotPending, other.Outcome)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"), "inventory decremented exactly once")

	order, err := store.GetOrder(ctx, "A123")
	require.NoError(t, err)
	assert.True(t, order.IsSettledBy("tx1"))
}

func TestSettlementUseCase_ConcurrentSettlement(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	inventory := NewInventoryUseCase(store, nil, nil, nil)
	uc := NewSettlementUseCase(store, inventory, nil, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)

	// Act: entregas duplicadas e transações concorrentes para o mesmo pedido
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := uc.Settle(context.Background(), "A123", fmt.Sprintf("tx%d", i%3))
			if assert.NoError(t, err) && result.Transitioned() {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 1, settled)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
}

func TestSettlementUseCase_TwoOrdersSameVariant(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	addPendingOrder(t, store, "B1", OrderItem{ProductID: roseBouquetID, Quantity: 1, UnitPrice: decimal.NewFromInt(120), SelectedSize: "Large"})
	inventory := NewInventoryUseCase(store, nil, nil, nil)
	uc := NewSettlementUseCase(store, inventory, nil, nil)

	// Act
	var wg sync.WaitGroup
	for orderID, txID := range map[string]string{"A123": "tx1", "B1": "tx2"} {
		wg.Add(1)
		go func(orderID, txID string) {
			defer wg.Done()
			_, err := uc.Settle(context.Background(), orderID, txID)
			assert.NoError(t, err)
		}(orderID, txID)
	}
	wg.Wait()

	// Assert: 5 - 2 - 1
	assert.Equal(t, 2, variantStock(t, store, roseBouquetID, "large"))
}

// cancelAfterPaidStore cancela o contexto da requisição logo após marcar o pedido como pago
type cancelAfterPaidStore struct {
	*MemoryStore
	cancel context.CancelFunc
}

func (s *cancelAfterPaidStore) MarkOrderPaid(ctx context.Context, tx Tx, orderID, transactionID string, paidAt time.Time) error {
	err := s.MemoryStore.MarkOrderPaid(ctx, tx, orderID, transactionID, paidAt)
	s.cancel()
	return err
}

func TestSettlementUseCase_Settle_StockDecrementSurvivesCancelledRequest(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orders := &cancelAfterPaidStore{MemoryStore: store, cancel: cancel}
	audit := NewAuditLogger(store)
	uc := NewSettlementUseCase(orders, NewInventoryUseCase(store, audit, nil, nil), audit, nil)

	// Act
	result, err := uc.Settle(ctx, "A123", "tx1")

	// Assert
	require.NoError(t, err)
	require.Error(t, ctx.Err(), "request context is cancelled before the stock decrement")
	assert.Equal(t, SettlementSettled, result.Outcome)
	require.Len(t, result.Adjustments, 1)
	assert.False(t, result.Adjustments[0].Skipped)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
	assert.Empty(t, auditMessages(store, AuditLevelError, "inventory"))

	// Reentrega não decrementa de novo
	again, err := uc.Settle(context.Background(), "A123", "tx1")
	require.NoError(t, err)
	assert.Equal(t, SettlementAlreadySettled, again.Outcome)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
}
