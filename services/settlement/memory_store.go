package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errTxClosed = errors.New("transaction already closed")

// MemoryStore implementa os repositórios em memória (testes e STORAGE_DRIVER=memory).
// Cada pedido/produto tem um lock próprio que faz o papel do SELECT ... FOR UPDATE.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	products map[string]*Product
	audit    []AuditEntry

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore cria um novo armazenamento em memória
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		products: make(map[string]*Product),
		locks:    make(map[string]chan struct{}),
	}
}

// memoryTx guarda os locks adquiridos e as escritas pendentes até o Commit
type memoryTx struct {
	store    *MemoryStore
	held     []string
	orders   map[string]*Order
	products map[string]*Product
	closed   bool
}

func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{
		store:    s,
		orders:   make(map[string]*Order),
		products: make(map[string]*Product),
	}, nil
}

func (t *memoryTx) Commit() error {
	if t.closed {
		return errTxClosed
	}
	t.store.mu.Lock()
	for id, order := range t.orders {
		t.store.orders[id] = order
	}
	for id, product := range t.products {
		t.store.products[id] = product
	}
	t.store.mu.Unlock()

	t.release()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.release()
	return nil
}

func (t *memoryTx) release() {
	t.closed = true
	for _, key := range t.held {
		t.store.unlock(key)
	}
	t.held = nil
}

func (t *memoryTx) holds(key string) bool {
	for _, k := range t.held {
		if k == key {
			return true
		}
	}
	return false
}

func (t *memoryTx) acquire(ctx context.Context, key string) error {
	if t.closed {
		return errTxClosed
	}
	if t.holds(key) {
		return nil
	}
	if err := t.store.lock(ctx, key); err != nil {
		return err
	}
	t.held = append(t.held, key)
	return nil
}

func (s *MemoryStore) lockChan(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *MemoryStore) lock(ctx context.Context, key string) error {
	select {
	case s.lockChan(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryStore) unlock(key string) {
	<-s.lockChan(key)
}

func asMemoryTx(tx Tx) (*memoryTx, error) {
	mtx, ok := tx.(*memoryTx)
	if !ok {
		return nil, fmt.Errorf("unexpected transaction type %T", tx)
	}
	return mtx, nil
}

// GetOrder busca um pedido pelo ID
func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order.Clone(), nil
}

// GetOrderForUpdate obtém o pedido com lock exclusivo
func (s *MemoryStore) GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	mtx, err := asMemoryTx(tx)
	if err != nil {
		return nil, err
	}
	if err := mtx.acquire(ctx, "order:"+orderID); err != nil {
		return nil, err
	}
	if pending, ok := mtx.orders[orderID]; ok {
		return pending.Clone(), nil
	}
	return s.GetOrder(ctx, orderID)
}

// MarkOrderPaid aplica PENDING -> PAID dentro da transação
func (s *MemoryStore) MarkOrderPaid(ctx context.Context, tx Tx, orderID, transactionID string, paidAt time.Time) error {
	mtx, err := asMemoryTx(tx)
	if err != nil {
		return err
	}
	if !mtx.holds("order:" + orderID) {
		return fmt.Errorf("order %s is not locked by this transaction", orderID)
	}

	order, err := s.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if !order.MarkPaid(transactionID, paidAt) {
		return fmt.Errorf("order %s is no longer pending", orderID)
	}

	mtx.orders[orderID] = order
	return nil
}

// MarkOrderNotified registra o envio da confirmação
func (s *MemoryStore) MarkOrderNotified(ctx context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.NotifiedAt == nil {
		updated := order.Clone()
		updated.NotifiedAt = &at
		s.orders[orderID] = updated
	}
	return nil
}

// GetProductForUpdate obtém o produto com lock exclusivo
func (s *MemoryStore) GetProductForUpdate(ctx context.Context, tx Tx, productID string) (*Product, error) {
	mtx, err := asMemoryTx(tx)
	if err != nil {
		return nil, err
	}
	if err := mtx.acquire(ctx, "product:"+productID); err != nil {
		return nil, err
	}
	if pending, ok := mtx.products[productID]; ok {
		return pending.Clone(), nil
	}
	return s.GetProduct(ctx, productID)
}

// UpdateProductStock grava o novo estoque no Commit
func (s *MemoryStore) UpdateProductStock(ctx context.Context, tx Tx, product *Product) error {
	mtx, err := asMemoryTx(tx)
	if err != nil {
		return err
	}
	if !mtx.holds("product:" + product.ID) {
		return fmt.Errorf("product %s is not locked by this transaction", product.ID)
	}

	updated := product.Clone()
	updated.UpdatedAt = time.Now()
	mtx.products[product.ID] = updated
	return nil
}

// GetProduct devolve uma cópia do produto
func (s *MemoryStore) GetProduct(ctx context.Context, productID string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return product.Clone(), nil
}

// CreateOrder insere um pedido
func (s *MemoryStore) CreateOrder(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

// SaveProduct insere ou substitui um produto
func (s *MemoryStore) SaveProduct(ctx context.Context, product *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.ID] = product.Clone()
	return nil
}

// InsertAuditEntry adiciona a entrada na trilha em memória
func (s *MemoryStore) InsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *entry)
	return nil
}

// AuditEntries devolve uma cópia da trilha de auditoria
func (s *MemoryStore) AuditEntries() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]AuditEntry(nil), s.audit...)
}
