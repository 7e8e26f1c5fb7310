package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// OrderRepository define as operações de persistência de pedidos usadas na liquidação
type OrderRepository interface {
	BeginTx(ctx context.Context) (Tx, error)

	// GetOrder busca um pedido pelo ID (leitura sem lock)
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// GetOrderForUpdate obtém o pedido com lock pessimista dentro da transação
	GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error)

	// MarkOrderPaid grava PENDING -> PAID e o vínculo com a transação do gateway
	MarkOrderPaid(ctx context.Context, tx Tx, orderID, transactionID string, paidAt time.Time) error

	// MarkOrderNotified registra que a confirmação do cliente foi enviada
	MarkOrderNotified(ctx context.Context, orderID string, at time.Time) error
}

// ProductRepository define as operações de estoque (read-modify-write atômico por produto)
type ProductRepository interface {
	BeginTx(ctx context.Context) (Tx, error)
	GetProductForUpdate(ctx context.Context, tx Tx, productID string) (*Product, error)
	UpdateProductStock(ctx context.Context, tx Tx, product *Product) error
}

// Seeder carrega pedidos e produtos (fixtures locais e testes)
type Seeder interface {
	CreateOrder(ctx context.Context, order *Order) error
	SaveProduct(ctx context.Context, product *Product) error
}

// PostgresRepository implementa os repositórios usando PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository cria uma nova instância de PostgresRepository
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// BeginTx inicia uma nova transação
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &PostgresTx{tx: tx}, nil
}

// querier é satisfeito tanto pelo pool quanto por pgx.Tx
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const selectOrderColumns = `
	SELECT id, status, total_amount::text, settlement_transaction_id,
	       customer_name, customer_email, customer_phone, delivery_date, delivery_window,
	       created_at, updated_at, paid_at, notified_at
	FROM orders
	WHERE id = $1`

// GetOrder busca um pedido pelo ID
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return r.loadOrder(ctx, r.db, selectOrderColumns, orderID)
}

// GetOrderForUpdate obtém o pedido com lock pessimista (FOR UPDATE)
func (r *PostgresRepository) GetOrderForUpdate(ctx context.Context, tx Tx, orderID string) (*Order, error) {
	pgTx := tx.(*PostgresTx).tx
	return r.loadOrder(ctx, pgTx, selectOrderColumns+" FOR UPDATE", orderID)
}

func (r *PostgresRepository) loadOrder(ctx context.Context, q querier, query, orderID string) (*Order, error) {
	var (
		order Order
		total string
	)
	err := q.QueryRow(ctx, query, orderID).Scan(
		&order.ID,
		&order.Status,
		&total,
		&order.SettlementTransactionID,
		&order.CustomerName,
		&order.CustomerEmail,
		&order.CustomerPhone,
		&order.DeliveryDate,
		&order.DeliveryWindow,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.PaidAt,
		&order.NotifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	order.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("invalid total_amount for order %s: %w", orderID, err)
	}

	items, err := r.loadOrderItems(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return &order, nil
}

func (r *PostgresRepository) loadOrderItems(ctx context.Context, q querier, orderID string) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, product_name, quantity, unit_price::text, selected_size
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var (
			item      OrderItem
			unitPrice string
		)
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &unitPrice, &item.SelectedSize); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		item.UnitPrice, err = decimal.NewFromString(unitPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid unit_price for order %s: %w", orderID, err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// MarkOrderPaid atualiza o pedido para PAID somente se ainda estiver PENDING e sem transação
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, tx Tx, orderID, transactionID string, paidAt time.Time) error {
	pgTx := tx.(*PostgresTx).tx

	tag, err := pgTx.Exec(ctx, `
		UPDATE orders
		SET status = 'PAID',
		    settlement_transaction_id = $2,
		    paid_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND settlement_transaction_id IS NULL
	`, orderID, transactionID, paidAt)
	if err != nil {
		return fmt.Errorf("failed to mark order paid: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("order %s is no longer pending", orderID)
	}

	return nil
}

// MarkOrderNotified registra o envio da confirmação ao cliente
func (r *PostgresRepository) MarkOrderNotified(ctx context.Context, orderID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders
		SET notified_at = $2, updated_at = NOW()
		WHERE id = $1 AND notified_at IS NULL
	`, orderID, at)
	if err != nil {
		return fmt.Errorf("failed to mark order notified: %w", err)
	}
	return nil
}

// GetProductForUpdate obtém o produto com lock pessimista (FOR UPDATE)
func (r *PostgresRepository) GetProductForUpdate(ctx context.Context, tx Tx, productID string) (*Product, error) {
	pgTx := tx.(*PostgresTx).tx

	query := `
		SELECT id, name, stock, is_variable_price, variations, updated_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`

	var (
		product    Product
		variations []byte
	)
	err := pgTx.QueryRow(ctx, query, productID).Scan(
		&product.ID,
		&product.Name,
		&product.Stock,
		&product.IsVariablePrice,
		&variations,
		&product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("failed to get product with lock: %w", err)
	}

	if len(variations) > 0 {
		if err := json.Unmarshal(variations, &product.Variations); err != nil {
			return nil, fmt.Errorf("invalid variations for product %s: %w", productID, err)
		}
	}

	return &product, nil
}

// UpdateProductStock grava o estoque simples e o mapa de variantes
func (r *PostgresRepository) UpdateProductStock(ctx context.Context, tx Tx, product *Product) error {
	pgTx := tx.(*PostgresTx).tx

	variations, err := marshalVariations(product.Variations)
	if err != nil {
		return err
	}

	_, err = pgTx.Exec(ctx, `
		UPDATE products
		SET stock = $2,
		    variations = $3::jsonb,
		    updated_at = NOW()
		WHERE id = $1
	`, product.ID, product.Stock, variations)
	if err != nil {
		return fmt.Errorf("failed to update product stock: %w", err)
	}

	return nil
}

// InsertAuditEntry insere uma entrada na tabela audit_logs
func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_logs (id, level, source, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, entry.ID, string(entry.Level), entry.Source, entry.Message, string(metadata), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// CreateOrder insere o pedido e seus itens
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, status, total_amount, settlement_transaction_id,
		                    customer_name, customer_email, customer_phone, delivery_date, delivery_window,
		                    created_at, updated_at, paid_at, notified_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, order.ID, string(order.Status), order.TotalAmount.String(), order.SettlementTransactionID,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone, order.DeliveryDate, order.DeliveryWindow,
		order.CreatedAt, order.UpdatedAt, order.PaidAt, order.NotifiedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for i, item := range order.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, position, product_id, product_name, quantity, unit_price, selected_size)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		`, order.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice.String(), item.SelectedSize)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SaveProduct insere ou substitui um produto do catálogo
func (r *PostgresRepository) SaveProduct(ctx context.Context, product *Product) error {
	variations, err := marshalVariations(product.Variations)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO products (id, name, stock, is_variable_price, variations, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    stock = EXCLUDED.stock,
		    is_variable_price = EXCLUDED.is_variable_price,
		    variations = EXCLUDED.variations,
		    updated_at = NOW()
	`, product.ID, product.Name, product.Stock, product.IsVariablePrice, variations)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}

	return nil
}

func marshalVariations(variations map[string]Variation) (string, error) {
	if variations == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(variations)
	if err != nil {
		return "", fmt.Errorf("failed to marshal variations: %w", err)
	}
	return string(raw), nil
}
