package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	roseBouquetID = "rose-bouquet"
	vaseID        = "glass-vase"
)

// newA123Store monta o cenário: pedido A123 PENDING com 2x Rose Bouquet (Large, estoque 5) a ₪120
func newA123Store(t *testing.T) *MemoryStore {
	t.Helper()

	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SaveProduct(ctx, &Product{
		ID:              roseBouquetID,
		Name:            "Rose Bouquet",
		IsVariablePrice: true,
		Variations: map[string]Variation{
			"small":  {Label: "Small", Price: decimal.NewFromInt(80), Stock: 10},
			"large":  {Label: "Large", Price: decimal.NewFromInt(120), Stock: 5},
			"medium": {Label: "Medium", Price: decimal.NewFromInt(100), Stock: 7},
		},
	}))
	require.NoError(t, store.SaveProduct(ctx, &Product{
		ID:    vaseID,
		Name:  "Glass Vase",
		Stock: 4,
	}))

	order := NewOrder("A123", decimal.NewFromInt(240), []OrderItem{
		{
			ProductID:    roseBouquetID,
			ProductName:  "Rose Bouquet",
			Quantity:     2,
			UnitPrice:    decimal.NewFromInt(120),
			SelectedSize: "Large",
		},
	})
	order.CustomerName = "Dana Levi"
	order.CustomerEmail = "dana@example.com"
	order.DeliveryDate = "2026-02-14"
	order.DeliveryWindow = "10:00-14:00"
	require.NoError(t, store.CreateOrder(ctx, order))

	return store
}

func addPendingOrder(t *testing.T, store *MemoryStore, id string, items ...OrderItem) {
	t.Helper()

	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	order := NewOrder(id, total, items)
	order.CustomerEmail = id + "@example.com"
	require.NoError(t, store.CreateOrder(context.Background(), order))
}

func variantStock(t *testing.T, store *MemoryStore, productID, key string) int {
	t.Helper()

	product, err := store.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return product.Variations[key].Stock
}

func auditMessages(store *MemoryStore, level AuditLevel, source string) []string {
	var messages []string
	for _, entry := range store.AuditEntries() {
		if entry.Level == level && entry.Source == source {
			messages = append(messages, entry.Message)
		}
	}
	return messages
}

// stubVerifier devolve sempre o mesmo resultado e conta as chamadas
type stubVerifier struct {
	result VerificationResult
	calls  atomic.Int32
}

func (s *stubVerifier) Verify(ctx context.Context, transactionID, expectedOrderID string) VerificationResult {
	s.calls.Add(1)
	return s.result
}

func verified() VerificationResult {
	return VerificationResult{Outcome: VerificationVerified, HTTPStatus: 200, StatusCode: SuccessStatusCode}
}

func accessDenied() VerificationResult {
	return VerificationResult{
		Outcome:    VerificationUnverified,
		Reason:     ReasonEndpointAccess,
		HTTPStatus: 403,
		Err:        errors.New("gateway status endpoint returned 403"),
	}
}

// recordingMailer guarda os envios e pode falhar as primeiras N tentativas
type recordingMailer struct {
	mu               sync.Mutex
	failCustomer     int
	failAdmin        int
	customerAttempts int
	adminAttempts    int
	customer         []OrderSnapshot
	admin            []OrderSummary
}

func (m *recordingMailer) SendCustomerConfirmation(ctx context.Context, snapshot OrderSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.customerAttempts++
	if m.failCustomer != 0 {
		if m.failCustomer > 0 {
			m.failCustomer--
		}
		return errors.New("smtp relay unavailable")
	}
	m.customer = append(m.customer, snapshot)
	return nil
}

func (m *recordingMailer) SendAdminAlert(ctx context.Context, summary OrderSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.adminAttempts++
	if m.failAdmin != 0 {
		if m.failAdmin > 0 {
			m.failAdmin--
		}
		return errors.New("smtp relay unavailable")
	}
	m.admin = append(m.admin, summary)
	return nil
}

func (m *recordingMailer) sent() (customer, admin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.customer), len(m.admin)
}

// testPipeline liga todos os componentes reais sobre o MemoryStore
type testPipeline struct {
	store    *MemoryStore
	verifier *stubVerifier
	mailer   *recordingMailer
	notifier *NotificationDispatcher
	webhook  *WebhookUseCase
}

func newTestPipeline(t *testing.T, store *MemoryStore, verification VerificationResult, fallbackEnabled bool) *testPipeline {
	t.Helper()

	audit := NewAuditLogger(store)
	verifier := &stubVerifier{result: verification}
	mailer := &recordingMailer{}
	notifier := NewNotificationDispatcher(mailer, store, audit, nil, nil, NotifierConfig{
		Mode:            NotificationModeSync,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
	})
	t.Cleanup(notifier.Close)

	inventory := NewInventoryUseCase(store, audit, nil, nil)
	settlement := NewSettlementUseCase(store, inventory, audit, nil)
	webhook := NewWebhookUseCase(verifier, FallbackPolicy{Enabled: fallbackEnabled}, settlement, notifier, nil, audit, nil, nil)

	return &testPipeline{
		store:    store,
		verifier: verifier,
		mailer:   mailer,
		notifier: notifier,
		webhook:  webhook,
	}
}

const a123ChargePayload = `{
	"transaction_uid": "tx1",
	"status_code": "000",
	"more_info": "A123",
	"amount": 240,
	"transaction_type": "Charge"
}`
