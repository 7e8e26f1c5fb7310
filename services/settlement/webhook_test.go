package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookUseCase_Process_EndToEnd(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	ctx := context.Background()

	// Act
	result, err := p.webhook.Process(ctx, []byte(a123ChargePayload))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "A123", result.OrderID)
	assert.Equal(t, string(SettlementSettled), result.Outcome)
	assert.True(t, result.EmailSent)
	assert.False(t, result.FallbackUsed)

	order, err := store.GetOrder(ctx, "A123")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPaid, order.Status)
	assert.True(t, order.IsSettledBy("tx1"))
	assert.NotNil(t, order.PaidAt)
	assert.NotNil(t, order.NotifiedAt)

	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
	assert.Equal(t, 10, variantStock(t, store, roseBouquetID, "small"))

	customer, admin := p.mailer.sent()
	assert.Equal(t, 1, customer)
	assert.Equal(t, 1, admin)
	assert.Equal(t, "dana@example.com", p.mailer.customer[0].CustomerEmail)
	assert.Equal(t, "240.00", p.mailer.customer[0].Lines[0].LineTotal.StringFixed(2))
	assert.Equal(t, "10:00-14:00", p.mailer.customer[0].DeliveryWindow)

	assert.Contains(t, auditMessages(store, AuditLevelInfo, "webhook"), "payment webhook received")
	assert.Contains(t, auditMessages(store, AuditLevelInfo, "verifier"), "transaction verified with gateway")
	assert.Contains(t, auditMessages(store, AuditLevelInfo, "settlement"), "order marked as paid")
	assert.Contains(t, auditMessages(store, AuditLevelInfo, "notification"), "customer confirmation sent")
	assert.Contains(t, auditMessages(store, AuditLevelInfo, "notification"), "admin alert sent")
}

func TestWebhookUseCase_Process_Redelivery(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	ctx := context.Background()

	_, err := p.webhook.Process(ctx, []byte(a123ChargePayload))
	require.NoError(t, err)

	// Act
	result, err := p.webhook.Process(ctx, []byte(a123ChargePayload))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, string(SettlementAlreadySettled), result.Outcome)
	assert.False(t, result.EmailSent, "confirmation already went out")
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))

	customer, admin := p.mailer.sent()
	assert.Equal(t, 1, customer)
	assert.Equal(t, 1, admin)
}

func TestWebhookUseCase_Process_RedeliveryResendsMissingConfirmation(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	p.mailer.failCustomer = 3
	ctx := context.Background()

	first, err := p.webhook.Process(ctx, []byte(a123ChargePayload))
	require.NoError(t, err)
	require.False(t, first.EmailSent)

	// Act
	second, err := p.webhook.Process(ctx, []byte(a123ChargePayload))

	// Assert
	require.NoError(t, err)
	assert.True(t, second.EmailSent)

	customer, admin := p.mailer.sent()
	assert.Equal(t, 1, customer)
	assert.Equal(t, 1, admin, "admin alert is not repeated on redelivery")

	order, err := store.GetOrder(ctx, "A123")
	require.NoError(t, err)
	assert.NotNil(t, order.NotifiedAt)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
}

func TestWebhookUseCase_Process_NotificationFailureKeepsPaid(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	p.mailer.failCustomer = -1
	p.mailer.failAdmin = -1

	// Act
	result, err := p.webhook.Process(context.Background(), []byte(a123ChargePayload))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, string(SettlementSettled), result.Outcome)
	assert.False(t, result.EmailSent)

	order, err := store.GetOrder(context.Background(), "A123")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPaid, order.Status)
	assert.Nil(t, order.NotifiedAt)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))

	errors := auditMessages(store, AuditLevelError, "notification")
	assert.Contains(t, errors, "customer confirmation failed")
	assert.Contains(t, errors, "admin alert failed")
	assert.Equal(t, 3, p.mailer.customerAttempts)
}

func TestWebhookUseCase_Process_VerificationFallback(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, accessDenied(), true)

	// Act
	result, err := p.webhook.Process(context.Background(), []byte(a123ChargePayload))

	// Assert
	require.NoError(t, err)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, string(SettlementSettled), result.Outcome)

	order, err := store.GetOrder(context.Background(), "A123")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPaid, order.Status)

	warnings := auditMessages(store, AuditLevelWarn, "verifier")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "FALLBACK")
	assert.Empty(t, auditMessages(store, AuditLevelInfo, "verifier"), "fallback is distinguishable from a genuine verification")
}

func TestWebhookUseCase_Process_FallbackDisabled(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, accessDenied(), false)

	// Act
	_, err := p.webhook.Process(context.Background(), []byte(a123ChargePayload))

	// Assert
	assert.ErrorIs(t, err, ErrVerificationUnavailable)
	order, getErr := store.GetOrder(context.Background(), "A123")
	require.NoError(t, getErr)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.Equal(t, 5, variantStock(t, store, roseBouquetID, "large"))
}

func TestWebhookUseCase_Process_GenuineRejection(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, VerificationResult{
		Outcome:    VerificationUnverified,
		Reason:     ReasonStatusCode,
		HTTPStatus: 200,
		StatusCode: "033",
	}, true)

	// Act
	_, err := p.webhook.Process(context.Background(), []byte(a123ChargePayload))

	// Assert
	assert.ErrorIs(t, err, ErrVerificationFailed)
	var settlementErr *SettlementError
	require.ErrorAs(t, err, &settlementErr)
	assert.Equal(t, "verify", settlementErr.Stage)

	order, getErr := store.GetOrder(context.Background(), "A123")
	require.NoError(t, getErr)
	assert.Equal(t, OrderStatusPending, order.Status)
	customer, admin := p.mailer.sent()
	assert.Zero(t, customer+admin)
}

func TestWebhookUseCase_Process_ReversalsAreAcknowledged(t *testing.T) {
	for _, txType := range []string{"Refund", "Cancel", "Authorize"} {
		t.Run(txType, func(t *testing.T) {
			// Arrange
			store := newA123Store(t)
			p := newTestPipeline(t, store, verified(), true)
			body := `{"transaction_uid":"tx9","more_info":"A123","status_code":"000","transaction_type":"` + txType + `"}`

			// Act
			result, err := p.webhook.Process(context.Background(), []byte(body))

			// Assert
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, result.Outcome)
			assert.False(t, result.EmailSent)
			assert.Zero(t, p.verifier.calls.Load(), "reversals bypass verification")

			order, err := store.GetOrder(context.Background(), "A123")
			require.NoError(t, err)
			assert.Equal(t, OrderStatusPending, order.Status)
			assert.Equal(t, 5, variantStock(t, store, roseBouquetID, "large"))
		})
	}
}

func TestWebhookUseCase_Process_RefundAfterSettlementIsNoOp(t *testing.T) {
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	ctx := context.Background()
	_, err := p.webhook.Process(ctx, []byte(a123ChargePayload))
	require.NoError(t, err)

	result, err := p.webhook.Process(ctx, []byte(`{"transaction_uid":"tx1","more_info":"A123","transaction_type":"Refund"}`))

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	order, err := store.GetOrder(ctx, "A123")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPaid, order.Status)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
}

func TestWebhookUseCase_Process_MalformedPayload(t *testing.T) {
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)

	_, err := p.webhook.Process(context.Background(), []byte(`{"status_code":"000"}`))

	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Zero(t, p.verifier.calls.Load())
	assert.Contains(t, auditMessages(store, AuditLevelInfo, "webhook"), "payment webhook received", "raw payload is audited before validation")
}

func TestWebhookUseCase_Process_UnknownOrder(t *testing.T) {
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)

	_, err := p.webhook.Process(context.Background(), []byte(`{"transaction_uid":"tx1","more_info":"Z999","status_code":"000","transaction_type":"Charge"}`))

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestWebhookUseCase_Process_AmountMismatchIsInformational(t *testing.T) {
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	body := `{"transaction_uid":"tx1","more_info":"A123","status_code":"000","amount":"199.99","transaction_type":"Charge"}`

	result, err := p.webhook.Process(context.Background(), []byte(body))

	require.NoError(t, err)
	assert.Equal(t, string(SettlementSettled), result.Outcome)
	assert.Contains(t, auditMessages(store, AuditLevelWarn, "webhook"), "event amount differs from order total")
}

func TestWebhookUseCase_Process_ConcurrentDuplicateDeliveries(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)

	// Act
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.webhook.Process(context.Background(), []byte(a123ChargePayload))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
	customer, admin := p.mailer.sent()
	assert.Equal(t, 1, customer)
	assert.Equal(t, 1, admin)

	paid := 0
	for _, msg := range auditMessages(store, AuditLevelInfo, "settlement") {
		if msg == "order marked as paid" {
			paid++
		}
	}
	assert.Equal(t, 1, paid)
}

func TestNotificationJobFor(t *testing.T) {
	store := newA123Store(t)
	order, err := store.GetOrder(context.Background(), "A123")
	require.NoError(t, err)
	order.MarkPaid("tx1", order.CreatedAt)
	event := PaymentEvent{TransactionID: "tx1", OrderID: "A123"}

	job, ok := notificationJobFor(event, SettlementResult{Outcome: SettlementSettled, Order: order})
	assert.True(t, ok)
	assert.True(t, job.Customer)
	assert.True(t, job.Admin)

	job, ok = notificationJobFor(event, SettlementResult{Outcome: SettlementAlreadySettled, Order: order})
	assert.True(t, ok)
	assert.True(t, job.Customer)
	assert.False(t, job.Admin)

	notifiedAt := order.CreatedAt
	order.NotifiedAt = &notifiedAt
	_, ok = notificationJobFor(event, SettlementResult{Outcome: SettlementAlreadySettled, Order: order})
	assert.False(t, ok)

	_, ok = notificationJobFor(event, SettlementResult{Outcome: SettlementNotPending, Order: order})
	assert.False(t, ok)
}

func TestWebhookUseCase_Process_CompletesAfterCallerCancels(t *testing.T) {
	// Arrange: o gateway desistiu da conexão antes do processamento
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Act
	result, err := p.webhook.Process(ctx, []byte(a123ChargePayload))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, string(SettlementSettled), result.Outcome)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
	customer, admin := p.mailer.sent()
	assert.Equal(t, 1, customer)
	assert.Equal(t, 1, admin)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	// "₪" ocupa 3 bytes: o corte em 10 cai no meio da quarta rune
	got := truncate(strings.Repeat("₪", 8), 10)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("₪", 3)+"...(truncated)", got)
}

func TestWebhookUseCase_Process_OtherTransactionOnPaidOrderSendsNothing(t *testing.T) {
	// Arrange
	store := newA123Store(t)
	p := newTestPipeline(t, store, verified(), true)
	ctx := context.Background()

	_, err := p.webhook.Process(ctx, []byte(a123ChargePayload))
	require.NoError(t, err)

	// Act: outra transação para o mesmo pedido já pago
	other := strings.Replace(a123ChargePayload, `"tx1"`, `"tx2"`, 1)
	result, err := p.webhook.Process(ctx, []byte(other))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, string(SettlementNotPending), result.Outcome)
	assert.False(t, result.EmailSent)
	customer, admin := p.mailer.sent()
	assert.Equal(t, 1, customer)
	assert.Equal(t, 1, admin)
	assert.Equal(t, 3, variantStock(t, store, roseBouquetID, "large"))
}
