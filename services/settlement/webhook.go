package main

import (
	"context"
	"errors"
	"log"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// OutcomeIgnored é o resultado de eventos que não são cobrança (Cancel, Refund, Other)
const OutcomeIgnored = "ignored"

// deliveryTimeout limita a execução compartilhada de uma entrega
const deliveryTimeout = 60 * time.Second

// maxAuditedPayload limita o tamanho do payload bruto gravado na auditoria
const maxAuditedPayload = 8 << 10

// WebhookResult é o que o handler devolve ao gateway
type WebhookResult struct {
	OrderID       string
	TransactionID string
	Outcome       string
	EmailSent     bool
	FallbackUsed  bool
}

// Settler aplica a liquidação de um pedido
type Settler interface {
	Settle(ctx context.Context, orderID, transactionID string) (SettlementResult, error)
}

// Notifier despacha as notificações de um pedido liquidado
type Notifier interface {
	Dispatch(ctx context.Context, job NotificationJob) bool
}

// WebhookUseCase orquestra normalização, verificação, liquidação e notificação
type WebhookUseCase struct {
	verifier   TransactionVerifier
	fallback   FallbackPolicy
	settlement Settler
	notifier   Notifier
	lock       DeliveryLock
	audit      *AuditLogger
	metrics    *Metrics
	tracer     trace.Tracer
	group      singleflight.Group
}

// NewWebhookUseCase cria uma nova instância de WebhookUseCase
func NewWebhookUseCase(
	verifier TransactionVerifier,
	fallback FallbackPolicy,
	settlement Settler,
	notifier Notifier,
	lock DeliveryLock,
	audit *AuditLogger,
	metrics *Metrics,
	tracer trace.Tracer,
) *WebhookUseCase {
	if lock == nil {
		lock = NoopDeliveryLock{}
	}
	return &WebhookUseCase{
		verifier:   verifier,
		fallback:   fallback,
		settlement: settlement,
		notifier:   notifier,
		lock:       lock,
		audit:      audit,
		metrics:    metrics,
		tracer:     tracer,
	}
}

// Process trata um callback do gateway de ponta a ponta.
// Erros retornados são *SettlementError classificáveis com errors.Is.
func (uc *WebhookUseCase) Process(ctx context.Context, body []byte) (WebhookResult, error) {
	ctx, span := startSpan(ctx, uc.tracer, "webhook.Process")
	defer span.End()

	// 1. Auditoria do payload bruto, antes de qualquer validação
	uc.audit.Info(ctx, "webhook", "payment webhook received", map[string]any{
		"size":    len(body),
		"payload": truncate(string(body), maxAuditedPayload),
	})

	// 2. Normalização
	event, err := NormalizePayload(body)
	if err != nil {
		uc.metrics.Delivery(ctx, "malformed")
		uc.audit.Warn(ctx, "webhook", "malformed payload rejected", map[string]any{"error": err.Error()})
		span.SetStatus(codes.Error, "malformed payload")
		return WebhookResult{}, &SettlementError{Stage: "normalize", Err: err}
	}

	span.SetAttributes(
		attribute.String("order_id", event.OrderID),
		attribute.String("transaction_id", event.TransactionID),
		attribute.String("transaction_type", string(event.TransactionType)),
	)

	result := WebhookResult{OrderID: event.OrderID, TransactionID: event.TransactionID}

	// 3. Cancel/Refund/Other: apenas reconhece, sem alterar estado
	if !isSettleable(event) {
		result.Outcome = OutcomeIgnored
		uc.metrics.Delivery(ctx, OutcomeIgnored)
		uc.audit.Info(ctx, "webhook", "non-charge event acknowledged without state change", map[string]any{
			"order_id":         event.OrderID,
			"transaction_id":   event.TransactionID,
			"transaction_type": event.RawType,
		})
		return result, nil
	}

	// 4. Entregas concorrentes da mesma transação colapsam em uma só execução.
	// A execução é compartilhada: não herda o cancelamento de quem chegou primeiro.
	key := event.OrderID + ":" + event.TransactionID
	value, err, shared := uc.group.Do(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()

		release, err := uc.lock.Acquire(runCtx, key)
		if err != nil {
			return WebhookResult{}, err
		}
		defer release()
		return uc.settleVerified(runCtx, event)
	})
	if shared {
		log.Printf("ℹ️  [IDEMPOTENCY] Concurrent delivery collapsed: OrderID=%s | TransactionID=%s", event.OrderID, event.TransactionID)
	}

	result, _ = value.(WebhookResult)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var settlementErr *SettlementError
		if !errors.As(err, &settlementErr) {
			err = &SettlementError{Stage: "lock", OrderID: event.OrderID, Err: err}
		}
		return WebhookResult{OrderID: event.OrderID, TransactionID: event.TransactionID}, err
	}

	span.SetAttributes(attribute.String("webhook.outcome", result.Outcome))
	return result, nil
}

func (uc *WebhookUseCase) settleVerified(ctx context.Context, event PaymentEvent) (WebhookResult, error) {
	result := WebhookResult{OrderID: event.OrderID, TransactionID: event.TransactionID}

	// 5. Verificação + política de fallback
	verification := uc.fallback.Apply(event, uc.verifier.Verify(ctx, event.TransactionID, event.OrderID))
	if err := uc.recordVerification(ctx, event, verification); err != nil {
		uc.metrics.Delivery(ctx, "unverified")
		return result, &SettlementError{Stage: "verify", OrderID: event.OrderID, Err: err}
	}
	result.FallbackUsed = verification.FallbackUsed

	// 6. Liquidação
	settlement, err := uc.settlement.Settle(ctx, event.OrderID, event.TransactionID)
	if err != nil {
		metadata := map[string]any{
			"order_id":       event.OrderID,
			"transaction_id": event.TransactionID,
			"error":          err.Error(),
		}
		if errors.Is(err, ErrOrderNotFound) {
			uc.metrics.Delivery(ctx, "order_not_found")
			uc.audit.Warn(ctx, "settlement", "verified event references unknown order", metadata)
		} else {
			uc.metrics.Delivery(ctx, "failed")
			uc.audit.Error(ctx, "settlement", "settlement failed", metadata)
		}
		return result, &SettlementError{Stage: "settle", OrderID: event.OrderID, Err: err}
	}
	result.Outcome = string(settlement.Outcome)

	if event.HasAmount && !event.Amount.Equal(settlement.Order.TotalAmount) {
		uc.audit.Warn(ctx, "webhook", "event amount differs from order total", map[string]any{
			"order_id":     event.OrderID,
			"event_amount": event.Amount.String(),
			"order_total":  settlement.Order.TotalAmount.String(),
		})
	}

	// 7. Notificações
	if job, ok := notificationJobFor(event, settlement); ok {
		result.EmailSent = uc.notifier.Dispatch(ctx, job)
	}

	uc.metrics.Delivery(ctx, result.Outcome)
	uc.audit.Info(ctx, "webhook", "payment webhook processed", map[string]any{
		"order_id":       event.OrderID,
		"transaction_id": event.TransactionID,
		"outcome":        result.Outcome,
		"email_sent":     result.EmailSent,
		"fallback":       result.FallbackUsed,
	})

	return result, nil
}

// recordVerification audita o resultado e devolve o erro quando o evento não pode seguir
func (uc *WebhookUseCase) recordVerification(ctx context.Context, event PaymentEvent, v VerificationResult) error {
	metadata := map[string]any{
		"order_id":       event.OrderID,
		"transaction_id": event.TransactionID,
		"outcome":        string(v.Outcome),
	}
	if v.Reason != ReasonNone {
		metadata["reason"] = string(v.Reason)
	}
	if v.HTTPStatus != 0 {
		metadata["http_status"] = v.HTTPStatus
	}
	if v.Err != nil {
		metadata["error"] = v.Err.Error()
	}

	switch {
	case v.Outcome == VerificationVerified:
		uc.metrics.Verification(ctx, "verified")
		uc.audit.Info(ctx, "verifier", "transaction verified with gateway", metadata)
		return nil
	case v.FallbackUsed:
		metadata["fallback_reason"] = v.FallbackReason
		uc.metrics.Verification(ctx, "fallback")
		uc.audit.Warn(ctx, "verifier", "FALLBACK: transaction accepted without gateway verification", metadata)
		return nil
	case v.Outcome == VerificationError || v.Reason == ReasonEndpointAccess:
		uc.metrics.Verification(ctx, "unavailable")
		uc.audit.Error(ctx, "verifier", "transaction verification unavailable", metadata)
		return ErrVerificationUnavailable
	default:
		uc.metrics.Verification(ctx, "rejected")
		uc.audit.Warn(ctx, "verifier", "transaction verification rejected", metadata)
		return ErrVerificationFailed
	}
}

// notificationJobFor decide o que notificar: tudo após uma transição real; apenas a
// confirmação do cliente numa reentrega da mesma transação que nunca foi confirmada.
func notificationJobFor(event PaymentEvent, settlement SettlementResult) (NotificationJob, bool) {
	switch settlement.Outcome {
	case SettlementSettled:
		return NotificationJob{Order: settlement.Order, Customer: true, Admin: true}, true
	case SettlementAlreadySettled:
		if settlement.Order.IsSettledBy(event.TransactionID) && settlement.Order.NotifiedAt == nil {
			return NotificationJob{Order: settlement.Order, Customer: true}, true
		}
	}
	return NotificationJob{}, false
}

// isSettleable aceita Charge/ChargeSuccess; payloads sem tipo são tratados como cobrança
func isSettleable(event PaymentEvent) bool {
	return event.TransactionType.IsCharge() || event.RawType == ""
}

// truncate corta em fronteira de rune para não gravar UTF-8 inválido
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
