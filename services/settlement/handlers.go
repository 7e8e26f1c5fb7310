package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WebhookProcessor processa o corpo bruto de um callback do gateway
type WebhookProcessor interface {
	Process(ctx context.Context, body []byte) (WebhookResult, error)
}

// OrderReader lê o estado de um pedido
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// NotificationSender expõe os branches de notificação da mensagem DTM
type NotificationSender interface {
	SendCustomer(ctx context.Context, orderID string) error
	SendAdmin(ctx context.Context, orderID string) error
}

// SettlementHandler contém os handlers HTTP
type SettlementHandler struct {
	webhook       WebhookProcessor
	orders        OrderReader
	notifications NotificationSender
	tracer        trace.Tracer
}

// NewSettlementHandler cria uma nova instância de SettlementHandler
func NewSettlementHandler(webhook WebhookProcessor, orders OrderReader, notifications NotificationSender, tracer trace.Tracer) *SettlementHandler {
	return &SettlementHandler{
		webhook:       webhook,
		orders:        orders,
		notifications: notifications,
		tracer:        tracer,
	}
}

// RegisterRoutes registra as rotas do serviço
func (h *SettlementHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/webhooks/payment", h.HandlePaymentWebhook)
	api.GET("/orders/:id/status", h.GetOrderStatus)

	// Branches da mensagem DTM de notificação
	api.POST("/notifications/customer", h.NotifyCustomer)
	api.POST("/notifications/admin", h.NotifyAdmin)
}

// HandlePaymentWebhook recebe o callback do gateway de pagamento
func (h *SettlementHandler) HandlePaymentWebhook(c *gin.Context) {
	ctx, span := startSpan(c.Request.Context(), h.tracer, "payment_webhook")
	defer span.End()

	body, err := c.GetRawData()
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	result, err := h.webhook.Process(ctx, body)
	if err != nil {
		span.RecordError(err)
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			c.JSON(status, gin.H{"error": "failed to process webhook", "message": err.Error()})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("order_id", result.OrderID),
		attribute.String("outcome", result.Outcome),
		attribute.Bool("email_sent", result.EmailSent),
	)

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"orderId":   result.OrderID,
		"emailSent": result.EmailSent,
		"outcome":   result.Outcome,
	})
}

// statusForError mapeia os erros do pipeline para o contrato do gateway: 400 ou 500.
// 5xx faz o gateway reenviar o callback; 4xx não. Entrega em andamento em outra
// réplica cai em 500 para garantir o reenvio.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrMalformedPayload),
		errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrOrderNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetOrderStatus devolve o estado de liquidação para a página de acompanhamento
func (h *SettlementHandler) GetOrderStatus(c *gin.Context) {
	ctx, span := startSpan(c.Request.Context(), h.tracer, "get_order_status")
	defer span.End()

	orderID := c.Param("id")
	span.SetAttributes(attribute.String("order_id", orderID))

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderId":                 order.ID,
		"status":                  order.Status,
		"settlementTransactionId": order.SettlementTransactionID,
		"paidAt":                  order.PaidAt,
		"updatedAt":               order.UpdatedAt,
	})
}

// NotifyCustomer é o branch DTM que envia a confirmação do cliente
func (h *SettlementHandler) NotifyCustomer(c *gin.Context) {
	h.handleNotification(c, "notify_customer", h.notifications.SendCustomer)
}

// NotifyAdmin é o branch DTM que envia o alerta do administrador
func (h *SettlementHandler) NotifyAdmin(c *gin.Context) {
	h.handleNotification(c, "notify_admin", h.notifications.SendAdmin)
}

func (h *SettlementHandler) handleNotification(c *gin.Context, operation string, send func(ctx context.Context, orderID string) error) {
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := startSpanFromPayload(c.Request.Context(), h.tracer, operation, req)
	defer span.End()
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	if err := send(ctx, req.OrderID); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrOrderNotFound) {
			// pedido inexistente: não adianta o DTM tentar de novo
			c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
}

// HealthCheck verifica a saúde do serviço
func (h *SettlementHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "settlement-service",
	})
}

// startSpanFromPayload cria um span filho ligado ao trace propagado no corpo
// (o DTM não propaga os headers W3C)
func startSpanFromPayload(ctx context.Context, tracer trace.Tracer, operationName string, req NotificationRequest) (context.Context, trace.Span) {
	if req.TraceID != "" && req.SpanID != "" && !trace.SpanFromContext(ctx).SpanContext().IsValid() {
		parsedTraceID, _ := trace.TraceIDFromHex(req.TraceID)
		parsedSpanID, _ := trace.SpanIDFromHex(req.SpanID)

		spanContext := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    parsedTraceID,
			SpanID:     parsedSpanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		ctx = trace.ContextWithSpanContext(ctx, spanContext)
	}
	return startSpan(ctx, tracer, operationName)
}
