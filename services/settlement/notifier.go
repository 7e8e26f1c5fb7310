package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dtm-labs/client/dtmcli"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NotificationMode define como as notificações são despachadas
type NotificationMode string

const (
	NotificationModeAsync NotificationMode = "async"
	NotificationModeSync  NotificationMode = "sync"
	NotificationModeDTM   NotificationMode = "dtm"
)

// ParseNotificationMode converte o valor de NOTIFICATION_MODE
func ParseNotificationMode(raw string) (NotificationMode, error) {
	switch mode := NotificationMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return NotificationModeAsync, nil
	case NotificationModeAsync, NotificationModeSync, NotificationModeDTM:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown notification mode %q", raw)
	}
}

// NotifierConfig contém os parâmetros do despachante
type NotifierConfig struct {
	Mode            NotificationMode
	Workers         int
	QueueSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	DTMServer       string
	ServiceURL      string
}

// NotificationJob descreve quais notificações enviar para um pedido
type NotificationJob struct {
	Order    *Order
	Customer bool
	Admin    bool
}

// NotificationRequest é o corpo dos branches da mensagem DTM
type NotificationRequest struct {
	OrderID string `json:"order_id" binding:"required"`
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NotificationStore é o subconjunto do repositório usado pelas notificações
type NotificationStore interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	MarkOrderNotified(ctx context.Context, orderID string, at time.Time) error
}

type queuedJob struct {
	ctx context.Context
	job NotificationJob
}

// NotificationDispatcher envia a confirmação do cliente e o alerta do admin.
// Falhas nunca alteram o pedido; apenas viram entradas ERROR na auditoria.
type NotificationDispatcher struct {
	mailer  Mailer
	store   NotificationStore
	audit   *AuditLogger
	metrics *Metrics
	tracer  trace.Tracer
	config  NotifierConfig

	queue     chan queuedJob
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	submitMsg func(ctx context.Context, gid string, job NotificationJob) error
}

// NewNotificationDispatcher cria o despachante e inicia os workers no modo async
func NewNotificationDispatcher(mailer Mailer, store NotificationStore, audit *AuditLogger, metrics *Metrics, tracer trace.Tracer, config NotifierConfig) *NotificationDispatcher {
	if config.Mode == "" {
		config.Mode = NotificationModeAsync
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = 500 * time.Millisecond
	}

	d := &NotificationDispatcher{
		mailer:  mailer,
		store:   store,
		audit:   audit,
		metrics: metrics,
		tracer:  tracer,
		config:  config,
	}
	d.submitMsg = d.submitDTMMsg

	if config.Mode == NotificationModeAsync {
		d.queue = make(chan queuedJob, config.QueueSize)
		for i := 0; i < config.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	}

	return d
}

// Dispatch despacha o job conforme o modo configurado.
// Retorna true quando o envio foi aceito (enfileirado, submetido ao DTM ou, no modo sync, enviado).
func (d *NotificationDispatcher) Dispatch(ctx context.Context, job NotificationJob) bool {
	if job.Order == nil || (!job.Customer && !job.Admin) {
		return false
	}

	switch d.config.Mode {
	case NotificationModeSync:
		return d.deliver(context.WithoutCancel(ctx), job)
	case NotificationModeDTM:
		return d.dispatchDTM(ctx, job)
	default:
		return d.enqueue(ctx, job)
	}
}

func (d *NotificationDispatcher) enqueue(ctx context.Context, job NotificationJob) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.audit.Error(ctx, "notification", "dispatcher closed, notification dropped", map[string]any{
			"order_id": job.Order.ID,
		})
		return false
	}

	select {
	case d.queue <- queuedJob{ctx: context.WithoutCancel(ctx), job: job}:
		log.Printf("📨 [NOTIFY] Enqueued: OrderID=%s | Customer=%t | Admin=%t", job.Order.ID, job.Customer, job.Admin)
		return true
	default:
		d.metrics.Notification(ctx, "queue", "full")
		d.audit.Error(ctx, "notification", "notification queue full, notification dropped", map[string]any{
			"order_id":   job.Order.ID,
			"queue_size": d.config.QueueSize,
		})
		return false
	}
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()
	for item := range d.queue {
		d.deliver(item.ctx, item.job)
	}
}

// Close para de aceitar jobs e espera a fila esvaziar
func (d *NotificationDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.queue != nil {
		close(d.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	log.Println("✅ Notification dispatcher drained")
}

// deliver envia as notificações do job; cada envio é independente
func (d *NotificationDispatcher) deliver(ctx context.Context, job NotificationJob) bool {
	ctx, span := startSpan(ctx, d.tracer, "notification.deliver")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", job.Order.ID))

	ok := true
	if job.Customer {
		if err := d.sendCustomer(ctx, job.Order); err != nil {
			span.RecordError(err)
			ok = false
		}
	}
	if job.Admin {
		if err := d.sendAdmin(ctx, job.Order); err != nil {
			span.RecordError(err)
			if !job.Customer {
				ok = false
			}
		}
	}
	return ok
}

// sendCustomer envia a confirmação com retry e registra NotifiedAt em caso de sucesso
func (d *NotificationDispatcher) sendCustomer(ctx context.Context, order *Order) error {
	snapshot := NewOrderSnapshot(order)
	attempts, err := d.retry(ctx, func() error {
		return d.mailer.SendCustomerConfirmation(ctx, snapshot)
	})

	metadata := map[string]any{
		"order_id":       order.ID,
		"customer_email": order.CustomerEmail,
		"attempts":       attempts,
	}
	if err != nil {
		metadata["error"] = err.Error()
		d.metrics.Notification(ctx, "customer", "failed")
		d.audit.Error(ctx, "notification", "customer confirmation failed", metadata)
		return err
	}

	d.metrics.Notification(ctx, "customer", "sent")
	d.audit.Info(ctx, "notification", "customer confirmation sent", metadata)

	if err := d.store.MarkOrderNotified(ctx, order.ID, time.Now().UTC()); err != nil {
		d.audit.Error(ctx, "notification", "failed to record customer notification", map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
	}
	return nil
}

func (d *NotificationDispatcher) sendAdmin(ctx context.Context, order *Order) error {
	summary := NewOrderSummary(order)
	attempts, err := d.retry(ctx, func() error {
		return d.mailer.SendAdminAlert(ctx, summary)
	})

	metadata := map[string]any{
		"order_id": order.ID,
		"attempts": attempts,
	}
	if err != nil {
		metadata["error"] = err.Error()
		d.metrics.Notification(ctx, "admin", "failed")
		d.audit.Error(ctx, "notification", "admin alert failed", metadata)
		return err
	}

	d.metrics.Notification(ctx, "admin", "sent")
	d.audit.Info(ctx, "notification", "admin alert sent", metadata)
	return nil
}

// retry executa op com backoff exponencial limitado a MaxAttempts tentativas
func (d *NotificationDispatcher) retry(ctx context.Context, op func() error) (int, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.config.InitialInterval
	policy.MaxInterval = 10 * d.config.InitialInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op()
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(d.config.MaxAttempts)),
	)
	return attempts, err
}

// SendCustomer é o branch DTM da confirmação do cliente. Idempotente: não reenvia
// se a confirmação já foi registrada.
func (d *NotificationDispatcher) SendCustomer(ctx context.Context, orderID string) error {
	order, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.NotifiedAt != nil {
		log.Printf("ℹ️  [IDEMPOTENCY] Customer already notified for OrderID=%s", orderID)
		return nil
	}
	if order.Status == OrderStatusPending {
		return fmt.Errorf("order %s is not settled", orderID)
	}
	return d.sendCustomer(ctx, order)
}

// SendAdmin é o branch DTM do alerta do administrador
func (d *NotificationDispatcher) SendAdmin(ctx context.Context, orderID string) error {
	order, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return d.sendAdmin(ctx, order)
}

func (d *NotificationDispatcher) dispatchDTM(ctx context.Context, job NotificationJob) bool {
	gid := d.genGid()

	ctx, span := CreateDTMMsgSpan(ctx, "notify", gid)
	defer span.End()
	span.SetAttributes(attribute.String("order_id", job.Order.ID))

	if err := d.submitMsg(ctx, gid, job); err != nil {
		span.RecordError(err)
		d.metrics.Notification(ctx, "dtm", "failed")
		d.audit.Error(ctx, "notification", "failed to submit notification message", map[string]any{
			"order_id": job.Order.ID,
			"gid":      gid,
			"error":    err.Error(),
		})
		return false
	}

	d.metrics.Notification(ctx, "dtm", "submitted")
	log.Printf("✅ DTM msg submitted successfully - GID: %s, OrderID: %s", gid, job.Order.ID)
	return true
}

// genGid pede um gid ao servidor DTM; se ele estiver fora do ar usa um uuid
func (d *NotificationDispatcher) genGid() (gid string) {
	if d.config.DTMServer == "" {
		return uuid.New().String()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  [DTM] MustGenGid failed, using local gid: %v", r)
			gid = uuid.New().String()
		}
	}()
	return dtmcli.MustGenGid(d.config.DTMServer)
}

func (d *NotificationDispatcher) submitDTMMsg(ctx context.Context, gid string, job NotificationJob) error {
	if d.config.DTMServer == "" || d.config.ServiceURL == "" {
		return errors.New("dtm server or service url not configured")
	}

	// Propagação manual do trace (o DTM não propaga os headers W3C)
	req := &NotificationRequest{OrderID: job.Order.ID}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		req.TraceID = span.SpanContext().TraceID().String()
		req.SpanID = span.SpanContext().SpanID().String()
	}
	msg := dtmcli.NewMsg(d.config.DTMServer, gid)
	if job.Customer {
		msg.Add(d.config.ServiceURL+"/api/notifications/customer", req)
	}
	if job.Admin {
		msg.Add(d.config.ServiceURL+"/api/notifications/admin", req)
	}
	return msg.Submit()
}
