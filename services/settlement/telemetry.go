package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "settlement-service"

// startSpan abre um span filho; sem tracer configurado usa o provider global
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return tracer.Start(ctx, name)
}

// CreateDTMMsgSpan cria um span específico para mensagens transacionais do DTM
func CreateDTMMsgSpan(ctx context.Context, operationName string, gid string) (context.Context, trace.Span) {
	tracer := otel.Tracer("dtm-msg")
	ctx, span := tracer.Start(ctx, "dtm."+operationName)

	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.operation", operationName),
		attribute.String("component", "dtm-coordinator"),
	)

	return ctx, span
}

// Metrics agrupa os contadores do pipeline. Um *Metrics nil é válido e não registra nada.
type Metrics struct {
	deliveries       metric.Int64Counter
	verifications    metric.Int64Counter
	stockAdjustments metric.Int64Counter
	notifications    metric.Int64Counter
}

// NewMetrics registra os contadores no meter informado
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	deliveries, err := meter.Int64Counter("webhook_deliveries_total",
		metric.WithDescription("Payment webhook deliveries by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	verifications, err := meter.Int64Counter("verification_results_total",
		metric.WithDescription("Gateway verification results, including fallback acceptances"))
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications counter: %w", err)
	}

	stockAdjustments, err := meter.Int64Counter("stock_adjustments_total",
		metric.WithDescription("Per-item stock decrements and skips"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stock adjustments counter: %w", err)
	}

	notifications, err := meter.Int64Counter("notifications_total",
		metric.WithDescription("Notification sends by kind and result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	return &Metrics{
		deliveries:       deliveries,
		verifications:    verifications,
		stockAdjustments: stockAdjustments,
		notifications:    notifications,
	}, nil
}

func (m *Metrics) Delivery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Verification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) StockAdjusted(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.stockAdjustments.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) Notification(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
