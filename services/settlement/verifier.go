package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// VerificationOutcome é o resultado de uma consulta ao gateway
type VerificationOutcome string

const (
	VerificationVerified   VerificationOutcome = "Verified"
	VerificationUnverified VerificationOutcome = "Unverified"
	VerificationError      VerificationOutcome = "Error"
)

// VerificationReason detalha por que uma transação não foi verificada
type VerificationReason string

const (
	ReasonNone           VerificationReason = ""
	ReasonTransport      VerificationReason = "transport"
	ReasonEndpointAccess VerificationReason = "endpoint_access"
	ReasonStatusCode     VerificationReason = "status_code"
	ReasonOrderMismatch  VerificationReason = "order_mismatch"
)

// VerificationResult carrega o resultado e o contexto para auditoria
type VerificationResult struct {
	Outcome        VerificationOutcome
	Reason         VerificationReason
	HTTPStatus     int
	GatewayStatus  string
	StatusCode     string
	ReportedOrder  string
	Err            error
	FallbackUsed   bool
	FallbackReason string
}

// Accepted indica se o evento pode seguir para a liquidação
func (r VerificationResult) Accepted() bool {
	return r.Outcome == VerificationVerified || r.FallbackUsed
}

// TransactionVerifier consulta o status autoritativo de uma transação
type TransactionVerifier interface {
	Verify(ctx context.Context, transactionID, expectedOrderID string) VerificationResult
}

// GatewayConfig contém os parâmetros do endpoint de status do gateway
type GatewayConfig struct {
	StatusURL   string
	APIKey      string
	SecretKey   string
	TerminalUID string
	Timeout     time.Duration
}

// gatewayStatusRequest é o corpo enviado ao endpoint de status
type gatewayStatusRequest struct {
	TransactionUID string `json:"transaction_uid"`
	TerminalUID    string `json:"terminal_uid,omitempty"`
}

// gatewayStatusResponse é a resposta esperada do gateway
type gatewayStatusResponse struct {
	Status string `json:"status"`
	Data   struct {
		StatusCode json.RawMessage `json:"status_code"`
		MoreInfo   string          `json:"more_info"`
	} `json:"data"`
}

var errGatewayUnavailable = errors.New("gateway returned a server error")

// GatewayVerifier implementa TransactionVerifier via HTTP com circuit breaker
type GatewayVerifier struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	config  GatewayConfig
	tracer  trace.Tracer
}

// NewGatewayVerifier cria uma nova instância de GatewayVerifier
func NewGatewayVerifier(config GatewayConfig, tracer trace.Tracer) *GatewayVerifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if config.APIKey != "" {
		client.SetHeader("X-API-Key", config.APIKey)
	}
	if config.SecretKey != "" {
		client.SetHeader("X-Secret-Key", config.SecretKey)
	}

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("⚠️  [CIRCUIT BREAKER] %s: %s -> %s", name, from, to)
		},
	})

	return &GatewayVerifier{
		client:  client,
		breaker: breaker,
		config:  config,
		tracer:  tracer,
	}
}

// Verify consulta o gateway e classifica o resultado. Nunca retorna erro:
// falhas de transporte viram VerificationError.
func (v *GatewayVerifier) Verify(ctx context.Context, transactionID, expectedOrderID string) VerificationResult {
	ctx, span := startSpan(ctx, v.tracer, "gateway.verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction_id", transactionID),
		attribute.String("order_id", expectedOrderID),
	)

	result := v.verify(ctx, transactionID, expectedOrderID)

	span.SetAttributes(
		attribute.String("verification.outcome", string(result.Outcome)),
		attribute.String("verification.reason", string(result.Reason)),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	return result
}

func (v *GatewayVerifier) verify(ctx context.Context, transactionID, expectedOrderID string) VerificationResult {
	if v.config.StatusURL == "" {
		return VerificationResult{
			Outcome: VerificationError,
			Reason:  ReasonTransport,
			Err:     errors.New("gateway status URL not configured"),
		}
	}

	resp, err := v.breaker.Execute(func() (*resty.Response, error) {
		resp, err := v.client.R().
			SetContext(ctx).
			SetBody(gatewayStatusRequest{
				TransactionUID: transactionID,
				TerminalUID:    v.config.TerminalUID,
			}).
			Post(v.config.StatusURL)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, fmt.Errorf("%w: %d", errGatewayUnavailable, resp.StatusCode())
		}
		return resp, nil
	})

	if err != nil && !errors.Is(err, errGatewayUnavailable) {
		return VerificationResult{
			Outcome: VerificationError,
			Reason:  ReasonTransport,
			Err:     fmt.Errorf("gateway request failed: %w", err),
		}
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		return VerificationResult{
			Outcome:    VerificationUnverified,
			Reason:     ReasonEndpointAccess,
			HTTPStatus: status,
			Err:        fmt.Errorf("gateway status endpoint returned %d", status),
		}
	}

	var body gatewayStatusResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return VerificationResult{
			Outcome:    VerificationError,
			Reason:     ReasonTransport,
			HTTPStatus: status,
			Err:        fmt.Errorf("failed to decode gateway response: %w", err),
		}
	}

	result := VerificationResult{
		HTTPStatus:    status,
		GatewayStatus: body.Status,
		StatusCode:    rawToString(body.Data.StatusCode),
		ReportedOrder: strings.TrimSpace(body.Data.MoreInfo),
	}

	switch {
	case result.StatusCode != SuccessStatusCode:
		result.Outcome = VerificationUnverified
		result.Reason = ReasonStatusCode
	case result.ReportedOrder != expectedOrderID:
		result.Outcome = VerificationUnverified
		result.Reason = ReasonOrderMismatch
	default:
		result.Outcome = VerificationVerified
	}

	return result
}

// rawToString aceita status_code como string ("000") ou número
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// FallbackPolicy decide se um evento pode ser aceito quando a verificação não é conclusiva
type FallbackPolicy struct {
	Enabled bool
}

// Apply devolve o resultado possivelmente marcado como fallback-verified.
// Só eventos de cobrança com status_code "000" no próprio payload qualificam,
// e apenas quando o gateway falhou (Error) ou negou acesso ao endpoint.
func (p FallbackPolicy) Apply(event PaymentEvent, result VerificationResult) VerificationResult {
	if result.Outcome == VerificationVerified || !p.Enabled {
		return result
	}

	inconclusive := result.Outcome == VerificationError ||
		(result.Outcome == VerificationUnverified && result.Reason == ReasonEndpointAccess)
	if !inconclusive {
		return result
	}
	if !event.TransactionType.IsCharge() || !event.IsSuccessStatus() {
		return result
	}

	result.FallbackUsed = true
	result.FallbackReason = fmt.Sprintf("verification %s (%s); accepted on payload status_code %s",
		strings.ToLower(string(result.Outcome)), result.Reason, event.StatusCode)
	return result
}
