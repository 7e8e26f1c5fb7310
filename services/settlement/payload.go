package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TransactionType classifica o tipo de evento enviado pelo gateway
type TransactionType string

const (
	TransactionTypeCharge        TransactionType = "Charge"
	TransactionTypeChargeSuccess TransactionType = "ChargeSuccess"
	TransactionTypeCancel        TransactionType = "Cancel"
	TransactionTypeRefund        TransactionType = "Refund"
	TransactionTypeOther         TransactionType = "Other"
)

// IsCharge indica se o evento representa uma cobrança
func (t TransactionType) IsCharge() bool {
	return t == TransactionTypeCharge || t == TransactionTypeChargeSuccess
}

// IsReversal indica eventos de cancelamento/estorno, que não alteram estado
func (t TransactionType) IsReversal() bool {
	return t == TransactionTypeCancel || t == TransactionTypeRefund
}

// ClassifyTransactionType normaliza o texto livre do gateway
func ClassifyTransactionType(raw string) TransactionType {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)

	switch normalized {
	case "charge":
		return TransactionTypeCharge
	case "chargesuccess":
		return TransactionTypeChargeSuccess
	case "cancel", "canceled", "cancelled":
		return TransactionTypeCancel
	case "refund", "refunded":
		return TransactionTypeRefund
	default:
		return TransactionTypeOther
	}
}

// SuccessStatusCode é o código que o gateway usa para transações aprovadas
const SuccessStatusCode = "000"

// PaymentEvent é o evento canônico extraído do callback
type PaymentEvent struct {
	TransactionID   string
	OrderID         string
	StatusCode      string
	Amount          decimal.Decimal
	HasAmount       bool
	TransactionType TransactionType
	RawType         string
}

// IsSuccessStatus indica se o próprio payload reporta uma cobrança aprovada
func (e PaymentEvent) IsSuccessStatus() bool {
	return e.StatusCode == SuccessStatusCode
}

// payloadProbe extrai o objeto onde os campos devem ser procurados
type payloadProbe struct {
	name    string
	extract func(root map[string]any) (map[string]any, bool)
}

// payloadProbes define a ordem de busca: raiz, depois "transaction", depois "data"
var payloadProbes = []payloadProbe{
	{name: "top-level", extract: func(root map[string]any) (map[string]any, bool) { return root, true }},
	{name: "transaction", extract: nestedObject("transaction")},
	{name: "data", extract: nestedObject("data")},
}

func nestedObject(key string) func(root map[string]any) (map[string]any, bool) {
	return func(root map[string]any) (map[string]any, bool) {
		nested, ok := root[key].(map[string]any)
		return nested, ok
	}
}

// aliases aceitos para cada campo canônico
var (
	transactionIDKeys   = []string{"transaction_uid", "transactionUid", "transaction_id"}
	orderIDKeys         = []string{"more_info", "moreInfo", "order_id"}
	statusCodeKeys      = []string{"status_code", "statusCode"}
	amountKeys          = []string{"amount"}
	transactionTypeKeys = []string{"transaction_type", "transactionType", "type"}
)

// NormalizePayload converte o corpo do webhook em um PaymentEvent.
// Falha fechada: sem transaction id ou order id o payload é rejeitado.
func NormalizePayload(body []byte) (PaymentEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var root map[string]any
	if err := decoder.Decode(&root); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: body is not a JSON object: %v", ErrMalformedPayload, err)
	}
	if root == nil {
		return PaymentEvent{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	scopes := make([]map[string]any, 0, len(payloadProbes))
	for _, probe := range payloadProbes {
		if scope, ok := probe.extract(root); ok {
			scopes = append(scopes, scope)
		}
	}

	event := PaymentEvent{
		TransactionID: probeString(scopes, transactionIDKeys),
		OrderID:       probeString(scopes, orderIDKeys),
		StatusCode:    probeString(scopes, statusCodeKeys),
		RawType:       probeString(scopes, transactionTypeKeys),
	}
	event.TransactionType = ClassifyTransactionType(event.RawType)

	if rawAmount := probeString(scopes, amountKeys); rawAmount != "" {
		amount, err := decimal.NewFromString(rawAmount)
		if err == nil {
			event.Amount = amount
			event.HasAmount = true
		}
	}

	if event.TransactionID == "" {
		return event, fmt.Errorf("%w: transaction_uid not found", ErrMalformedPayload)
	}
	if event.OrderID == "" {
		return event, fmt.Errorf("%w: more_info (order id) not found", ErrMalformedPayload)
	}

	return event, nil
}

// probeString devolve o primeiro valor não vazio encontrado nos escopos, na ordem
func probeString(scopes []map[string]any, keys []string) string {
	for _, scope := range scopes {
		for _, key := range keys {
			if value := stringify(scope[key]); value != "" {
				return value
			}
		}
	}
	return ""
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
