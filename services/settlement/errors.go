package main

import "errors"

// Erros de domínio do pipeline de liquidação
var (
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrVerificationFailed      = errors.New("transaction verification failed")
	ErrVerificationUnavailable = errors.New("transaction verification unavailable")
	ErrOrderNotFound           = errors.New("order not found")
	ErrProductNotFound         = errors.New("product not found")
	ErrVariantNotResolved      = errors.New("variant not resolved")
	ErrDeliveryInProgress      = errors.New("delivery already in progress")
)

// SettlementError carrega o estágio do pipeline onde a falha aconteceu
type SettlementError struct {
	Stage   string
	OrderID string
	Err     error
}

func (e *SettlementError) Error() string {
	if e.OrderID == "" {
		return e.Stage + ": " + e.Err.Error()
	}
	return e.Stage + " (order " + e.OrderID + "): " + e.Err.Error()
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}
