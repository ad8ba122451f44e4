// Package payment defines the contract with the external card gateway and
// two implementations: an HTTP client for a real provider and an in-process
// sandbox used in development.
package payment

import (
	"context"

	"github.com/robertarktes/ticket-waitlist/internal/domain"
)

type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Card           domain.PaymentDetails
}

// ChargeResult is a definitive answer from the gateway. Transport failures
// are reported as errors instead, because the outcome is unknown.
type ChargeResult struct {
	Approved      bool
	Reference     string
	DeclineReason string
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, reference, idempotencyKey string) error
}
