package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Card numbers the sandbox refuses, following the usual test-card convention.
var sandboxDeclines = map[string]string{
	"4000000000000002": "card_declined",
	"4000000000009995": "insufficient_funds",
	"4000000000000069": "expired_card",
}

// Sandbox approves every charge except the well-known decline cards. A repeated
// idempotency key returns the first result without charging again.
type Sandbox struct {
	mu      sync.Mutex
	results map[string]ChargeResult
	charges map[string]int64
	refunds map[string]bool
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		results: map[string]ChargeResult{},
		charges: map[string]int64{},
		refunds: map[string]bool{},
	}
}

func (s *Sandbox) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.results[req.IdempotencyKey]; ok {
		return res, nil
	}
	res := ChargeResult{Reference: "sbx_" + uuid.NewString()}
	if reason, declined := sandboxDeclines[req.Card.NormalizedCardNumber()]; declined {
		res.DeclineReason = reason
	} else {
		res.Approved = true
		s.charges[res.Reference] = req.AmountCents
	}
	s.results[req.IdempotencyKey] = res
	return res, nil
}

func (s *Sandbox) Refund(ctx context.Context, reference, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.charges[reference]; ok {
		s.refunds[reference] = true
	}
	return nil
}

// Captured is the number of approved, unrefunded charges.
func (s *Sandbox) Captured() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ref := range s.charges {
		if !s.refunds[ref] {
			n++
		}
	}
	return n
}
