package waitlist

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
)

// Sweeper expires stale offers on a fixed interval and reconciles the
// ledger of every event it touched.
type Sweeper struct {
	offers     *Offers
	ledger     *Ledger
	log        observability.Logger
	maxRetries int
}

func NewSweeper(svc *Service) *Sweeper {
	return &Sweeper{offers: svc.Offers, ledger: svc.Ledger, log: svc.env.log, maxRetries: 3}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// SweepOnce runs one sweep, retrying with backoff when the store reports a
// serialization conflict.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error
	for i := 0; i < s.maxRetries; i++ {
		res, err = s.offers.Sweep(ctx)
		if err == nil || !errors.Is(err, domain.ErrSerializationFailure) {
			break
		}
		backoff := time.Duration(1<<i) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if err != nil {
		observability.SweepRuns.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "sweep")
	}
	observability.SweepRuns.WithLabelValues("ok").Inc()

	for _, id := range res.EventIDs {
		if _, rerr := s.ledger.Reconcile(ctx, id); rerr != nil {
			s.log.WithError(rerr).WithField("event_id", id).Error("reconcile failed")
		}
	}
	if res.Expired > 0 {
		s.log.WithFields(map[string]interface{}{
			"events":  res.Events,
			"expired": res.Expired,
			"granted": res.Granted,
		}).Info("sweep finished")
	}
	return res, nil
}
