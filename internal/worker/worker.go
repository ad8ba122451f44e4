// Package worker runs the offer sweep as an asynq periodic task, for
// deployments that already schedule background jobs through Redis.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
)

const TypeSweepOffers = "offers:sweep"

type SweepPayload struct {
	Scope string `json:"scope"`
}

func NewSweepTask() *asynq.Task {
	payload, _ := json.Marshal(SweepPayload{Scope: "all"})
	return asynq.NewTask(TypeSweepOffers, payload)
}

type Sweeper interface {
	SweepOnce(ctx context.Context) (waitlist.SweepResult, error)
}

type Handlers struct {
	sweeper Sweeper
	logger  observability.Logger
}

func NewHandlers(sweeper Sweeper, logger observability.Logger) *Handlers {
	return &Handlers{sweeper: sweeper, logger: logger}
}

func (h *Handlers) HandleSweep(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return errors.Wrapf(asynq.SkipRetry, "bad sweep payload: %v", err)
	}
	res, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	h.logger.WithFields(map[string]interface{}{
		"scope":   p.Scope,
		"expired": res.Expired,
		"granted": res.Granted,
	}).Debug("sweep task done")
	return nil
}

// Runner owns the asynq scheduler that enqueues the sweep and the server
// that executes it.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
}

func NewRunner(redisOpt asynq.RedisClientOpt, h *Handlers, interval time.Duration) (*Runner, error) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSweepOffers, h.HandleSweep)

	scheduler := asynq.NewScheduler(redisOpt, nil)
	_, err := scheduler.Register("@every "+interval.String(), NewSweepTask(),
		asynq.Unique(interval),
		asynq.MaxRetry(0),
		asynq.Timeout(interval*4),
	)
	if err != nil {
		return nil, errors.Wrap(err, "register sweep task")
	}
	return &Runner{server: srv, scheduler: scheduler, mux: mux}, nil
}

func (r *Runner) Run(ctx context.Context) error {
	if err := r.scheduler.Start(); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	defer r.scheduler.Shutdown()
	if err := r.server.Start(r.mux); err != nil {
		return errors.Wrap(err, "start asynq server")
	}
	<-ctx.Done()
	r.server.Shutdown()
	return nil
}
