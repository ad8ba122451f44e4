// Package waitlist allocates a bounded number of tickets per event to
// buyers who queue for them. Buyers are admitted in strict enqueue order,
// receive a time-bounded offer backed by one reserved unit of capacity, and
// turn it into a ticket by paying before the offer runs out.
//
// All changes to one event's inventory and queue happen under that event's
// lock and inside one store transaction, so
// issued + outstanding <= capacity holds after every operation.
package waitlist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/clock"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/payment"
	"github.com/robertarktes/ticket-waitlist/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventEntryQueued     = "waitlist.entry.queued"
	EventOfferGranted    = "waitlist.offer.granted"
	EventOfferExpired    = "waitlist.offer.expired"
	EventEntryCancelled  = "waitlist.entry.cancelled"
	EventPaymentDeclined = "waitlist.payment.declined"
	EventTicketIssued    = "ticket.issued"
	EventUpdated         = "event.updated"
)

var tracer = otel.Tracer("waitlist")

type Options struct {
	OfferWindow        time.Duration
	GatewayTimeout     time.Duration
	MaxPaymentAttempts int
	// RetryMinRemaining is the least offer time that must be left after a
	// decline for the buyer to keep the offer and try another card.
	RetryMinRemaining time.Duration
	SweepBatch        int
	DefaultCurrency   string
	// CommitTimeout bounds recording an approved charge.
	CommitTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		OfferWindow:        10 * time.Minute,
		GatewayTimeout:     10 * time.Second,
		MaxPaymentAttempts: 3,
		RetryMinRemaining:  time.Minute,
		SweepBatch:         100,
		DefaultCurrency:    "USD",
		CommitTimeout:      10 * time.Second,
	}
}

type Deps struct {
	Store   store.Store
	Gateway payment.Gateway
	Locker  Locker
	Clock   clock.Clock
	Logger  observability.Logger
}

// env is shared by every component of one Service.
type env struct {
	store store.Store
	locks Locker
	clock clock.Clock
	log   observability.Logger
	opts  Options
}

func (e *env) tx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()
	return e.store.WithTx(ctx, fn)
}

func (e *env) withEventLock(ctx context.Context, eventID uuid.UUID, fn func() error) error {
	unlock, err := e.locks.Lock(ctx, eventKey(eventID))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (e *env) getEntry(ctx context.Context, id uuid.UUID) (domain.Entry, error) {
	var entry domain.Entry
	err := e.tx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = tx.GetEntry(ctx, id)
		return err
	})
	return entry, err
}

func (e *env) emit(ctx context.Context, tx store.Tx, eventType, aggregateType string, aggregateID uuid.UUID, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id := uuid.New()
	return tx.InsertOutbox(ctx, store.OutboxRecord{
		ID:            id,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     e.clock.Now(),
		Status:        store.OutboxNew,
		DedupeKey:     id.String(),
	})
}

func entryPayload(entry domain.Entry) map[string]interface{} {
	p := map[string]interface{}{
		"entry_id": entry.ID,
		"event_id": entry.EventID,
		"user_id":  entry.UserID,
		"seq":      entry.Seq,
		"status":   entry.Status,
	}
	if !entry.OfferExpiresAt.IsZero() {
		p["offer_expires_at"] = entry.OfferExpiresAt.UTC().Format(time.RFC3339)
	}
	return p
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Service wires the components together. Each one is usable on its own;
// the methods on Service are the operations offered to the UI layer.
type Service struct {
	Events      *Events
	Inventory   *Inventory
	Queue       *Queue
	Offers      *Offers
	Coordinator *Coordinator
	Ledger      *Ledger

	env *env
}

func New(deps Deps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger()
	}
	if deps.Gateway == nil {
		deps.Gateway = payment.NewSandbox()
	}
	defaults := DefaultOptions()
	if opts.OfferWindow <= 0 {
		opts.OfferWindow = defaults.OfferWindow
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaults.GatewayTimeout
	}
	if opts.MaxPaymentAttempts <= 0 {
		opts.MaxPaymentAttempts = defaults.MaxPaymentAttempts
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = defaults.SweepBatch
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = defaults.DefaultCurrency
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaults.CommitTimeout
	}

	e := &env{store: deps.Store, locks: deps.Locker, clock: deps.Clock, log: deps.Logger, opts: opts}
	inv := &Inventory{env: e}
	ledger := &Ledger{env: e}
	queue := &Queue{env: e, inventory: inv}
	offers := &Offers{env: e, inventory: inv, queue: queue}
	queue.offers = offers

	return &Service{
		Events:      &Events{env: e, queue: queue, offers: offers},
		Inventory:   inv,
		Queue:       queue,
		Offers:      offers,
		Coordinator: &Coordinator{env: e, gateway: deps.Gateway, inventory: inv, queue: queue, offers: offers, ledger: ledger},
		Ledger:      ledger,
		env:         e,
	}
}

func (s *Service) Enqueue(ctx context.Context, eventID uuid.UUID, userID string) (domain.Entry, error) {
	return s.Queue.Enqueue(ctx, eventID, userID)
}

func (s *Service) GetPosition(ctx context.Context, eventID uuid.UUID, userID string) (Position, error) {
	return s.Queue.Position(ctx, eventID, userID)
}

func (s *Service) Purchase(ctx context.Context, entryID uuid.UUID, userID string, details domain.PaymentDetails) (domain.Ticket, error) {
	return s.Coordinator.Purchase(ctx, entryID, userID, details)
}

func (s *Service) GetTicket(ctx context.Context, userID string, eventID uuid.UUID) (domain.Ticket, error) {
	return s.Ledger.Get(ctx, userID, eventID)
}

func (s *Service) Cancel(ctx context.Context, entryID uuid.UUID, userID string) (domain.Entry, error) {
	return s.Offers.Cancel(ctx, entryID, userID)
}

func (s *Service) ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error) {
	return s.Ledger.List(ctx, userID)
}

func (s *Service) CreateEvent(ctx context.Context, in NewEvent) (domain.Event, error) {
	return s.Events.Create(ctx, in)
}

func (s *Service) UpdateEvent(ctx context.Context, id uuid.UUID, upd EventUpdate) (domain.Event, error) {
	return s.Events.Update(ctx, id, upd)
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	return s.Events.Get(ctx, id)
}

func (s *Service) Reconcile(ctx context.Context, eventID uuid.UUID) (ReconcileReport, error) {
	return s.Ledger.Reconcile(ctx, eventID)
}
