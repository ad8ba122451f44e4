// Package store is the persistence boundary of the waitlist. Every read and
// write goes through a transaction so that inventory, queue and ledger
// changes for one operation commit together or not at all.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
)

type Store interface {
	// WithTx runs fn in a transaction. fn's error rolls the transaction back
	// and is returned unchanged.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	CreateEvent(ctx context.Context, ev domain.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	UpdateEvent(ctx context.Context, ev domain.Event) error
	// NextSequence hands out a strictly increasing enqueue number per event.
	NextSequence(ctx context.Context, eventID uuid.UUID) (int64, error)

	// InsertEntry fails with domain.ErrAlreadyQueued when the user already
	// has a Queued or Offered entry for the event.
	InsertEntry(ctx context.Context, e domain.Entry) error
	GetEntry(ctx context.Context, id uuid.UUID) (domain.Entry, error)
	UpdateEntry(ctx context.Context, e domain.Entry) error
	// LatestEntry returns the user's most recent entry for the event,
	// terminal or not.
	LatestEntry(ctx context.Context, eventID uuid.UUID, userID string) (domain.Entry, error)
	// ActiveEntries returns Queued and Offered entries ordered by sequence.
	ActiveEntries(ctx context.Context, eventID uuid.UUID) ([]domain.Entry, error)
	EntriesByStatus(ctx context.Context, eventID uuid.UUID, status domain.EntryStatus) ([]domain.Entry, error)
	// ExpiredOffers lists Offered entries whose expiry is at or before now,
	// across all events, oldest expiry first.
	ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.Entry, error)

	// InsertTicket fails with domain.ErrTicketAlreadyIssued when the user or
	// the entry already has a ticket for the event.
	InsertTicket(ctx context.Context, t domain.Ticket) error
	GetTicket(ctx context.Context, eventID uuid.UUID, userID string) (domain.Ticket, error)
	TicketByEntry(ctx context.Context, entryID uuid.UUID) (domain.Ticket, error)
	ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error)
	CountTickets(ctx context.Context, eventID uuid.UUID) (int, error)

	InsertOutbox(ctx context.Context, rec OutboxRecord) error
	UnpublishedOutbox(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}

const (
	OutboxNew       = "NEW"
	OutboxPublished = "PUBLISHED"
)
