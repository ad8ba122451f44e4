package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventOpen   EventStatus = "OPEN"
	EventClosed EventStatus = "CLOSED"
)

// Event carries both the sale settings and the inventory counters for one
// event. Issued and Outstanding are only changed through the inventory.
type Event struct {
	ID          uuid.UUID
	Capacity    int
	Issued      int
	Outstanding int
	PriceCents  int64
	Currency    string
	Status      EventStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (e Event) Remaining() int {
	return e.Capacity - e.Issued - e.Outstanding
}

func (e Event) Open() bool {
	return e.Status == EventOpen
}

type Entry struct {
	ID              uuid.UUID
	EventID         uuid.UUID
	UserID          string
	Seq             int64
	Status          EntryStatus
	EnqueuedAt      time.Time
	OfferExpiresAt  time.Time
	PaymentAttempts int
	UpdatedAt       time.Time
}

func NewEntry(eventID uuid.UUID, userID string, seq int64, now time.Time) Entry {
	return Entry{
		ID:         uuid.New(),
		EventID:    eventID,
		UserID:     userID,
		Seq:        seq,
		Status:     EntryQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

func (e Entry) Active() bool {
	return e.Status.Active()
}

// LiveAt reports whether the entry holds an offer that has not run out at now.
func (e Entry) LiveAt(now time.Time) bool {
	return e.Status == EntryOffered && now.Before(e.OfferExpiresAt)
}

type Ticket struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	UserID      string
	EntryID     uuid.UUID
	AmountCents int64
	Currency    string
	PaymentRef  string
	IssuedAt    time.Time
}

func NewTicket(entry Entry, amountCents int64, currency, paymentRef string, now time.Time) Ticket {
	return Ticket{
		ID:          uuid.New(),
		EventID:     entry.EventID,
		UserID:      entry.UserID,
		EntryID:     entry.ID,
		AmountCents: amountCents,
		Currency:    currency,
		PaymentRef:  paymentRef,
		IssuedAt:    now,
	}
}
