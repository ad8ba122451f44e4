package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/mongo"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
)

// Waitlist is the part of waitlist.Service the handlers drive.
type Waitlist interface {
	CreateEvent(ctx context.Context, in waitlist.NewEvent) (domain.Event, error)
	UpdateEvent(ctx context.Context, id uuid.UUID, upd waitlist.EventUpdate) (domain.Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	Enqueue(ctx context.Context, eventID uuid.UUID, userID string) (domain.Entry, error)
	GetPosition(ctx context.Context, eventID uuid.UUID, userID string) (waitlist.Position, error)
	Purchase(ctx context.Context, entryID uuid.UUID, userID string, details domain.PaymentDetails) (domain.Ticket, error)
	Cancel(ctx context.Context, entryID uuid.UUID, userID string) (domain.Entry, error)
	GetTicket(ctx context.Context, userID string, eventID uuid.UUID) (domain.Ticket, error)
	ListTickets(ctx context.Context, userID string) ([]domain.Ticket, error)
}

// Catalog holds descriptive event metadata. It is optional.
type Catalog interface {
	CreateEvent(ctx context.Context, event mongo.EventDoc) error
	GetEvent(ctx context.Context, id uuid.UUID) (*mongo.EventDoc, error)
}

// Checker is a readiness probe for one dependency.
type Checker interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	svc     Waitlist
	catalog Catalog
	checks  map[string]Checker
	logger  observability.Logger
}

func NewHandlers(svc Waitlist, catalog Catalog, checks map[string]Checker, logger observability.Logger) *Handlers {
	return &Handlers{svc: svc, catalog: catalog, checks: checks, logger: logger}
}

type eventView struct {
	ID          uuid.UUID       `json:"id"`
	Capacity    int             `json:"capacity"`
	Issued      int             `json:"issued"`
	Outstanding int             `json:"outstanding"`
	Remaining   int             `json:"remaining"`
	PriceCents  int64           `json:"price_cents"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Catalog     *mongo.EventDoc `json:"catalog,omitempty"`
}

func newEventView(ev domain.Event, doc *mongo.EventDoc) eventView {
	return eventView{
		ID:          ev.ID,
		Capacity:    ev.Capacity,
		Issued:      ev.Issued,
		Outstanding: ev.Outstanding,
		Remaining:   ev.Remaining(),
		PriceCents:  ev.PriceCents,
		Currency:    ev.Currency,
		Status:      string(ev.Status),
		Catalog:     doc,
	}
}

type entryView struct {
	ID              uuid.UUID  `json:"id"`
	EventID         uuid.UUID  `json:"event_id"`
	Status          string     `json:"status"`
	Rank            int        `json:"rank,omitempty"`
	QueueLength     int        `json:"queue_length"`
	OfferExpiresAt  *time.Time `json:"offer_expires_at,omitempty"`
	PaymentAttempts int        `json:"payment_attempts,omitempty"`
}

func newPositionView(p waitlist.Position) entryView {
	v := entryView{
		ID:          p.EntryID,
		EventID:     p.EventID,
		Status:      string(p.Status),
		Rank:        p.Rank,
		QueueLength: p.QueueLength,
	}
	if !p.OfferExpiresAt.IsZero() {
		t := p.OfferExpiresAt
		v.OfferExpiresAt = &t
	}
	return v
}

func newEntryView(e domain.Entry) entryView {
	v := entryView{
		ID:              e.ID,
		EventID:         e.EventID,
		Status:          string(e.Status),
		PaymentAttempts: e.PaymentAttempts,
	}
	if e.Status == domain.EntryOffered {
		t := e.OfferExpiresAt
		v.OfferExpiresAt = &t
	}
	return v
}

type ticketView struct {
	ID          uuid.UUID  `json:"id"`
	EventID     uuid.UUID  `json:"event_id"`
	EntryID     uuid.UUID  `json:"entry_id"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	PaymentRef  string     `json:"payment_ref"`
	IssuedAt    time.Time  `json:"issued_at"`
	EventName   string     `json:"event_name,omitempty"`
	EventDate   *time.Time `json:"event_date,omitempty"`
}

func newTicketView(t domain.Ticket) ticketView {
	return ticketView{
		ID:          t.ID,
		EventID:     t.EventID,
		EntryID:     t.EntryID,
		AmountCents: t.AmountCents,
		Currency:    t.Currency,
		PaymentRef:  t.PaymentRef,
		IssuedAt:    t.IssuedAt,
	}
}

func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capacity    int       `json:"capacity"`
		PriceCents  int64     `json:"price_cents"`
		Currency    string    `json:"currency"`
		Name        string    `json:"name"`
		Description string    `json:"description"`
		Venue       string    `json:"venue"`
		Date        time.Time `json:"date"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ev, err := h.svc.CreateEvent(r.Context(), waitlist.NewEvent{
		Capacity:   req.Capacity,
		PriceCents: req.PriceCents,
		Currency:   req.Currency,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var doc *mongo.EventDoc
	if h.catalog != nil && req.Name != "" {
		d := mongo.EventDoc{
			ID:          ev.ID.String(),
			Name:        req.Name,
			Description: req.Description,
			Venue:       req.Venue,
			Date:        req.Date,
			Available:   ev.Open(),
			Remaining:   ev.Remaining(),
		}
		if err := h.catalog.CreateEvent(r.Context(), d); err != nil {
			h.log(r).WithError(err).WithField("event_id", ev.ID.String()).Warn("catalog entry not created")
		} else {
			doc = &d
		}
	}
	writeJSON(w, http.StatusCreated, newEventView(ev, doc))
}

func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	ev, err := h.svc.GetEvent(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEventView(ev, h.catalogDoc(r, id)))
}

func (h *Handlers) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Capacity   *int    `json:"capacity"`
		PriceCents *int64  `json:"price_cents"`
		Status     *string `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	upd := waitlist.EventUpdate{Capacity: req.Capacity, PriceCents: req.PriceCents}
	if req.Status != nil {
		status := domain.EventStatus(strings.ToUpper(*req.Status))
		if status != domain.EventOpen && status != domain.EventClosed {
			h.writeError(w, r, domain.Invalid("status must be OPEN or CLOSED"))
			return
		}
		upd.Status = &status
	}

	ev, err := h.svc.UpdateEvent(r.Context(), id, upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEventView(ev, h.catalogDoc(r, id)))
}

func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	entry, err := h.svc.Enqueue(r.Context(), eventID, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pos, err := h.svc.GetPosition(r.Context(), eventID, p.UserID)
	if err != nil || pos.EntryID != entry.ID {
		writeJSON(w, http.StatusCreated, newEntryView(entry))
		return
	}
	writeJSON(w, http.StatusCreated, newPositionView(pos))
}

func (h *Handlers) GetPosition(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	pos, err := h.svc.GetPosition(r.Context(), eventID, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

func (h *Handlers) GetTicket(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	t, err := h.svc.GetTicket(r.Context(), p.UserID, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.enrich(r, []domain.Ticket{t})[0])
}

func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	tickets, err := h.svc.ListTickets(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tickets": h.enrich(r, tickets)})
}

func (h *Handlers) Purchase(w http.ResponseWriter, r *http.Request) {
	entryID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var details domain.PaymentDetails
	if err := decode(w, r, &details); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())

	t, err := h.svc.Purchase(r.Context(), entryID, p.UserID, details)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.enrich(r, []domain.Ticket{t})[0])
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	entryID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	p, _ := PrincipalFrom(r.Context())

	entry, err := h.svc.Cancel(r.Context(), entryID, p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryView(entry))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (h *Handlers) enrich(r *http.Request, tickets []domain.Ticket) []ticketView {
	out := make([]ticketView, 0, len(tickets))
	docs := map[uuid.UUID]*mongo.EventDoc{}
	for _, t := range tickets {
		v := newTicketView(t)
		doc, seen := docs[t.EventID]
		if !seen {
			doc = h.catalogDoc(r, t.EventID)
			docs[t.EventID] = doc
		}
		if doc != nil {
			v.EventName = doc.Name
			if !doc.Date.IsZero() {
				d := doc.Date
				v.EventDate = &d
			}
		}
		out = append(out, v)
	}
	return out
}

func (h *Handlers) catalogDoc(r *http.Request, id uuid.UUID) *mongo.EventDoc {
	if h.catalog == nil {
		return nil
	}
	doc, err := h.catalog.GetEvent(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.log(r).WithError(err).Warn("catalog lookup failed")
		}
		return nil
	}
	return doc
}

func (h *Handlers) log(r *http.Request) observability.Logger {
	return observability.LoggerFrom(r.Context(), h.logger)
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, r, domain.Invalid("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("malformed body: %v", err)
	}
	return nil
}
