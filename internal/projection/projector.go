// Package projection applies published waitlist events to the read side:
// the audit trail and the catalog's availability mirror.
package projection

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/outbox"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
)

type AuditStore interface {
	LogEvent(ctx context.Context, messageID, action string, body []byte) (bool, error)
}

type Availability interface {
	UpdateAvailability(ctx context.Context, id uuid.UUID, remaining int, open bool) error
}

type Projector struct {
	audit   AuditStore
	catalog Availability
	logger  observability.Logger
}

// NewProjector builds a projector. catalog may be nil.
func NewProjector(audit AuditStore, catalog Availability, logger observability.Logger) *Projector {
	return &Projector{audit: audit, catalog: catalog, logger: logger}
}

type availabilityPayload struct {
	EventID     uuid.UUID          `json:"event_id"`
	Remaining   *int               `json:"remaining"`
	Status      domain.EventStatus `json:"status"`
	EventStatus domain.EventStatus `json:"event_status"`
}

// Handle is safe to call again for a redelivered message. The catalog is
// updated before the audit record so a failure in between is retried in
// full.
func (p *Projector) Handle(ctx context.Context, msg outbox.Message) error {
	if msg.ID == "" {
		return errors.New("message without id")
	}
	log := p.logger.WithFields(map[string]interface{}{"message_id": msg.ID, "event_type": msg.EventType})

	if p.catalog != nil && (msg.EventType == waitlist.EventTicketIssued || msg.EventType == waitlist.EventUpdated) {
		var pl availabilityPayload
		if err := json.Unmarshal(msg.Body, &pl); err != nil {
			log.WithError(err).Warn("dropping unreadable message")
			return nil
		}
		if pl.Remaining != nil && pl.EventID != uuid.Nil {
			status := pl.Status
			if status == "" {
				status = pl.EventStatus
			}
			if err := p.catalog.UpdateAvailability(ctx, pl.EventID, *pl.Remaining, status != domain.EventClosed); err != nil {
				return errors.Wrapf(err, "update availability of %s", pl.EventID)
			}
		}
	}

	fresh, err := p.audit.LogEvent(ctx, msg.ID, msg.EventType, msg.Body)
	if err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			log.WithError(err).Warn("dropping unreadable message")
			return nil
		}
		return errors.Wrap(err, "audit")
	}
	if !fresh {
		log.Debug("duplicate delivery")
	}
	return nil
}
