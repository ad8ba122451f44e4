package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
)

type errorMapping struct {
	target    error
	status    int
	code      string
	retryable bool
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input", false},
	{domain.ErrNotFound, http.StatusNotFound, "not_found", false},
	{domain.ErrAlreadyQueued, http.StatusConflict, "already_queued", false},
	{domain.ErrTicketAlreadyIssued, http.StatusConflict, "ticket_already_issued", false},
	{domain.ErrCapacityBelowAllocated, http.StatusConflict, "capacity_below_allocated", false},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition", false},
	{domain.ErrSerializationFailure, http.StatusConflict, "conflict_retry", true},
	{domain.ErrConflict, http.StatusConflict, "conflict", false},
	{domain.ErrOfferNotLive, http.StatusGone, "offer_not_live", false},
	{domain.ErrEventClosed, http.StatusLocked, "event_closed", false},
	{domain.ErrPaymentDeclined, http.StatusPaymentRequired, "payment_declined", false},
	{domain.ErrPaymentGatewayTimeout, http.StatusGatewayTimeout, "payment_gateway_timeout", false},
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func mappingFor(err error) errorMapping {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m
		}
	}
	return errorMapping{status: http.StatusInternalServerError, code: "internal"}
}

// writeError renders err. Retryable errors carry Retry-After, which also
// keeps them out of the idempotency store.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m := mappingFor(err)
	status := m.status
	body := errorBody{Error: m.code, Message: err.Error()}
	if m.retryable {
		w.Header().Set("Retry-After", "1")
	}

	var decline *domain.DeclineError
	if errors.As(err, &decline) {
		body.Reason = decline.Reason
	}
	if status == http.StatusInternalServerError {
		h.log(r).WithError(err).Error("request failed")
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
