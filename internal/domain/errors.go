package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidInput         = errors.New("invalid input")

	ErrAlreadyQueued          = errors.New("already queued")
	ErrNoCapacity             = errors.New("no capacity")
	ErrOfferNotLive           = errors.New("offer not live")
	ErrEventClosed            = errors.New("event closed")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrPaymentGatewayTimeout  = errors.New("payment gateway timeout")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrTicketAlreadyIssued    = errors.New("ticket already issued")
	ErrCapacityBelowAllocated = errors.New("capacity below allocated tickets")
)

// DeclineError is returned when the gateway refused the charge. It matches
// ErrPaymentDeclined under errors.Is.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	if e.Reason == "" {
		return ErrPaymentDeclined.Error()
	}
	return ErrPaymentDeclined.Error() + ": " + e.Reason
}

func (e *DeclineError) Is(target error) bool {
	return target == ErrPaymentDeclined
}

func Invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}
