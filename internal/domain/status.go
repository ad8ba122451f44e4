package domain

import "github.com/cockroachdb/errors"

type EntryStatus string

const (
	EntryQueued    EntryStatus = "QUEUED"
	EntryOffered   EntryStatus = "OFFERED"
	EntryPurchased EntryStatus = "PURCHASED"
	EntryExpired   EntryStatus = "EXPIRED"
	EntryCancelled EntryStatus = "CANCELLED"
)

var transitions = map[EntryStatus][]EntryStatus{
	EntryQueued:  {EntryOffered, EntryCancelled},
	EntryOffered: {EntryPurchased, EntryExpired, EntryCancelled},
}

func (s EntryStatus) Active() bool {
	return s == EntryQueued || s == EntryOffered
}

func (s EntryStatus) Terminal() bool {
	return s == EntryPurchased || s == EntryExpired || s == EntryCancelled
}

func (s EntryStatus) Valid() bool {
	switch s {
	case EntryQueued, EntryOffered, EntryPurchased, EntryExpired, EntryCancelled:
		return true
	}
	return false
}

func CanTransition(from, to EntryStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the entry to the given status. Terminal statuses have no
// outgoing edges, so a consumed or expired offer can never be revived.
func (e *Entry) Transition(to EntryStatus) error {
	if !CanTransition(e.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "entry %s: %s -> %s", e.ID, e.Status, to)
	}
	e.Status = to
	return nil
}
