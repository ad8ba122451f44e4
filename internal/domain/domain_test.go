package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
)

func TestEntry_Transition(t *testing.T) {
	tests := []struct {
		from    domain.EntryStatus
		to      domain.EntryStatus
		allowed bool
	}{
		{domain.EntryQueued, domain.EntryOffered, true},
		{domain.EntryQueued, domain.EntryCancelled, true},
		{domain.EntryQueued, domain.EntryPurchased, false},
		{domain.EntryOffered, domain.EntryPurchased, true},
		{domain.EntryOffered, domain.EntryExpired, true},
		{domain.EntryOffered, domain.EntryCancelled, true},
		{domain.EntryOffered, domain.EntryQueued, false},
		{domain.EntryPurchased, domain.EntryOffered, false},
		{domain.EntryExpired, domain.EntryOffered, false},
		{domain.EntryCancelled, domain.EntryQueued, false},
	}
	for _, tt := range tests {
		entry := domain.NewEntry(uuid.New(), "user", 1, time.Now())
		entry.Status = tt.from
		err := entry.Transition(tt.to)
		if tt.allowed && err != nil {
			t.Errorf("%s -> %s: expected no error, got %v", tt.from, tt.to, err)
		}
		if !tt.allowed {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected invalid transition, got %v", tt.from, tt.to, err)
			}
			if entry.Status != tt.from {
				t.Errorf("%s -> %s: status changed to %s on rejected transition", tt.from, tt.to, entry.Status)
			}
		}
	}
}

func TestEntry_LiveAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entry := domain.NewEntry(uuid.New(), "user", 1, now)
	if entry.LiveAt(now) {
		t.Fatal("queued entry must not be live")
	}
	entry.Status = domain.EntryOffered
	entry.OfferExpiresAt = now.Add(time.Minute)
	if !entry.LiveAt(now) {
		t.Error("expected offer to be live before expiry")
	}
	if entry.LiveAt(now.Add(time.Minute)) {
		t.Error("expected offer to be dead at expiry")
	}
}

func TestEvent_Remaining(t *testing.T) {
	ev := domain.Event{Capacity: 5, Issued: 2, Outstanding: 1}
	if got := ev.Remaining(); got != 2 {
		t.Errorf("expected 2 remaining, got %d", got)
	}
}

func validDetails() domain.PaymentDetails {
	return domain.PaymentDetails{
		CardNumber: "4242 4242 4242 4242",
		Expiry:     "12/30",
		CVV:        "123",
		NameOnCard: "Ada Lovelace",
		Billing: domain.BillingAddress{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Address1:  "1 Analytical Way",
			City:      "London",
			State:     "LDN",
			Zip:       "N1",
			Country:   "UK",
		},
	}
}

func TestPaymentDetails_Validate(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	if err := validDetails().Validate(now); err != nil {
		t.Fatalf("expected valid details, got %v", err)
	}

	tests := map[string]func(*domain.PaymentDetails){
		"short card":    func(p *domain.PaymentDetails) { p.CardNumber = "4242" },
		"letters":       func(p *domain.PaymentDetails) { p.CardNumber = "4242 4242 4242 424a" },
		"bad expiry":    func(p *domain.PaymentDetails) { p.Expiry = "1230" },
		"month 13":      func(p *domain.PaymentDetails) { p.Expiry = "13/30" },
		"expired":       func(p *domain.PaymentDetails) { p.Expiry = "05/26" },
		"cvv":           func(p *domain.PaymentDetails) { p.CVV = "12" },
		"name":          func(p *domain.PaymentDetails) { p.NameOnCard = " A " },
		"missing city":  func(p *domain.PaymentDetails) { p.Billing.City = "" },
		"missing zip":   func(p *domain.PaymentDetails) { p.Billing.Zip = " " },
		"missing first": func(p *domain.PaymentDetails) { p.Billing.FirstName = "" },
	}
	for name, mutate := range tests {
		p := validDetails()
		mutate(&p)
		if err := p.Validate(now); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("%s: expected invalid input, got %v", name, err)
		}
	}

	current := validDetails()
	current.Expiry = "06/26"
	if err := current.Validate(now); err != nil {
		t.Errorf("card expiring this month should be accepted, got %v", err)
	}
	if got := validDetails().Last4(); got != "4242" {
		t.Errorf("expected last4 4242, got %s", got)
	}
}

func TestDeclineError(t *testing.T) {
	err := error(&domain.DeclineError{Reason: "insufficient funds"})
	if !errors.Is(err, domain.ErrPaymentDeclined) {
		t.Fatal("decline error must match ErrPaymentDeclined")
	}
	if err.Error() != "payment declined: insufficient funds" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
