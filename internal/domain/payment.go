package domain

import (
	"strconv"
	"strings"
	"time"
)

// PaymentDetails is what the checkout form collects. It is passed through to
// the gateway and never persisted.
type PaymentDetails struct {
	CardNumber  string         `json:"card_number"`
	Expiry      string         `json:"expiry"`
	CVV         string         `json:"cvv"`
	NameOnCard  string         `json:"name_on_card"`
	PaymentType string         `json:"payment_type"`
	Billing     BillingAddress `json:"billing"`
}

type BillingAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Address1  string `json:"address1"`
	Address2  string `json:"address2"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
	Country   string `json:"country"`
}

func (p PaymentDetails) NormalizedCardNumber() string {
	return strings.ReplaceAll(p.CardNumber, " ", "")
}

// Last4 is safe to log.
func (p PaymentDetails) Last4() string {
	n := p.NormalizedCardNumber()
	if len(n) < 4 {
		return n
	}
	return n[len(n)-4:]
}

func (p PaymentDetails) Validate(now time.Time) error {
	number := p.NormalizedCardNumber()
	if len(number) != 16 || !digits(number) {
		return Invalid("card number must have 16 digits")
	}
	month, year, ok := parseExpiry(p.Expiry)
	if !ok {
		return Invalid("expiry must be MM/YY")
	}
	curYear := now.Year() % 100
	curMonth := int(now.Month())
	if year < curYear || (year == curYear && month < curMonth) {
		return Invalid("card has expired")
	}
	if len(p.CVV) != 3 || !digits(p.CVV) {
		return Invalid("cvv must have 3 digits")
	}
	if len(strings.TrimSpace(p.NameOnCard)) < 3 {
		return Invalid("cardholder name is required")
	}
	return p.Billing.Validate()
}

func (a BillingAddress) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"first name", a.FirstName},
		{"last name", a.LastName},
		{"address line 1", a.Address1},
		{"city", a.City},
		{"state", a.State},
		{"zip code", a.Zip},
		{"country", a.Country},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return Invalid("%s is required", f.name)
		}
	}
	return nil
}

func parseExpiry(s string) (month, year int, ok bool) {
	if len(s) != 5 || s[2] != '/' || !digits(s[:2]) || !digits(s[3:]) {
		return 0, 0, false
	}
	month, _ = strconv.Atoi(s[:2])
	year, _ = strconv.Atoi(s[3:])
	if month < 1 || month > 12 {
		return 0, 0, false
	}
	return month, year, true
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
