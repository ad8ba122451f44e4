package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// HTTPGateway talks JSON to a provider exposing POST /charges and
// POST /refunds, passing the idempotency key in the Idempotency-Key header.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type chargeBody struct {
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	CardNumber string `json:"card_number"`
	Expiry     string `json:"expiry"`
	CVV        string `json:"cvv"`
	Name       string `json:"name"`
	Zip        string `json:"postal_code"`
	Country    string `json:"country"`
}

type chargeResponse struct {
	Status    string `json:"status"` // approved, declined
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	body := chargeBody{
		Amount:     req.AmountCents,
		Currency:   req.Currency,
		CardNumber: req.Card.NormalizedCardNumber(),
		Expiry:     req.Card.Expiry,
		CVV:        req.Card.CVV,
		Name:       req.Card.NameOnCard,
		Zip:        req.Card.Billing.Zip,
		Country:    req.Card.Billing.Country,
	}
	var resp chargeResponse
	status, err := g.post(ctx, "/charges", req.IdempotencyKey, body, &resp)
	if err != nil {
		return ChargeResult{}, err
	}
	switch {
	case status == http.StatusOK && resp.Status == "approved":
		return ChargeResult{Approved: true, Reference: resp.Reference}, nil
	case status == http.StatusPaymentRequired || resp.Status == "declined":
		return ChargeResult{Approved: false, Reference: resp.Reference, DeclineReason: resp.Reason}, nil
	default:
		return ChargeResult{}, errors.Newf("gateway charge: unexpected status %d (%s)", status, resp.Status)
	}
}

func (g *HTTPGateway) Refund(ctx context.Context, reference, idempotencyKey string) error {
	status, err := g.post(ctx, "/refunds", idempotencyKey, map[string]string{"reference": reference}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Newf("gateway refund: unexpected status %d", status)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path, key string, in, out interface{}) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "gateway %s", path)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 500 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "gateway %s: decode", path)
		}
	}
	return resp.StatusCode, nil
}
