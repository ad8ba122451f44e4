package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-waitlist/internal/adapters/memory"
	redisadapter "github.com/robertarktes/ticket-waitlist/internal/adapters/redis"
	"github.com/robertarktes/ticket-waitlist/internal/domain"
	"github.com/robertarktes/ticket-waitlist/internal/idempotency"
	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"github.com/robertarktes/ticket-waitlist/internal/payment"
	"github.com/robertarktes/ticket-waitlist/internal/rateLimit"
	"github.com/robertarktes/ticket-waitlist/internal/waitlist"
)

type fakeBackend struct {
	mu      sync.Mutex
	stored  map[string]redisadapter.IdempResponse
	claimed map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{stored: map[string]redisadapter.IdempResponse{}, claimed: map[string]bool{}}
}

func (f *fakeBackend) Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.stored[key]
	if !ok {
		return nil, nil
	}
	return &resp, nil
}

func (f *fakeBackend) Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[key] = resp
	return nil
}

func (f *fakeBackend) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

func (f *fakeBackend) Unclaim(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, key)
	return nil
}

type fakeCounter struct {
	mu   sync.Mutex
	hits map[string]int64
}

func (c *fakeCounter) IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[key]++
	return c.hits[key], nil
}

type testAPI struct {
	router *chi.Mux
	svc    *waitlist.Service
}

func newTestAPI(t *testing.T, cfg RouterConfig) *testAPI {
	t.Helper()
	logger := observability.NewLoggerWithLevel("panic")
	svc := waitlist.New(waitlist.Deps{
		Store:   memory.NewStore(),
		Gateway: payment.NewSandbox(),
		Logger:  logger,
	}, waitlist.DefaultOptions())
	h := NewHandlers(svc, nil, nil, logger)
	return &testAPI{router: SetupRouter(h, logger, cfg), svc: svc}
}

type call struct {
	method string
	path   string
	user   string
	role   string
	token  string
	key    string
	body   interface{}
}

func (a *testAPI) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	if c.user != "" {
		req.Header.Set(headerUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(headerUserRole, c.role)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.method == http.MethodPost {
		key := c.key
		if key == "" {
			key = "test-request-key-" + uuid.NewString()
		}
		req.Header.Set(headerIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (a *testAPI) createEvent(t *testing.T, capacity int) uuid.UUID {
	t.Helper()
	rec := a.do(t, call{
		method: http.MethodPost, path: "/v1/events", user: "admin", role: roleAdmin,
		body: map[string]interface{}{"capacity": capacity, "price_cents": 4500, "currency": "eur"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create event: %d %s", rec.Code, rec.Body.String())
	}
	var ev eventView
	decodeBody(t, rec, &ev)
	return ev.ID
}

func card(number string) domain.PaymentDetails {
	return domain.PaymentDetails{
		CardNumber:  number,
		Expiry:      "12/30",
		CVV:         "123",
		NameOnCard:  "Grace Hopper",
		PaymentType: "card",
		Billing: domain.BillingAddress{
			FirstName: "Grace",
			LastName:  "Hopper",
			Address1:  "1 Navy Way",
			City:      "Arlington",
			State:     "VA",
			Zip:       "22202",
			Country:   "US",
		},
	}
}

func TestAPI_WaitlistFlow(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	eventID := api.createEvent(t, 1)
	base := "/v1/events/" + eventID.String()

	rec := api.do(t, call{method: http.MethodPost, path: base + "/queue", user: "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("alice enqueue: %d %s", rec.Code, rec.Body.String())
	}
	var alice entryView
	decodeBody(t, rec, &alice)
	if alice.Status != string(domain.EntryOffered) || alice.OfferExpiresAt == nil {
		t.Fatalf("alice should hold an offer: %+v", alice)
	}

	rec = api.do(t, call{method: http.MethodPost, path: base + "/queue", user: "bob"})
	var bob entryView
	decodeBody(t, rec, &bob)
	if bob.Status != string(domain.EntryQueued) || bob.Rank != 1 || bob.QueueLength != 1 {
		t.Fatalf("bob should be first in line: %+v", bob)
	}

	rec = api.do(t, call{method: http.MethodPost, path: "/v1/entries/" + alice.ID.String() + "/purchase", user: "bob", body: card("4242424242424242")})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("purchase of another user's entry: %d", rec.Code)
	}

	rec = api.do(t, call{method: http.MethodPost, path: "/v1/entries/" + alice.ID.String() + "/purchase", user: "alice", body: card("4242 4242 4242 4242")})
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", rec.Code, rec.Body.String())
	}
	var ticket ticketView
	decodeBody(t, rec, &ticket)
	if ticket.AmountCents != 4500 || ticket.Currency != "EUR" || ticket.EntryID != alice.ID {
		t.Fatalf("unexpected ticket %+v", ticket)
	}

	rec = api.do(t, call{method: http.MethodGet, path: base + "/ticket", user: "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get ticket: %d", rec.Code)
	}
	rec = api.do(t, call{method: http.MethodGet, path: "/v1/tickets", user: "alice"})
	var list struct {
		Tickets []ticketView `json:"tickets"`
	}
	decodeBody(t, rec, &list)
	if len(list.Tickets) != 1 || list.Tickets[0].ID != ticket.ID {
		t.Fatalf("unexpected ticket list %+v", list)
	}

	rec = api.do(t, call{method: http.MethodGet, path: base, user: "bob"})
	var ev eventView
	decodeBody(t, rec, &ev)
	if ev.Issued != 1 || ev.Outstanding != 0 || ev.Remaining != 0 {
		t.Fatalf("unexpected counters %+v", ev)
	}

	rec = api.do(t, call{method: http.MethodDelete, path: "/v1/entries/" + bob.ID.String(), user: "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, call{method: http.MethodGet, path: base + "/queue/position", user: "bob"})
	var pos entryView
	decodeBody(t, rec, &pos)
	if pos.Status != string(domain.EntryCancelled) {
		t.Fatalf("bob should be cancelled: %+v", pos)
	}
}

func TestAPI_ErrorStatuses(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	eventID := api.createEvent(t, 2)
	base := "/v1/events/" + eventID.String()

	rec := api.do(t, call{method: http.MethodPost, path: base + "/queue", user: "dora"})
	var dora entryView
	decodeBody(t, rec, &dora)
	api.do(t, call{method: http.MethodPost, path: base + "/queue", user: "gail"})

	cases := []struct {
		name   string
		call   call
		status int
		code   string
	}{
		{"no user", call{method: http.MethodGet, path: "/v1/tickets"}, http.StatusUnauthorized, "unauthorized"},
		{"not admin", call{method: http.MethodPost, path: "/v1/events", user: "dora", body: map[string]int{"capacity": 1}}, http.StatusForbidden, "forbidden"},
		{"short idempotency key", call{method: http.MethodPost, path: base + "/queue", user: "eve", key: "short"}, http.StatusBadRequest, "invalid_input"},
		{"bad id", call{method: http.MethodGet, path: "/v1/events/nope", user: "dora"}, http.StatusBadRequest, "invalid_input"},
		{"unknown event", call{method: http.MethodGet, path: "/v1/events/" + uuid.NewString(), user: "dora"}, http.StatusNotFound, "not_found"},
		{"already queued", call{method: http.MethodPost, path: base + "/queue", user: "dora"}, http.StatusConflict, "already_queued"},
		{"no ticket", call{method: http.MethodGet, path: base + "/ticket", user: "dora"}, http.StatusNotFound, "not_found"},
		{"bad card", call{method: http.MethodPost, path: "/v1/entries/" + dora.ID.String() + "/purchase", user: "dora", body: card("1234")}, http.StatusBadRequest, "invalid_input"},
		{"unknown field", call{method: http.MethodPost, path: "/v1/entries/" + dora.ID.String() + "/purchase", user: "dora", body: map[string]string{"pin": "1"}}, http.StatusBadRequest, "invalid_input"},
		{"declined", call{method: http.MethodPost, path: "/v1/entries/" + dora.ID.String() + "/purchase", user: "dora", body: card("4000000000000002")}, http.StatusPaymentRequired, "payment_declined"},
		{"zero capacity", call{method: http.MethodPatch, path: base, user: "admin", role: roleAdmin, body: map[string]int{"capacity": 0}}, http.StatusBadRequest, "invalid_input"},
		{"capacity below allocated", call{method: http.MethodPatch, path: base, user: "admin", role: roleAdmin, body: map[string]int{"capacity": 1}}, http.StatusConflict, "capacity_below_allocated"},
		{"bad status", call{method: http.MethodPatch, path: base, user: "admin", role: roleAdmin, body: map[string]string{"status": "paused"}}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, tc.call)
			if rec.Code != tc.status {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.status, rec.Body.String())
			}
			var body errorBody
			decodeBody(t, rec, &body)
			if body.Error != tc.code {
				t.Fatalf("code %q, want %q", body.Error, tc.code)
			}
			if tc.code == "payment_declined" && body.Reason != "card_declined" {
				t.Fatalf("decline reason %q", body.Reason)
			}
		})
	}

	closed := "closed"
	rec = api.do(t, call{method: http.MethodPatch, path: base, user: "admin", role: roleAdmin, body: map[string]*string{"status": &closed}})
	if rec.Code != http.StatusOK {
		t.Fatalf("close event: %d %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, call{method: http.MethodPost, path: base + "/queue", user: "frank"})
	if rec.Code != http.StatusLocked {
		t.Fatalf("enqueue on closed event: %d", rec.Code)
	}
}

func TestAPI_IdempotentReplay(t *testing.T) {
	api := newTestAPI(t, RouterConfig{Idempotency: idempotency.NewIdempotency(newFakeBackend(), time.Hour)})
	eventID := api.createEvent(t, 2)
	path := "/v1/events/" + eventID.String() + "/queue"
	key := "enqueue-" + uuid.NewString()

	first := api.do(t, call{method: http.MethodPost, path: path, user: "gus", key: key})
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := api.do(t, call{method: http.MethodPost, path: path, user: "gus", key: key})
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(headerReplayed) != "true" {
		t.Fatal("replayed response not marked")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type %q", second.Header().Get("Content-Type"))
	}

	// Same key from another user is a different request.
	other := api.do(t, call{method: http.MethodPost, path: path, user: "hal", key: key})
	if other.Code != http.StatusCreated || other.Header().Get(headerReplayed) != "" {
		t.Fatalf("key leaked across users: %d", other.Code)
	}

	third := api.do(t, call{method: http.MethodPost, path: path, user: "gus"})
	if third.Code != http.StatusConflict {
		t.Fatalf("fresh key should run again and conflict: %d", third.Code)
	}
}

// conflictOnce fails the first enqueue with a serialization conflict.
type conflictOnce struct {
	Waitlist
	mu  sync.Mutex
	hit bool
}

func (c *conflictOnce) Enqueue(ctx context.Context, eventID uuid.UUID, userID string) (domain.Entry, error) {
	c.mu.Lock()
	first := !c.hit
	c.hit = true
	c.mu.Unlock()
	if first {
		return domain.Entry{}, domain.ErrSerializationFailure
	}
	return c.Waitlist.Enqueue(ctx, eventID, userID)
}

func TestAPI_SerializationConflictIsNotReplayed(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	eventID := api.createEvent(t, 2)

	logger := observability.NewLoggerWithLevel("panic")
	h := NewHandlers(&conflictOnce{Waitlist: api.svc}, nil, nil, logger)
	api.router = SetupRouter(h, logger, RouterConfig{Idempotency: idempotency.NewIdempotency(newFakeBackend(), time.Hour)})

	path := "/v1/events/" + eventID.String() + "/queue"
	key := "enqueue-" + uuid.NewString()

	first := api.do(t, call{method: http.MethodPost, path: path, user: "ivy", key: key})
	if first.Code != http.StatusConflict || first.Header().Get("Retry-After") == "" {
		t.Fatalf("first: %d %q %s", first.Code, first.Header().Get("Retry-After"), first.Body.String())
	}
	var body errorBody
	decodeBody(t, first, &body)
	if body.Error != "conflict_retry" {
		t.Fatalf("error code %q", body.Error)
	}

	second := api.do(t, call{method: http.MethodPost, path: path, user: "ivy", key: key})
	if second.Code != http.StatusCreated || second.Header().Get(headerReplayed) != "" {
		t.Fatalf("retry with the same key should run again: %d %s", second.Code, second.Body.String())
	}
}

func TestAPI_RateLimit(t *testing.T) {
	counter := &fakeCounter{hits: map[string]int64{}}
	api := newTestAPI(t, RouterConfig{
		RateLimiter: rateLimit.NewRateLimiter(counter),
		Limits:      RateLimits{PerUser: 2},
	})

	for i := 0; i < 2; i++ {
		if rec := api.do(t, call{method: http.MethodGet, path: "/v1/tickets", user: "ivy"}); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec := api.do(t, call{method: http.MethodGet, path: "/v1/tickets", user: "ivy"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := api.do(t, call{method: http.MethodGet, path: "/v1/tickets", user: "jay"}); rec.Code != http.StatusOK {
		t.Fatalf("other user limited: %d", rec.Code)
	}
}

func TestAPI_JWTAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	api := newTestAPI(t, RouterConfig{JWTKey: &key.PublicKey})

	sign := func(method jwt.SigningMethod, signKey interface{}, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(signKey)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()
	admin := sign(jwt.SigningMethodRS256, key, jwt.MapClaims{"sub": "kim", "role": roleAdmin, "exp": exp})

	rec := api.do(t, call{method: http.MethodPost, path: "/v1/events", token: admin, body: map[string]int{"capacity": 3, "price_cents": 100}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin token: %d %s", rec.Code, rec.Body.String())
	}

	rejected := []struct {
		name  string
		token string
		user  string
	}{
		{"header ignored", "", "kim"},
		{"hmac", sign(jwt.SigningMethodHS256, []byte("secret"), jwt.MapClaims{"sub": "kim", "exp": exp}), ""},
		{"expired", sign(jwt.SigningMethodRS256, key, jwt.MapClaims{"sub": "kim", "exp": time.Now().Add(-time.Minute).Unix()}), ""},
		{"no subject", sign(jwt.SigningMethodRS256, key, jwt.MapClaims{"exp": exp}), ""},
	}
	for _, tc := range rejected {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, call{method: http.MethodGet, path: "/v1/tickets", token: tc.token, user: tc.user})
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

type fieldLogger struct {
	observability.Logger
	fields map[string]interface{}
}

func (l *fieldLogger) WithField(key string, value interface{}) observability.Logger {
	fields := map[string]interface{}{key: value}
	for k, v := range l.fields {
		fields[k] = v
	}
	return &fieldLogger{Logger: l.Logger, fields: fields}
}

func TestAuthMiddleware_DerivesFromRouterLogger(t *testing.T) {
	base := &fieldLogger{Logger: observability.NewLoggerWithLevel("panic")}
	var got observability.Logger
	h := AuthMiddleware(nil, base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = observability.LoggerFrom(r.Context(), nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/tickets", nil)
	req.Header.Set(headerUserID, "kim")
	h.ServeHTTP(httptest.NewRecorder(), req)

	l, ok := got.(*fieldLogger)
	if !ok {
		t.Fatalf("expected a logger derived from the router's, got %T", got)
	}
	if l.fields["user_id"] != "kim" {
		t.Errorf("expected user_id field, got %v", l.fields)
	}
}

func TestAPI_Probes(t *testing.T) {
	api := newTestAPI(t, RouterConfig{})
	for _, path := range []string{"/v1/healthz", "/v1/readyz", "/metrics"} {
		rec := api.do(t, call{method: http.MethodGet, path: path})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, rec.Code)
		}
	}
}
