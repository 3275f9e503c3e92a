// internal/server/mux_test.go
// Package server tests for the HTTP handlers and the public mutation
// pipeline.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/giftwell/giftwell-go/internal/auth"
	"github.com/giftwell/giftwell-go/internal/config"
	"github.com/giftwell/giftwell-go/internal/engine"
	"github.com/giftwell/giftwell-go/internal/idempotency"
	"github.com/giftwell/giftwell-go/internal/metrics"
	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/notify"
	"github.com/giftwell/giftwell-go/internal/ratelimit"
	"github.com/giftwell/giftwell-go/internal/readmodel"
	"github.com/giftwell/giftwell-go/internal/storage"
	"github.com/giftwell/giftwell-go/internal/stream"
)

type testEnv struct {
	mux      *http.ServeMux
	verifier *auth.Verifier
	store    storage.Store
}

func newTestEnv(t *testing.T, rateLimit int) *testEnv {
	t.Helper()
	return newTestEnvWith(t, rateLimit, storage.NewMemory())
}

func newTestEnvWith(t *testing.T, rateLimit int, store storage.Store) *testEnv {
	t.Helper()
	pub := &stubPublisher{}
	eng := engine.New(store, pub, notify.NewNotifier(nil), 100)
	builder := readmodel.NewBuilder(store)
	streamSrv := stream.NewServer(builder, time.Second, 45*time.Second, metrics.NewMetrics())
	ledger := idempotency.NewLedger(store, time.Hour)
	limiter := ratelimit.NewLimiter()
	verifier := auth.NewTestVerifier("test-issuer", "test-audience")

	cfg := config.Config{
		RateLimitPerMinute: rateLimit,
		CanonicalHost:      "http://localhost:8080",
	}

	return &testEnv{
		mux:      NewMux(store, eng, builder, streamSrv, ledger, limiter, verifier, nil, cfg),
		verifier: verifier,
		store:    store,
	}
}

type stubPublisher struct{}

func (stubPublisher) PublishGuestAction(ctx context.Context, action string, wishlistID string, item model.Item) error {
	return nil
}
func (stubPublisher) PublishItemArchived(ctx context.Context, item model.Item, n *model.Notification) error {
	return nil
}
func (stubPublisher) Close() error { return nil }

func (e *testEnv) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4711"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) ownerHeaders(t *testing.T, owner string) map[string]string {
	t.Helper()
	token, err := e.verifier.MintTestToken(owner)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func guestHeaders(actor, key string) map[string]string {
	return map[string]string{
		HeaderActorID:        actor,
		HeaderIdempotencyKey: key,
	}
}

// createWishlist provisions a wishlist plus one item through the owner
// API and returns the share token and item id.
func (e *testEnv) createWishlist(t *testing.T, owner string, groupFunded bool, targetCents int64) (shareToken, wishlistID, itemID string) {
	t.Helper()
	rr := e.do(t, "POST", "/v1/wishlists",
		`{"title":"Birthday","currency":"EUR"}`, e.ownerHeaders(t, owner))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create wishlist: status %d body %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Data model.CreateWishlistData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create wishlist: %v", err)
	}
	if created.Data.ShareToken == "" {
		t.Fatal("create response must carry the share token")
	}
	if !strings.Contains(created.Data.ShareURL, created.Data.ShareToken) {
		t.Fatalf("share URL should embed the token, got %s", created.Data.ShareURL)
	}

	itemBody := `{"title":"Record player","priceCents":24900}`
	if groupFunded {
		itemBody = `{"title":"Record player","priceCents":24900,"groupFunded":true,"targetCents":` + itoa(targetCents) + `}`
	}
	rr = e.do(t, "POST", "/v1/wishlists/"+created.Data.Wishlist.ID+"/items", itemBody, e.ownerHeaders(t, owner))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create item: status %d body %s", rr.Code, rr.Body.String())
	}
	var item struct {
		Data struct {
			Item model.Item `json:"item"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode create item: %v", err)
	}

	return created.Data.ShareToken, created.Data.Wishlist.ID, item.Data.Item.ID
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string                 `json:"code"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Code
}

func errorDetail(t *testing.T, rr *httptest.ResponseRecorder, key string) interface{} {
	t.Helper()
	var resp struct {
		Error struct {
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error.Details[key]
}

func TestHealthzEndpoint(t *testing.T) {
	e := newTestEnv(t, 30)
	rr := e.do(t, "GET", "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz: status %d body %q", rr.Code, rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	e := newTestEnv(t, 30)
	rr := e.do(t, "GET", "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: status %d", rr.Code)
	}
}

func TestOwnerAuthRequired(t *testing.T) {
	e := newTestEnv(t, 30)

	rr := e.do(t, "POST", "/v1/wishlists", `{"title":"x","currency":"EUR"}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 without token, got %d", rr.Code)
	}
	if errorCode(t, rr) != "GW_AUTH_REQUIRED" {
		t.Fatalf("want GW_AUTH_REQUIRED, got %s", errorCode(t, rr))
	}

	rr = e.do(t, "POST", "/v1/wishlists", `{"title":"x","currency":"EUR"}`,
		map[string]string{"Authorization": "Bearer bogus"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 for a bogus token, got %d", rr.Code)
	}
}

func TestPublicReservationFlow(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", false, 0)

	body := `{"itemId":"` + itemID + `","action":"reserve"}`
	rr := e.do(t, "POST", "/public/"+token+"/reservations", body, guestHeaders("alice@example.com", "k1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("reserve: status %d body %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Data model.ReservationData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode reserve: %v", err)
	}
	if res.Data.Reservation.Status != model.ReservationActive {
		t.Fatalf("want active reservation, got %s", res.Data.Reservation.Status)
	}
	if res.Data.Item.Availability != model.AvailabilityReserved {
		t.Fatalf("item should read reserved, got %s", res.Data.Item.Availability)
	}

	// A second guest loses the race deterministically
	rr = e.do(t, "POST", "/public/"+token+"/reservations", body, guestHeaders("bob@example.com", "k2"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d body %s", rr.Code, rr.Body.String())
	}
	if errorDetail(t, rr, "reason") != "ALREADY_RESERVED" {
		t.Fatalf("want ALREADY_RESERVED, got %v", errorDetail(t, rr, "reason"))
	}

	// Bob cannot release alice's hold either
	unreserve := `{"itemId":"` + itemID + `","action":"unreserve"}`
	rr = e.do(t, "POST", "/public/"+token+"/reservations", unreserve, guestHeaders("bob@example.com", "k3"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", rr.Code)
	}
	if errorDetail(t, rr, "reason") != "NO_ACTIVE_RESERVATION" {
		t.Fatalf("want NO_ACTIVE_RESERVATION, got %v", errorDetail(t, rr, "reason"))
	}

	// Alice can
	rr = e.do(t, "POST", "/public/"+token+"/reservations", unreserve, guestHeaders("alice@example.com", "k4"))
	if rr.Code != http.StatusOK {
		t.Fatalf("unreserve: status %d body %s", rr.Code, rr.Body.String())
	}
}

func TestPublicMutationRequiresHeaders(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", false, 0)

	body := `{"itemId":"` + itemID + `","action":"reserve"}`
	rr := e.do(t, "POST", "/public/"+token+"/reservations", body, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400 without identity headers, got %d", rr.Code)
	}
	if errorCode(t, rr) != "GW_VALIDATION" {
		t.Fatalf("want GW_VALIDATION, got %s", errorCode(t, rr))
	}
	if errorDetail(t, rr, HeaderActorID) == nil || errorDetail(t, rr, HeaderIdempotencyKey) == nil {
		t.Fatalf("details should name the missing headers: %s", rr.Body.String())
	}
}

func TestIdempotentReplay(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", true, 10000)

	body := `{"itemId":"` + itemID + `","amountCents":4000}`
	headers := guestHeaders("alice@example.com", "contrib-1")

	first := e.do(t, "POST", "/public/"+token+"/contributions", body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("contribute: status %d body %s", first.Code, first.Body.String())
	}

	replay := e.do(t, "POST", "/public/"+token+"/contributions", body, headers)
	if replay.Code != first.Code {
		t.Fatalf("replay status %d != original %d", replay.Code, first.Code)
	}
	if replay.Body.String() != first.Body.String() {
		t.Fatalf("replay must be byte-identical:\n%s\n%s", first.Body.String(), replay.Body.String())
	}
	if replay.Header().Get(HeaderIdempotentReplay) != "true" {
		t.Fatal("replay must be marked with the replay header")
	}

	// The mutation ran once: the funded total is still 4000
	item, err := e.store.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.FundedCents != 4000 {
		t.Fatalf("replay re-executed the mutation: funded %d", item.FundedCents)
	}
}

func TestIdempotencyKeyReuseRejected(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", true, 10000)
	headers := guestHeaders("alice@example.com", "contrib-1")

	rr := e.do(t, "POST", "/public/"+token+"/contributions",
		`{"itemId":"`+itemID+`","amountCents":4000}`, headers)
	if rr.Code != http.StatusCreated {
		t.Fatalf("contribute: status %d", rr.Code)
	}

	rr = e.do(t, "POST", "/public/"+token+"/contributions",
		`{"itemId":"`+itemID+`","amountCents":9000}`, headers)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d body %s", rr.Code, rr.Body.String())
	}
	if errorCode(t, rr) != "GW_IDEMPOTENCY_KEY_REUSED" {
		t.Fatalf("want GW_IDEMPOTENCY_KEY_REUSED, got %s", errorCode(t, rr))
	}
}

// flakyStore fails a configurable number of contribution writes to
// exercise the transient-failure path of the mutation pipeline.
type flakyStore struct {
	storage.Store
	failRemaining int
}

func (f *flakyStore) AddContribution(ctx context.Context, c model.Contribution) (*model.Item, error) {
	if f.failRemaining > 0 {
		f.failRemaining--
		return nil, errors.New("storage unavailable")
	}
	return f.Store.AddContribution(ctx, c)
}

func TestRetryAfterTransientFailureReExecutes(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemory(), failRemaining: 1}
	e := newTestEnvWith(t, 30, store)
	token, _, itemID := e.createWishlist(t, "owner@example.com", true, 10000)

	body := `{"itemId":"` + itemID + `","amountCents":4000}`
	headers := guestHeaders("alice@example.com", "retry-key")

	rr := e.do(t, "POST", "/public/"+token+"/contributions", body, headers)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("want 500 while storage is down, got %d body %s", rr.Code, rr.Body.String())
	}
	if errorCode(t, rr) != "GW_INTERNAL" {
		t.Fatalf("want GW_INTERNAL, got %s", errorCode(t, rr))
	}

	// The failed attempt released its claim: the same key re-executes
	// instead of reading REQUEST_IN_PROGRESS or replaying the failure
	rr = e.do(t, "POST", "/public/"+token+"/contributions", body, headers)
	if rr.Code != http.StatusCreated {
		t.Fatalf("retry after transient failure: status %d body %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(HeaderIdempotentReplay) == "true" {
		t.Fatal("retry must re-execute the mutation, not replay a cached response")
	}

	item, err := e.store.GetItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.FundedCents != 4000 {
		t.Fatalf("funded total %d, want 4000", item.FundedCents)
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	e := newTestEnv(t, 2)
	token, _, itemID := e.createWishlist(t, "owner@example.com", false, 0)

	reserve := `{"itemId":"` + itemID + `","action":"reserve"}`
	unreserve := `{"itemId":"` + itemID + `","action":"unreserve"}`

	if rr := e.do(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("alice@example.com", "k1")); rr.Code != http.StatusOK {
		t.Fatalf("first action: %d", rr.Code)
	}
	if rr := e.do(t, "POST", "/public/"+token+"/reservations", unreserve, guestHeaders("alice@example.com", "k2")); rr.Code != http.StatusOK {
		t.Fatalf("second action: %d", rr.Code)
	}

	rr := e.do(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("alice@example.com", "k3"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry a Retry-After header")
	}
	retry, ok := errorDetail(t, rr, "retryAfterSeconds").(float64)
	if !ok || retry < 1 {
		t.Fatalf("want positive retryAfterSeconds, got %v", errorDetail(t, rr, "retryAfterSeconds"))
	}

	// A different actor is unaffected
	if rr := e.do(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("carol@example.com", "k4")); rr.Code != http.StatusOK {
		t.Fatalf("other actor should be admitted, got %d", rr.Code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", false, 0)

	rr := e.do(t, "GET", "/public/"+token+"/snapshot", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshot: status %d", rr.Code)
	}
	var snap struct {
		Data model.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Data.Version == "" || len(snap.Data.Items) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap.Data)
	}
	if snap.Data.Items[0].ID != itemID {
		t.Fatalf("unexpected snapshot item %s", snap.Data.Items[0].ID)
	}

	rr = e.do(t, "GET", "/public/unknown-token/snapshot", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404 for unknown token, got %d", rr.Code)
	}
}

func TestValidationDetails(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", true, 10000)

	rr := e.do(t, "POST", "/public/"+token+"/contributions",
		`{"itemId":"`+itemID+`","amountCents":0}`, guestHeaders("alice@example.com", "k1"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d body %s", rr.Code, rr.Body.String())
	}
	if errorCode(t, rr) != "GW_VALIDATION" {
		t.Fatalf("want GW_VALIDATION, got %s", errorCode(t, rr))
	}
	if errorDetail(t, rr, "amountCents") == nil {
		t.Fatalf("details should name the offending field: %s", rr.Body.String())
	}
}

func TestArchiveEndpointOwnerScoped(t *testing.T) {
	e := newTestEnv(t, 30)
	token, _, itemID := e.createWishlist(t, "owner@example.com", false, 0)

	rr := e.do(t, "POST", "/v1/items/"+itemID+"/archive", "", e.ownerHeaders(t, "intruder@example.com"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("want 403 for a foreign owner, got %d", rr.Code)
	}

	rr = e.do(t, "POST", "/v1/items/"+itemID+"/archive", "", e.ownerHeaders(t, "owner@example.com"))
	if rr.Code != http.StatusOK {
		t.Fatalf("archive: status %d body %s", rr.Code, rr.Body.String())
	}

	// Archived items vanish from the guest snapshot
	rr = e.do(t, "GET", "/public/"+token+"/snapshot", "", nil)
	var snap struct {
		Data model.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Data.Items) != 0 {
		t.Fatalf("archived item still visible: %+v", snap.Data.Items)
	}
}

func TestItemsOnForeignListsReadAsNotFound(t *testing.T) {
	e := newTestEnv(t, 30)
	tokenA, _, _ := e.createWishlist(t, "owner-a@example.com", false, 0)
	_, _, itemB := e.createWishlist(t, "owner-b@example.com", false, 0)

	rr := e.do(t, "POST", "/public/"+tokenA+"/reservations",
		`{"itemId":"`+itemB+`","action":"reserve"}`, guestHeaders("alice@example.com", "k1"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign item must read as not found, got %d", rr.Code)
	}
}
