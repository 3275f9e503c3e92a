// Package conformance provides a test harness for verifying a giftwell
// deployment end to end over HTTP: owner provisioning, guest mutations,
// idempotent replay and snapshot versioning.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giftwell/giftwell-go/internal/auth"
	"github.com/giftwell/giftwell-go/internal/config"
	"github.com/giftwell/giftwell-go/internal/engine"
	"github.com/giftwell/giftwell-go/internal/event"
	"github.com/giftwell/giftwell-go/internal/idempotency"
	"github.com/giftwell/giftwell-go/internal/metrics"
	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/notify"
	"github.com/giftwell/giftwell-go/internal/ratelimit"
	"github.com/giftwell/giftwell-go/internal/readmodel"
	"github.com/giftwell/giftwell-go/internal/server"
	"github.com/giftwell/giftwell-go/internal/storage"
	"github.com/giftwell/giftwell-go/internal/stream"
)

// Harness runs a full giftwell service against in-memory dependencies.
type Harness struct {
	server   *httptest.Server
	store    storage.Store
	pub      event.Publisher
	verifier *auth.Verifier
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// RateLimitPerMinute caps guest actions per actor; zero means the
	// service default
	RateLimitPerMinute int

	// MinContributionCents is the contribution floor; zero means the
	// service default
	MinContributionCents int64
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 30
	}
	if cfg.MinContributionCents == 0 {
		cfg.MinContributionCents = 100
	}

	store := storage.NewMemory()
	pub := &noopPublisher{}
	verifier := auth.NewTestVerifier(cfg.JWTIssuer, cfg.JWTAudience)

	eng := engine.New(store, pub, notify.NewNotifier(nil), cfg.MinContributionCents)
	builder := readmodel.NewBuilder(store)
	streamSrv := stream.NewServer(builder, 15*time.Second, 45*time.Second, metrics.NewMetrics())
	ledger := idempotency.NewLedger(store, 24*time.Hour)
	limiter := ratelimit.NewLimiter()

	mux := server.NewMux(store, eng, builder, streamSrv, ledger, limiter, verifier, nil, config.Config{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CanonicalHost:      "http://giftwell.test",
	})

	return &Harness{
		server:   httptest.NewServer(mux),
		store:    store,
		pub:      pub,
		verifier: verifier,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("GuestReservationFlow", h.testGuestReservationFlow)
	t.Run("GroupFundingFlow", h.testGroupFundingFlow)
	t.Run("IdempotentReplay", h.testIdempotentReplay)
	t.Run("SnapshotVersioning", h.testSnapshotVersioning)
	t.Run("ShareTokenLifecycle", h.testShareTokenLifecycle)
}

// noopPublisher is a no-op implementation of event.Publisher for testing.
type noopPublisher struct{}

func (n *noopPublisher) PublishGuestAction(ctx context.Context, action string, wishlistID string, item model.Item) error {
	return nil
}

func (n *noopPublisher) PublishItemArchived(ctx context.Context, item model.Item, notification *model.Notification) error {
	return nil
}

func (n *noopPublisher) Close() error {
	return nil
}

type response struct {
	status  int
	headers http.Header
	body    []byte
}

func (h *Harness) request(t *testing.T, method, path, body string, headers map[string]string) response {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return response{status: resp.StatusCode, headers: resp.Header, body: raw}
}

func (h *Harness) ownerHeaders(t *testing.T, owner string) map[string]string {
	t.Helper()
	token, err := h.verifier.MintTestToken(owner)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func guestHeaders(actor, key string) map[string]string {
	return map[string]string{
		"X-Actor-Id":        actor,
		"X-Idempotency-Key": key,
	}
}

// provision creates a wishlist and one item for the given owner.
func (h *Harness) provision(t *testing.T, owner string, itemBody string) (shareToken, wishlistID, itemID string) {
	t.Helper()
	resp := h.request(t, "POST", "/v1/wishlists", `{"title":"Conformance list","currency":"USD"}`, h.ownerHeaders(t, owner))
	if resp.status != http.StatusCreated {
		t.Fatalf("create wishlist: status %d body %s", resp.status, resp.body)
	}
	var created struct {
		Data model.CreateWishlistData `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &created); err != nil {
		t.Fatalf("decode wishlist: %v", err)
	}

	resp = h.request(t, "POST", "/v1/wishlists/"+created.Data.Wishlist.ID+"/items", itemBody, h.ownerHeaders(t, owner))
	if resp.status != http.StatusCreated {
		t.Fatalf("create item: status %d body %s", resp.status, resp.body)
	}
	var item struct {
		Data struct {
			Item model.Item `json:"item"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return created.Data.ShareToken, created.Data.Wishlist.ID, item.Data.Item.ID
}

func (h *Harness) snapshot(t *testing.T, token string) (model.Snapshot, int) {
	t.Helper()
	resp := h.request(t, "GET", "/public/"+token+"/snapshot", "", nil)
	if resp.status != http.StatusOK {
		return model.Snapshot{}, resp.status
	}
	var snap struct {
		Data model.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap.Data, resp.status
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := h.request(t, "GET", path, "", nil)
		if resp.status != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.status)
		}
	}
	resp := h.request(t, "GET", "/metrics", "", nil)
	if resp.status != http.StatusOK {
		t.Errorf("GET /metrics: status %d", resp.status)
	}
}

// testGuestReservationFlow covers the reserve, lose-the-race, unreserve,
// re-reserve sequence two guests would actually walk through.
func (h *Harness) testGuestReservationFlow(t *testing.T) {
	token, _, itemID := h.provision(t, "flow-owner@example.com", `{"title":"Espresso machine","priceCents":39900}`)
	reserve := fmt.Sprintf(`{"itemId":%q,"action":"reserve"}`, itemID)
	unreserve := fmt.Sprintf(`{"itemId":%q,"action":"unreserve"}`, itemID)

	if resp := h.request(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("g1", "r1")); resp.status != http.StatusOK {
		t.Fatalf("reserve: status %d body %s", resp.status, resp.body)
	}
	if resp := h.request(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("g2", "r2")); resp.status != http.StatusConflict {
		t.Fatalf("second reserve should conflict, got %d", resp.status)
	}

	snap, _ := h.snapshot(t, token)
	if snap.Items[0].Availability != model.AvailabilityReserved {
		t.Fatalf("snapshot should read reserved, got %s", snap.Items[0].Availability)
	}

	if resp := h.request(t, "POST", "/public/"+token+"/reservations", unreserve, guestHeaders("g1", "r3")); resp.status != http.StatusOK {
		t.Fatalf("unreserve: status %d body %s", resp.status, resp.body)
	}
	if resp := h.request(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("g2", "r4")); resp.status != http.StatusOK {
		t.Fatalf("re-reserve after release: status %d body %s", resp.status, resp.body)
	}
}

// testGroupFundingFlow contributes twice and checks totals, progress and
// the target-reached edge behave over the public API.
func (h *Harness) testGroupFundingFlow(t *testing.T) {
	token, _, itemID := h.provision(t, "fund-owner@example.com",
		`{"title":"Camping tent","priceCents":45000,"groupFunded":true,"targetCents":45000}`)

	contribute := func(actor, key string, cents int64) response {
		body := fmt.Sprintf(`{"itemId":%q,"amountCents":%d}`, itemID, cents)
		return h.request(t, "POST", "/public/"+token+"/contributions", body, guestHeaders(actor, key))
	}

	if resp := contribute("g1", "c1", 20000); resp.status != http.StatusCreated {
		t.Fatalf("first contribution: status %d body %s", resp.status, resp.body)
	}
	if resp := contribute("g2", "c2", 30000); resp.status != http.StatusCreated {
		t.Fatalf("second contribution: status %d body %s", resp.status, resp.body)
	}

	snap, _ := h.snapshot(t, token)
	item := snap.Items[0]
	if item.FundedCents != 50000 {
		t.Fatalf("funded total %d, want 50000", item.FundedCents)
	}
	if item.ProgressRatio == nil || *item.ProgressRatio != 1 {
		t.Fatalf("progress should cap at 1, got %v", item.ProgressRatio)
	}

	// Below the floor is a validation failure, not a conflict
	if resp := contribute("g3", "c3", 50); resp.status != http.StatusBadRequest {
		t.Fatalf("sub-minimum contribution: status %d body %s", resp.status, resp.body)
	}
}

// testIdempotentReplay checks the cached response is byte-identical and
// that key reuse with a different payload is rejected.
func (h *Harness) testIdempotentReplay(t *testing.T) {
	token, _, itemID := h.provision(t, "replay-owner@example.com",
		`{"title":"Bike trailer","priceCents":30000,"groupFunded":true,"targetCents":30000}`)

	body := fmt.Sprintf(`{"itemId":%q,"amountCents":5000}`, itemID)
	headers := guestHeaders("replayer", "one-key")

	first := h.request(t, "POST", "/public/"+token+"/contributions", body, headers)
	if first.status != http.StatusCreated {
		t.Fatalf("contribution: status %d body %s", first.status, first.body)
	}
	replay := h.request(t, "POST", "/public/"+token+"/contributions", body, headers)
	if replay.status != first.status || !bytes.Equal(replay.body, first.body) {
		t.Fatalf("replay must match the original response exactly")
	}
	if replay.headers.Get("X-Idempotent-Replay") != "true" {
		t.Fatal("replay must carry the replay marker header")
	}

	snap, _ := h.snapshot(t, token)
	if snap.Items[0].FundedCents != 5000 {
		t.Fatalf("replay re-applied the contribution: funded %d", snap.Items[0].FundedCents)
	}

	reuse := h.request(t, "POST", "/public/"+token+"/contributions",
		fmt.Sprintf(`{"itemId":%q,"amountCents":9000}`, itemID), headers)
	if reuse.status != http.StatusUnprocessableEntity {
		t.Fatalf("key reuse: status %d body %s", reuse.status, reuse.body)
	}
}

// testSnapshotVersioning checks the version only moves with guest-visible
// state.
func (h *Harness) testSnapshotVersioning(t *testing.T) {
	token, _, itemID := h.provision(t, "version-owner@example.com", `{"title":"Blender","priceCents":8900}`)

	before, _ := h.snapshot(t, token)
	again, _ := h.snapshot(t, token)
	if before.Version != again.Version {
		t.Fatalf("version moved without a state change: %s vs %s", before.Version, again.Version)
	}

	reserve := fmt.Sprintf(`{"itemId":%q,"action":"reserve"}`, itemID)
	if resp := h.request(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("g1", "v1")); resp.status != http.StatusOK {
		t.Fatalf("reserve: status %d", resp.status)
	}

	after, _ := h.snapshot(t, token)
	if after.Version == before.Version {
		t.Fatal("version must change after a reservation")
	}
}

// testShareTokenLifecycle checks that deleting a wishlist kills its
// public surface.
func (h *Harness) testShareTokenLifecycle(t *testing.T) {
	token, wishlistID, itemID := h.provision(t, "lifecycle-owner@example.com", `{"title":"Lamp","priceCents":4900}`)

	if _, status := h.snapshot(t, token); status != http.StatusOK {
		t.Fatalf("snapshot before deletion: status %d", status)
	}

	resp := h.request(t, "DELETE", "/v1/wishlists/"+wishlistID, "", h.ownerHeaders(t, "lifecycle-owner@example.com"))
	if resp.status != http.StatusOK {
		t.Fatalf("delete wishlist: status %d body %s", resp.status, resp.body)
	}

	if _, status := h.snapshot(t, token); status != http.StatusNotFound {
		t.Fatalf("snapshot after deletion: status %d, want 404", status)
	}
	reserve := fmt.Sprintf(`{"itemId":%q,"action":"reserve"}`, itemID)
	mut := h.request(t, "POST", "/public/"+token+"/reservations", reserve, guestHeaders("g1", "l1"))
	if mut.status != http.StatusNotFound {
		t.Fatalf("mutation after deletion: status %d, want 404", mut.status)
	}
}
