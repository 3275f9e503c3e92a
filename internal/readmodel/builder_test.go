package readmodel

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/storage"
)

const shareToken = "tok-abc123"

func seed(t *testing.T, s storage.Store) {
	t.Helper()
	now := time.Now().UTC()
	w := model.Wishlist{
		ID:             "w1",
		OwnerID:        "owner@example.com",
		Title:          "Housewarming",
		Currency:       "EUR",
		ShareTokenHash: TokenHash(shareToken),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateWishlist(context.Background(), w); err != nil {
		t.Fatalf("CreateWishlist: %v", err)
	}

	target := int64(10000)
	items := []model.Item{
		{ID: "i1", WishlistID: "w1", Title: "Vase", PriceCents: 3500, CreatedAt: now, UpdatedAt: now},
		{ID: "i2", WishlistID: "w1", Title: "Rug", PriceCents: 20000, GroupFunded: true, TargetCents: &target, CreatedAt: now.Add(time.Second), UpdatedAt: now},
	}
	for _, item := range items {
		if err := s.CreateItem(context.Background(), item); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}
}

func TestBuildStates(t *testing.T) {
	s := storage.NewMemory()
	b := NewBuilder(s)
	ctx := context.Background()
	seed(t, s)

	res, err := b.Build(ctx, "no-such-token")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.State != StateNotFound {
		t.Fatalf("want not found, got %v", res.State)
	}

	res, err = b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.State != StateOK || res.Snapshot == nil {
		t.Fatalf("want snapshot, got state %v", res.State)
	}
	if len(res.Snapshot.Items) != 2 {
		t.Fatalf("want 2 items, got %d", len(res.Snapshot.Items))
	}
	if res.Snapshot.Version == "" {
		t.Fatal("snapshot must carry a version")
	}

	// Disabling the wishlist turns the token into a terminal state
	w, err := s.GetWishlist(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWishlist: %v", err)
	}
	now := time.Now().UTC()
	w.DisabledAt = &now
	if err := s.UpdateWishlist(ctx, *w); err != nil {
		t.Fatalf("UpdateWishlist: %v", err)
	}

	res, err = b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.State != StateDisabled {
		t.Fatalf("want disabled, got %v", res.State)
	}
}

func TestVersionChangesOnlyWithVisibleState(t *testing.T) {
	s := storage.NewMemory()
	b := NewBuilder(s)
	ctx := context.Background()
	seed(t, s)

	first, err := b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Rebuilding unchanged state yields the identical version
	second, err := b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if first.Snapshot.Version != second.Snapshot.Version {
		t.Fatal("version must be stable across rebuilds of unchanged state")
	}

	// A reservation changes availability, so the version moves
	if err := s.ReserveItem(ctx, model.Reservation{ID: "r1", ItemID: "i1", HolderID: "guest@example.com", Status: model.ReservationActive}); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}
	third, err := b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if third.Snapshot.Version == first.Snapshot.Version {
		t.Fatal("version must change when availability changes")
	}
	for _, item := range third.Snapshot.Items {
		if item.ID == "i1" && item.Availability != model.AvailabilityReserved {
			t.Fatalf("i1 should read reserved, got %s", item.Availability)
		}
	}
}

func TestSnapshotNeverExposesHolder(t *testing.T) {
	s := storage.NewMemory()
	b := NewBuilder(s)
	ctx := context.Background()
	seed(t, s)

	if err := s.ReserveItem(ctx, model.Reservation{ID: "r1", ItemID: "i1", HolderID: "secret-holder@example.com", Status: model.ReservationActive}); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}

	res, err := b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := json.Marshal(res.Snapshot)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if strings.Contains(string(raw), "secret-holder") {
		t.Fatal("holder identity leaked into the guest snapshot")
	}
	if strings.Contains(string(raw), "owner@example.com") {
		t.Fatal("owner identity leaked into the guest snapshot")
	}
}

func TestSnapshotSkipsArchivedAndCapsProgress(t *testing.T) {
	s := storage.NewMemory()
	b := NewBuilder(s)
	ctx := context.Background()
	seed(t, s)

	// Over-fund the group item past its 10000 target
	if _, err := s.AddContribution(ctx, model.Contribution{ID: "c1", ItemID: "i2", ContributorID: "g@example.com", AmountCents: 13000}); err != nil {
		t.Fatalf("AddContribution: %v", err)
	}

	// Archive the plain item
	item, err := s.GetItem(ctx, "i1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	now := time.Now().UTC()
	item.ArchivedAt = &now
	if err := s.UpdateItem(ctx, *item); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	res, err := b.Build(ctx, shareToken)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Snapshot.Items) != 1 {
		t.Fatalf("archived items must not appear, got %d items", len(res.Snapshot.Items))
	}
	got := res.Snapshot.Items[0]
	if got.ID != "i2" {
		t.Fatalf("want i2, got %s", got.ID)
	}
	if got.ProgressRatio == nil || *got.ProgressRatio != 1 {
		t.Fatalf("progress must cap at 1, got %v", got.ProgressRatio)
	}
	if got.FundedCents != 13000 {
		t.Fatalf("funded total is not capped, got %d", got.FundedCents)
	}
}
