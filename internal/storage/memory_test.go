// Package storage tests for the in-memory Store implementation.
package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giftwell/giftwell-go/internal/model"
)

func seedWishlist(t *testing.T, s Store, id string) model.Wishlist {
	t.Helper()
	now := time.Now().UTC()
	w := model.Wishlist{
		ID:             id,
		OwnerID:        "owner@example.com",
		Title:          "Birthday",
		Currency:       "EUR",
		ShareTokenHash: "hash-" + id,
		ShareTokenHint: "…abcd",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateWishlist(context.Background(), w); err != nil {
		t.Fatalf("CreateWishlist: %v", err)
	}
	return w
}

func seedItem(t *testing.T, s Store, wishlistID, id string) model.Item {
	t.Helper()
	now := time.Now().UTC()
	item := model.Item{
		ID:         id,
		WishlistID: wishlistID,
		Title:      "Espresso machine",
		PriceCents: 12900,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return item
}

func TestReserveItemSingleWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w := seedWishlist(t, s, "w1")
	seedItem(t, s, w.ID, "i1")

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = s.ReserveItem(ctx, model.Reservation{
				ID:       "r" + string(rune('a'+n)),
				ItemID:   "i1",
				HolderID: "guest@example.com",
				Status:   model.ReservationActive,
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch err {
		case nil:
			winners++
		case ErrConflict:
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("want exactly 1 winner, got %d", winners)
	}

	active, err := s.GetActiveReservation(ctx, "i1")
	if err != nil {
		t.Fatalf("GetActiveReservation: %v", err)
	}
	if active.Status != model.ReservationActive {
		t.Fatalf("want active reservation, got %s", active.Status)
	}
}

func TestReleaseReservationHolderScoped(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w := seedWishlist(t, s, "w1")
	seedItem(t, s, w.ID, "i1")

	if err := s.ReserveItem(ctx, model.Reservation{ID: "r1", ItemID: "i1", HolderID: "alice@example.com"}); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}

	// A different holder cannot release
	if _, err := s.ReleaseReservation(ctx, "i1", "bob@example.com", model.ReservationCancelled); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for foreign holder, got %v", err)
	}

	// Empty holder matches any active reservation (archive cascade)
	released, err := s.ReleaseReservation(ctx, "i1", "", model.ReservationReleased)
	if err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if released.Status != model.ReservationReleased {
		t.Fatalf("want released, got %s", released.Status)
	}
	if released.HolderID != "alice@example.com" {
		t.Fatalf("want original holder, got %s", released.HolderID)
	}

	if _, err := s.GetActiveReservation(ctx, "i1"); err != ErrNotFound {
		t.Fatalf("want no active reservation after release, got %v", err)
	}
}

func TestReserveArchivedItemConflicts(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w := seedWishlist(t, s, "w1")
	item := seedItem(t, s, w.ID, "i1")

	now := time.Now().UTC()
	item.ArchivedAt = &now
	if err := s.UpdateItem(ctx, item); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	err := s.ReserveItem(ctx, model.Reservation{ID: "r1", ItemID: "i1", HolderID: "guest@example.com"})
	if err != ErrConflict {
		t.Fatalf("want ErrConflict on archived item, got %v", err)
	}
}

func TestAddContributionUpdatesFundedTotal(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w := seedWishlist(t, s, "w1")
	seedItem(t, s, w.ID, "i1")

	updated, err := s.AddContribution(ctx, model.Contribution{
		ID: "c1", ItemID: "i1", ContributorID: "guest@example.com", AmountCents: 4000,
	})
	if err != nil {
		t.Fatalf("AddContribution: %v", err)
	}
	if updated.FundedCents != 4000 {
		t.Fatalf("want funded 4000, got %d", updated.FundedCents)
	}

	updated, err = s.AddContribution(ctx, model.Contribution{
		ID: "c2", ItemID: "i1", ContributorID: "other@example.com", AmountCents: 7000,
	})
	if err != nil {
		t.Fatalf("AddContribution: %v", err)
	}
	if updated.FundedCents != 11000 {
		t.Fatalf("want funded 11000, got %d", updated.FundedCents)
	}

	contributions, err := s.ListContributions(ctx, "i1")
	if err != nil {
		t.Fatalf("ListContributions: %v", err)
	}
	if len(contributions) != 2 {
		t.Fatalf("want 2 contributions, got %d", len(contributions))
	}
}

func TestDeleteWishlistCascades(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	w := seedWishlist(t, s, "w1")
	seedItem(t, s, w.ID, "i1")
	if err := s.ReserveItem(ctx, model.Reservation{ID: "r1", ItemID: "i1", HolderID: "guest@example.com"}); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}

	if err := s.DeleteWishlist(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWishlist: %v", err)
	}

	if _, err := s.GetWishlist(ctx, w.ID); err != ErrNotFound {
		t.Fatalf("want wishlist gone, got %v", err)
	}
	if _, err := s.GetItem(ctx, "i1"); err != ErrNotFound {
		t.Fatalf("want item gone, got %v", err)
	}
	if _, err := s.GetWishlistByTokenHash(ctx, w.ShareTokenHash); err != ErrNotFound {
		t.Fatalf("want token unresolvable, got %v", err)
	}
}

func TestBeginIdempotentLifecycle(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ttl := time.Hour

	state, _, _, err := s.BeginIdempotent(ctx, "k1", "fp1", ttl)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted, got %v err %v", state, err)
	}

	// Same key before commit is in progress
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp1", ttl)
	if err != nil || state != IdemInProgress {
		t.Fatalf("want IdemInProgress, got %v err %v", state, err)
	}

	// Same key, different fingerprint is a conflict
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp2", ttl)
	if err != nil || state != IdemConflict {
		t.Fatalf("want IdemConflict, got %v err %v", state, err)
	}

	body := []byte(`{"data":{"ok":true}}`)
	if err := s.CommitIdempotent(ctx, "k1", body, 201, time.Now().UTC().Add(ttl)); err != nil {
		t.Fatalf("CommitIdempotent: %v", err)
	}

	state, cached, status, err := s.BeginIdempotent(ctx, "k1", "fp1", ttl)
	if err != nil || state != IdemCached {
		t.Fatalf("want IdemCached, got %v err %v", state, err)
	}
	if status != 201 || string(cached) != string(body) {
		t.Fatalf("cached response mismatch: status %d body %q", status, cached)
	}
}

func TestAbandonIdempotentReleasesClaim(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ttl := time.Hour

	state, _, _, err := s.BeginIdempotent(ctx, "k1", "fp1", ttl)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted, got %v err %v", state, err)
	}

	if err := s.AbandonIdempotent(ctx, "k1"); err != nil {
		t.Fatalf("AbandonIdempotent: %v", err)
	}

	// The retry owns the key again instead of reading in-progress
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp1", ttl)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted after abandon, got %v err %v", state, err)
	}

	// Abandon never evicts a committed response
	if err := s.CommitIdempotent(ctx, "k1", []byte(`{}`), 200, time.Now().UTC().Add(ttl)); err != nil {
		t.Fatalf("CommitIdempotent: %v", err)
	}
	if err := s.AbandonIdempotent(ctx, "k1"); err != nil {
		t.Fatalf("AbandonIdempotent on committed entry: %v", err)
	}
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp1", ttl)
	if err != nil || state != IdemCached {
		t.Fatalf("committed response must survive abandon, got %v err %v", state, err)
	}
}

func TestBeginIdempotentPendingClaimExpires(t *testing.T) {
	s := NewMemory().(*memory)
	ctx := context.Background()

	current := time.Now().UTC()
	s.now = func() time.Time { return current }

	state, _, _, err := s.BeginIdempotent(ctx, "k1", "fp1", 24*time.Hour)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted, got %v err %v", state, err)
	}

	// Within the pending window a concurrent retry still blocks
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp1", 24*time.Hour)
	if err != nil || state != IdemInProgress {
		t.Fatalf("want IdemInProgress, got %v err %v", state, err)
	}

	// An uncommitted claim expires on the pending lifetime, not the
	// response TTL: a crashed request cannot block retries for a day
	current = current.Add(pendingClaimTTL + time.Second)
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp1", 24*time.Hour)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted after the pending window, got %v err %v", state, err)
	}
}

func TestBeginIdempotentExpiry(t *testing.T) {
	s := NewMemory().(*memory)
	ctx := context.Background()

	current := time.Now().UTC()
	s.now = func() time.Time { return current }

	state, _, _, err := s.BeginIdempotent(ctx, "k1", "fp1", time.Minute)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted, got %v err %v", state, err)
	}
	if err := s.CommitIdempotent(ctx, "k1", []byte("{}"), 200, current.Add(time.Minute)); err != nil {
		t.Fatalf("CommitIdempotent: %v", err)
	}

	// Past the TTL the entry reads as absent and the key is claimable again
	current = current.Add(2 * time.Minute)
	state, _, _, err = s.BeginIdempotent(ctx, "k1", "fp-different", time.Minute)
	if err != nil || state != IdemStarted {
		t.Fatalf("want IdemStarted after expiry, got %v err %v", state, err)
	}
}
