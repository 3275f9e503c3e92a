// internal/readmodel/builder.go
// Package readmodel projects a wishlist and its items into the
// guest-safe, versioned snapshot served to public viewers. Snapshots
// are built on demand from ground truth and never persisted.
package readmodel

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/storage"
)

// State classifies the outcome of resolving a share token.
type State int

const (
	StateOK State = iota
	StateNotFound
	StateDisabled
)

// Result is the outcome of a build: either a snapshot or a terminal
// guest-facing state.
type Result struct {
	State    State
	Snapshot *model.Snapshot
}

// Builder computes read-model snapshots from the persistent store.
type Builder struct {
	store storage.Store
}

// NewBuilder creates a snapshot builder.
func NewBuilder(store storage.Store) *Builder {
	return &Builder{store: store}
}

// TokenHash is the stored form of a share token. Only the hash is ever
// persisted or used for lookups.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

// Build resolves the share token and projects the wishlist into a
// versioned snapshot. Not-found and disabled are distinct terminal
// states for guests.
func (b *Builder) Build(ctx context.Context, shareToken string) (Result, error) {
	wishlist, err := b.store.GetWishlistByTokenHash(ctx, TokenHash(shareToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{State: StateNotFound}, nil
		}
		return Result{}, err
	}
	if wishlist.Disabled() {
		return Result{State: StateDisabled}, nil
	}

	items, err := b.store.ListItems(ctx, wishlist.ID)
	if err != nil {
		return Result{}, err
	}
	reserved, err := b.store.ActiveReservations(ctx, wishlist.ID)
	if err != nil {
		return Result{}, err
	}

	snapshot := &model.Snapshot{
		Wishlist: model.GuestWishlist{
			Title:     wishlist.Title,
			Occasion:  wishlist.Occasion,
			EventDate: wishlist.EventDate,
			Currency:  wishlist.Currency,
		},
		Items: make([]model.GuestItem, 0, len(items)),
	}

	for _, item := range items {
		if item.Archived() {
			continue
		}
		_, isReserved := reserved[item.ID]
		snapshot.Items = append(snapshot.Items, ProjectItem(item, isReserved))
	}

	snapshot.Version = computeVersion(snapshot)
	return Result{State: StateOK, Snapshot: snapshot}, nil
}

// ProjectItem produces the guest-safe view of an item. Only availability
// is exposed; the holder identity never reaches guests.
func ProjectItem(item model.Item, reserved bool) model.GuestItem {
	view := model.GuestItem{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		URL:         item.URL,
		ImageURL:    item.ImageURL,
		PriceCents:  item.PriceCents,
		GroupFunded: item.GroupFunded,
		TargetCents: item.TargetCents,
		FundedCents: item.FundedCents,
	}

	if reserved {
		view.Availability = model.AvailabilityReserved
	} else {
		view.Availability = model.AvailabilityAvailable
	}

	if item.GroupFunded && item.TargetCents != nil && *item.TargetCents > 0 {
		ratio := float64(item.FundedCents) / float64(*item.TargetCents)
		if ratio > 1 {
			ratio = 1
		}
		view.ProgressRatio = &ratio
	}

	return view
}

// computeVersion hashes every projected field so the version changes if
// and only if something a guest can observe changed. It is a change
// detector, not an ordering: equality is the only meaningful comparison.
func computeVersion(s *model.Snapshot) string {
	projected := struct {
		Wishlist model.GuestWishlist `json:"wishlist"`
		Items    []model.GuestItem   `json:"items"`
	}{Wishlist: s.Wishlist, Items: s.Items}

	b, _ := json.Marshal(projected)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:16])
}
