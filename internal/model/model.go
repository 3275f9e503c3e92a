// internal/model/model.go
// Package model defines the data structures used throughout the giftwell service.
// These structures represent the core domain objects for wishlists, items,
// reservations and contributions, plus the request/response shapes of the API.
package model

import (
	"time"
)

// ReservationStatus describes the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"    // Holder currently holds the item
	ReservationReleased  ReservationStatus = "released"  // Released by an archive cascade
	ReservationCancelled ReservationStatus = "cancelled" // Voluntarily given up by the holder
)

// Item availability values exposed in the guest read model.
const (
	AvailabilityAvailable = "available"
	AvailabilityReserved  = "reserved"
)

// Wishlist represents a gift registry owned by a single creator.
// The share token is the only public handle; only its hash and a short
// display hint are persisted. This corresponds to the wishlists table.
type Wishlist struct {
	ID             string     `json:"id" db:"id"`                            // Unique wishlist identifier
	OwnerID        string     `json:"ownerId" db:"owner_id"`                 // Identity of the creator
	Title          string     `json:"title" db:"title"`                      // Display title
	Occasion       string     `json:"occasion,omitempty" db:"occasion"`      // Occasion label (birthday, wedding, ...)
	EventDate      *time.Time `json:"eventDate,omitempty" db:"event_date"`   // Optional occasion date
	Currency       string     `json:"currency" db:"currency"`                // ISO 4217 currency code
	ShareTokenHash string     `json:"-" db:"share_token_hash"`               // SHA-256 of the share token
	ShareTokenHint string     `json:"shareTokenHint" db:"share_token_hint"`  // Last characters, for owner display
	DisabledAt     *time.Time `json:"disabledAt,omitempty" db:"disabled_at"` // When guest access was revoked
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
}

// Disabled reports whether guest access to the wishlist has been revoked.
func (w *Wishlist) Disabled() bool { return w.DisabledAt != nil }

// Item represents a single wishlist entry. Prices are always integer
// minor-currency units (cents), never floating point. FundedCents is
// derived from contributions and maintained by the storage layer.
// This corresponds to the items table.
type Item struct {
	ID              string     `json:"id" db:"id"`
	WishlistID      string     `json:"wishlistId" db:"wishlist_id"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description,omitempty" db:"description"`
	URL             string     `json:"url,omitempty" db:"url"`
	PriceCents      int64      `json:"priceCents" db:"price_cents"`
	ImageURL        string     `json:"imageUrl,omitempty" db:"image_url"`
	ArchivedAt      *time.Time `json:"archivedAt,omitempty" db:"archived_at"` // nil = active
	GroupFunded     bool       `json:"groupFunded" db:"group_funded"`
	TargetCents     *int64     `json:"targetCents,omitempty" db:"target_cents"`         // Funding goal, nil when not set
	FundedCents     int64      `json:"fundedCents" db:"funded_cents"`                   // Sum of recorded contributions
	FundingDeadline *time.Time `json:"fundingDeadline,omitempty" db:"funding_deadline"` // Soft deadline from shortfall resolution
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time  `json:"updatedAt" db:"updated_at"`
}

// Archived reports whether the item has been soft-deleted.
func (i *Item) Archived() bool { return i.ArchivedAt != nil }

// TargetReached reports whether a group-funded item has met its target.
func (i *Item) TargetReached() bool {
	return i.TargetCents != nil && i.FundedCents >= *i.TargetCents
}

// Reservation claims an item for a single guest actor. At most one
// reservation per item may be active at any time; the storage layer
// enforces this with a conditional write.
type Reservation struct {
	ID        string            `json:"id" db:"id"`
	ItemID    string            `json:"itemId" db:"item_id"`
	HolderID  string            `json:"-" db:"holder_id"` // Never serialized to guests
	Status    ReservationStatus `json:"status" db:"status"`
	CreatedAt time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time         `json:"updatedAt" db:"updated_at"`
}

// Contribution is a partial payment toward a group-funded item.
// Amounts are positive integer cents. Over-funding is allowed.
type Contribution struct {
	ID            string    `json:"id" db:"id"`
	ItemID        string    `json:"itemId" db:"item_id"`
	ContributorID string    `json:"-" db:"contributor_id"` // Never serialized to guests
	AmountCents   int64     `json:"amountCents" db:"amount_cents"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// Notification is a pending archive notice for the holder of a released
// reservation, carrying ranked replacement suggestions. Emitted by the
// archive cascade and drained by the mail collaborator.
type Notification struct {
	ID               string     `json:"id" db:"id"`
	ItemID           string     `json:"itemId" db:"item_id"`
	Recipient        string     `json:"recipient" db:"recipient"`
	SuggestedItemIDs []string   `json:"suggestedItemIds" db:"suggested_item_ids"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	SentAt           *time.Time `json:"sentAt,omitempty" db:"sent_at"`
}

// AuditEvent is an append-only record of an accepted public mutation.
// This corresponds to the audit_log table.
type AuditEvent struct {
	Sequence   int64          `json:"sequence" db:"seq"`
	Type       string         `json:"type" db:"type"`       // Mutation type (item.reserved, ...)
	Ref        string         `json:"ref" db:"ref"`         // Affected item or wishlist id
	Actor      string         `json:"actor" db:"actor"`     // Self-asserted guest identity
	IP         string         `json:"ip,omitempty" db:"ip"` // Recorded for abuse analysis
	Payload    map[string]any `json:"payload" db:"payload"`
	OccurredAt time.Time      `json:"occurredAt" db:"occurred_at"`
}

// GuestWishlist is the guest-safe projection of a wishlist.
type GuestWishlist struct {
	Title     string     `json:"title"`
	Occasion  string     `json:"occasion,omitempty"`
	EventDate *time.Time `json:"eventDate,omitempty"`
	Currency  string     `json:"currency"`
}

// GuestItem is the guest-safe projection of an item. The reservation
// holder is deliberately absent: guests only see availability.
type GuestItem struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	URL           string   `json:"url,omitempty"`
	ImageURL      string   `json:"imageUrl,omitempty"`
	PriceCents    int64    `json:"priceCents"`
	Availability  string   `json:"availability"` // available | reserved
	GroupFunded   bool     `json:"groupFunded"`
	TargetCents   *int64   `json:"targetCents,omitempty"`
	FundedCents   int64    `json:"fundedCents"`
	ProgressRatio *float64 `json:"progressRatio,omitempty"` // min(funded/target, 1), group-funded only
}

// Snapshot is the versioned guest read model for one wishlist. It is
// recomputed on demand and never persisted.
type Snapshot struct {
	Version  string        `json:"version"`
	Wishlist GuestWishlist `json:"wishlist"`
	Items    []GuestItem   `json:"items"`
}

// ReservationRequest is the body of POST /public/{shareToken}/reservations.
type ReservationRequest struct {
	ItemID string `json:"itemId"`
	Action string `json:"action"` // reserve | unreserve
}

// ContributionRequest is the body of POST /public/{shareToken}/contributions.
type ContributionRequest struct {
	ItemID      string `json:"itemId"`
	AmountCents int64  `json:"amountCents"`
}

// ReservationData is the success payload for a reservation action.
type ReservationData struct {
	Reservation ReservationView `json:"reservation"`
	Item        GuestItem       `json:"item"`
}

// ReservationView is the guest-facing slice of a reservation.
type ReservationView struct {
	Status ReservationStatus `json:"status"`
}

// ContributionData is the success payload for a contribution.
type ContributionData struct {
	Contribution Contribution `json:"contribution"`
	Item         GuestItem    `json:"item"`
}

// CreateWishlistRequest is the owner-side body for creating a wishlist.
type CreateWishlistRequest struct {
	Title     string     `json:"title"`
	Occasion  string     `json:"occasion,omitempty"`
	EventDate *time.Time `json:"eventDate,omitempty"`
	Currency  string     `json:"currency"`
}

// CreateWishlistData returns the wishlist plus the share token and URL.
// The full token is only ever returned here; afterwards the owner sees
// the hint alone.
type CreateWishlistData struct {
	Wishlist   Wishlist `json:"wishlist"`
	ShareToken string   `json:"shareToken"`
	ShareURL   string   `json:"shareUrl"`
}

// CreateItemRequest is the owner-side body for adding an item.
type CreateItemRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	PriceCents  int64  `json:"priceCents"`
	ImageURL    string `json:"imageUrl,omitempty"`
	GroupFunded bool   `json:"groupFunded"`
	TargetCents *int64 `json:"targetCents,omitempty"`
}

// Shortfall resolution actions accepted by POST /v1/items/{id}/shortfall.
const (
	ShortfallExtend      = "extend_7d"
	ShortfallLowerTarget = "lower_target_to_funded"
	ShortfallArchiveItem = "archive_item"
)

// ShortfallRequest is the owner-side body for resolving a funding shortfall.
type ShortfallRequest struct {
	Action string `json:"action"`
}

// ImageUploadData carries a presigned upload URL for an item image.
type ImageUploadData struct {
	UploadURL string    `json:"uploadUrl"`
	ObjectKey string    `json:"objectKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}
