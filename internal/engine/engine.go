// internal/engine/engine.go
// Package engine implements the item mutation state machine: reserve,
// unreserve, contribute, archive and funding-shortfall resolution.
// Every failure is a typed result value so callers branch explicitly on
// each kind; only storage breakage surfaces as a plain error.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errordefs "github.com/giftwell/giftwell-go/internal/errors"
	"github.com/giftwell/giftwell-go/internal/event"
	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/notify"
	"github.com/giftwell/giftwell-go/internal/storage"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Kind identifies a state-machine failure.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindForbidden           Kind = "FORBIDDEN"
	KindAlreadyReserved     Kind = Kind(errordefs.ReasonAlreadyReserved)
	KindNoActiveReservation Kind = Kind(errordefs.ReasonNoActiveReservation)
	KindNotGroupFunded      Kind = Kind(errordefs.ReasonNotGroupFunded)
	KindInvalidAmount       Kind = Kind(errordefs.ReasonInvalidAmount)
	KindArchived            Kind = Kind(errordefs.ReasonArchived)
	KindTargetReached       Kind = Kind(errordefs.ReasonTargetReached)
	KindTargetUnset         Kind = Kind(errordefs.ReasonTargetUnset)
)

// Failure is a typed state-machine rejection. It satisfies error so it
// can travel through normal return paths, but callers are expected to
// unwrap it with AsFailure and branch on Kind.
type Failure struct {
	Kind    Kind
	Message string
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Kind, f.Message) }

func fail(kind Kind, message string) error { return &Failure{Kind: kind, Message: message} }

// AsFailure extracts a typed Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Meta identifies the acting party for audit purposes. IP is recorded
// but never used for authorization decisions.
type Meta struct {
	Actor string
	IP    string
}

// Number of replacement suggestions ranked into an archive notice.
const suggestionLimit = 3

// Engine applies item state transitions against the persistent store.
type Engine struct {
	store                storage.Store
	pub                  event.Publisher
	notifier             *notify.Notifier
	minContributionCents int64
	now                  func() time.Time
}

// New creates an engine. minContributionCents is the smallest accepted
// contribution (one whole currency unit for two-decimal currencies).
func New(store storage.Store, pub event.Publisher, notifier *notify.Notifier, minContributionCents int64) *Engine {
	if minContributionCents <= 0 {
		minContributionCents = 100
	}
	return &Engine{
		store:                store,
		pub:                  pub,
		notifier:             notifier,
		minContributionCents: minContributionCents,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

// newContributionID returns a lexicographically ordered contribution id.
func newContributionID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.Monotonic(rand.Reader, 0)).String()
}

// Reserve claims the item for the actor. Exactly one of two concurrent
// reserves succeeds; the loser observes ALREADY_RESERVED.
func (e *Engine) Reserve(ctx context.Context, itemID string, meta Meta) (*model.Item, *model.Reservation, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fail(KindNotFound, "item not found")
		}
		return nil, nil, err
	}
	if item.Archived() {
		return nil, nil, fail(KindArchived, "item is archived")
	}

	r := model.Reservation{
		ID:        uuid.New().String(),
		ItemID:    itemID,
		HolderID:  meta.Actor,
		Status:    model.ReservationActive,
		CreatedAt: e.now(),
		UpdatedAt: e.now(),
	}
	if err := e.store.ReserveItem(ctx, r); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return nil, nil, fail(KindAlreadyReserved, "item is already reserved")
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil, fail(KindNotFound, "item not found")
		default:
			return nil, nil, err
		}
	}

	updated, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}

	e.audit(ctx, "item.reserved", itemID, meta, map[string]any{"reservationId": r.ID})
	e.publish(ctx, "reserved", updated)
	return updated, &r, nil
}

// Unreserve releases the actor's active reservation. A wrong-actor
// attempt reports the same NO_ACTIVE_RESERVATION as a missing one so the
// holder's identity cannot be probed.
func (e *Engine) Unreserve(ctx context.Context, itemID string, meta Meta) (*model.Item, *model.Reservation, error) {
	if _, err := e.store.GetItem(ctx, itemID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fail(KindNotFound, "item not found")
		}
		return nil, nil, err
	}

	released, err := e.store.ReleaseReservation(ctx, itemID, meta.Actor, model.ReservationCancelled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fail(KindNoActiveReservation, "no active reservation")
		}
		return nil, nil, err
	}

	updated, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}

	e.audit(ctx, "item.unreserved", itemID, meta, map[string]any{"reservationId": released.ID})
	e.publish(ctx, "unreserved", updated)
	return updated, released, nil
}

// Contribute appends a contribution to a group-funded item and bumps the
// funded total. Over-funding past the target is allowed.
func (e *Engine) Contribute(ctx context.Context, itemID string, amountCents int64, meta Meta) (*model.Item, *model.Contribution, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fail(KindNotFound, "item not found")
		}
		return nil, nil, err
	}
	if item.Archived() {
		return nil, nil, fail(KindArchived, "item is archived")
	}
	if !item.GroupFunded {
		return nil, nil, fail(KindNotGroupFunded, "item does not accept contributions")
	}
	if amountCents < e.minContributionCents {
		return nil, nil, fail(KindInvalidAmount,
			fmt.Sprintf("amount must be at least %d cents", e.minContributionCents))
	}

	c := model.Contribution{
		ID:            newContributionID(e.now()),
		ItemID:        itemID,
		ContributorID: meta.Actor,
		AmountCents:   amountCents,
		CreatedAt:     e.now(),
	}
	updated, err := e.store.AddContribution(ctx, c)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fail(KindNotFound, "item not found")
		}
		return nil, nil, err
	}

	e.audit(ctx, "item.contributed", itemID, meta, map[string]any{
		"contributionId": c.ID,
		"amountCents":    amountCents,
	})
	e.publish(ctx, "contributed", updated)
	return updated, &c, nil
}

// Archive soft-deletes the item, releases any active reservation and
// queues a notification for the displaced reserver. The notification
// side effect can fail without rolling back the archive. Archiving an
// already-archived item is a no-op.
func (e *Engine) Archive(ctx context.Context, itemID, owner string) (*model.Item, error) {
	item, err := e.ownedItem(ctx, itemID, owner)
	if err != nil {
		return nil, err
	}
	if item.Archived() {
		return item, nil
	}
	return e.archive(ctx, item)
}

// archive performs the cascade after ownership has been verified.
func (e *Engine) archive(ctx context.Context, item *model.Item) (*model.Item, error) {
	now := e.now()
	item.ArchivedAt = &now
	item.UpdatedAt = now
	if err := e.store.UpdateItem(ctx, *item); err != nil {
		return nil, err
	}

	var notification *model.Notification
	released, err := e.store.ReleaseReservation(ctx, item.ID, "", model.ReservationReleased)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if released != nil {
		notification = e.queueArchiveNotice(ctx, item, released.HolderID)
	}

	if err := e.pub.PublishItemArchived(ctx, *item, notification); err != nil {
		slog.Warn("failed to publish item archived event", "item", item.ID, "error", err)
	}
	return item, nil
}

// queueArchiveNotice ranks replacement suggestions, persists the pending
// notice and attempts immediate delivery. Any failure here degrades to a
// pending record; the archive itself has already committed.
func (e *Engine) queueArchiveNotice(ctx context.Context, item *model.Item, recipient string) *model.Notification {
	var suggestions []model.Item
	if siblings, err := e.store.ListItems(ctx, item.WishlistID); err == nil {
		suggestions = notify.RankReplacements(*item, siblings, suggestionLimit)
	} else {
		slog.Warn("failed to rank replacement suggestions", "item", item.ID, "error", err)
	}

	ids := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		ids = append(ids, s.ID)
	}
	n := model.Notification{
		ID:               uuid.New().String(),
		ItemID:           item.ID,
		Recipient:        recipient,
		SuggestedItemIDs: ids,
		CreatedAt:        e.now(),
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		slog.Warn("failed to queue archive notice", "item", item.ID, "error", err)
		return nil
	}

	if e.notifier != nil && e.notifier.Deliver(ctx, n, *item, suggestions) {
		if err := e.store.MarkNotificationSent(ctx, n.ID, e.now()); err != nil {
			slog.Warn("failed to mark archive notice sent", "notification", n.ID, "error", err)
		}
	}
	return &n
}

// ResolveShortfall applies one of the owner's shortfall decisions to a
// group-funded item whose target has not been met.
func (e *Engine) ResolveShortfall(ctx context.Context, itemID, owner, action string) (*model.Item, error) {
	item, err := e.ownedItem(ctx, itemID, owner)
	if err != nil {
		return nil, err
	}
	if item.Archived() {
		return nil, fail(KindArchived, "item is archived")
	}
	if !item.GroupFunded {
		return nil, fail(KindNotGroupFunded, "item is not group funded")
	}
	if item.TargetCents == nil {
		return nil, fail(KindTargetUnset, "item has no funding target")
	}
	if item.TargetReached() {
		return nil, fail(KindTargetReached, "funding target already reached")
	}

	now := e.now()
	switch action {
	case model.ShortfallExtend:
		deadline := now.Add(7 * 24 * time.Hour)
		if item.FundingDeadline != nil && item.FundingDeadline.After(now) {
			deadline = item.FundingDeadline.Add(7 * 24 * time.Hour)
		}
		item.FundingDeadline = &deadline
	case model.ShortfallLowerTarget:
		funded := item.FundedCents
		item.TargetCents = &funded
	case model.ShortfallArchiveItem:
		return e.archive(ctx, item)
	default:
		// The HTTP layer validates the action; reaching here is a bug
		return nil, fmt.Errorf("unknown shortfall action %q", action)
	}

	item.UpdatedAt = now
	if err := e.store.UpdateItem(ctx, *item); err != nil {
		return nil, err
	}
	return item, nil
}

// ownedItem loads the item and verifies the actor owns its wishlist.
// Mismatch is FORBIDDEN, not NOT_FOUND: owner endpoints are
// authenticated, so there is no enumeration concern here.
func (e *Engine) ownedItem(ctx context.Context, itemID, owner string) (*model.Item, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fail(KindNotFound, "item not found")
		}
		return nil, err
	}

	wishlist, err := e.store.GetWishlist(ctx, item.WishlistID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fail(KindNotFound, "wishlist not found")
		}
		return nil, err
	}
	if wishlist.OwnerID != owner {
		return nil, fail(KindForbidden, "not the wishlist owner")
	}
	return item, nil
}

// audit records an accepted mutation; failures are logged, not surfaced.
func (e *Engine) audit(ctx context.Context, eventType, ref string, meta Meta, payload map[string]any) {
	ev := model.AuditEvent{
		Type:       eventType,
		Ref:        ref,
		Actor:      meta.Actor,
		IP:         meta.IP,
		Payload:    payload,
		OccurredAt: e.now(),
	}
	if err := e.store.AppendAudit(ctx, ev); err != nil {
		slog.Warn("failed to append audit event", "type", eventType, "ref", ref, "error", err)
	}
}

// publish announces a guest action; failures are logged, not surfaced.
func (e *Engine) publish(ctx context.Context, action string, item *model.Item) {
	if err := e.pub.PublishGuestAction(ctx, action, item.WishlistID, *item); err != nil {
		slog.Warn("failed to publish guest action event", "action", action, "item", item.ID, "error", err)
	}
}
