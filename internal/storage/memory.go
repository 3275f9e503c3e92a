// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/giftwell/giftwell-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when an entity is not found
	ErrConflict = errors.New("conflict")  // Returned when a conditional write loses
)

// IdemState describes the outcome of opening an idempotency record.
type IdemState int

const (
	IdemStarted    IdemState = iota // No prior record: caller owns the mutation, must commit
	IdemCached                      // Committed record found: replay the stored response
	IdemInProgress                  // Another request with the same key has not committed yet
	IdemConflict                    // Same key, different payload fingerprint
)

// Store defines the storage operations required by the giftwell service.
// It is the single source of truth; components never cache entity state
// across requests. Implemented by the in-memory and PostgreSQL backends.
type Store interface {
	// Wishlist operations
	CreateWishlist(ctx context.Context, w model.Wishlist) error
	GetWishlist(ctx context.Context, id string) (*model.Wishlist, error)
	GetWishlistByTokenHash(ctx context.Context, tokenHash string) (*model.Wishlist, error)
	UpdateWishlist(ctx context.Context, w model.Wishlist) error
	// DeleteWishlist removes the wishlist and cascades to its items,
	// reservations and contributions. The only hard delete in the system.
	DeleteWishlist(ctx context.Context, id string) error

	// Item operations
	CreateItem(ctx context.Context, item model.Item) error
	GetItem(ctx context.Context, id string) (*model.Item, error)
	ListItems(ctx context.Context, wishlistID string) ([]model.Item, error)
	UpdateItem(ctx context.Context, item model.Item) error

	// Reservation operations. ReserveItem is a conditional write: it
	// succeeds only while the item is active and has no active
	// reservation, so concurrent reserves yield exactly one winner.
	ReserveItem(ctx context.Context, r model.Reservation) error
	// ReleaseReservation moves the active reservation on the item to the
	// given terminal status. When holder is non-empty the active
	// reservation must belong to that holder; ErrNotFound otherwise.
	ReleaseReservation(ctx context.Context, itemID, holder string, status model.ReservationStatus) (*model.Reservation, error)
	GetActiveReservation(ctx context.Context, itemID string) (*model.Reservation, error)
	ActiveReservations(ctx context.Context, wishlistID string) (map[string]model.Reservation, error)

	// Contribution operations. AddContribution atomically appends the
	// contribution and increments the item's funded total, returning the
	// updated item.
	AddContribution(ctx context.Context, c model.Contribution) (*model.Item, error)
	ListContributions(ctx context.Context, itemID string) ([]model.Contribution, error)

	// Notification operations for the archive cascade
	CreateNotification(ctx context.Context, n model.Notification) error
	ListPendingNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error

	// Audit log (append-only)
	AppendAudit(ctx context.Context, ev model.AuditEvent) error

	// Idempotency operations. BeginIdempotent atomically claims the key:
	// exactly one concurrent caller observes IdemStarted for a given key.
	// An uncommitted claim lives at most pendingClaimTTL; CommitIdempotent
	// extends it to the full response lifetime. AbandonIdempotent releases
	// an uncommitted claim so a retry can re-execute; committed entries
	// are left intact.
	BeginIdempotent(ctx context.Context, keyHash, requestHash string, ttl time.Duration) (IdemState, []byte, int, error)
	CommitIdempotent(ctx context.Context, keyHash string, body []byte, status int, expiresAt time.Time) error
	AbandonIdempotent(ctx context.Context, keyHash string) error

	// Ping reports backend health for readiness checks.
	Ping(ctx context.Context) error
}

// pendingClaimTTL bounds how long an uncommitted idempotency claim
// survives. A claim only needs to outlive the request holding it; if
// that request dies without committing or abandoning, retries must not
// read REQUEST_IN_PROGRESS for the full response TTL.
const pendingClaimTTL = 30 * time.Second

// claimTTL returns the lifetime for a fresh uncommitted claim.
func claimTTL(ttl time.Duration) time.Duration {
	if ttl < pendingClaimTTL {
		return ttl
	}
	return pendingClaimTTL
}

// idemRecord is a stored idempotency entry.
type idemRecord struct {
	requestHash string
	committed   bool
	body        []byte
	status      int
	expiresAt   time.Time
}

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu            sync.RWMutex
	wishlists     map[string]*model.Wishlist
	byTokenHash   map[string]string // share-token hash -> wishlist id
	items         map[string]*model.Item
	itemsByList   map[string][]string
	reservations  map[string][]*model.Reservation // item id -> history, newest last
	contributions map[string][]*model.Contribution
	notifications map[string]*model.Notification
	audit         []model.AuditEvent
	idempotency   map[string]*idemRecord
	now           func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		wishlists:     make(map[string]*model.Wishlist),
		byTokenHash:   make(map[string]string),
		items:         make(map[string]*model.Item),
		itemsByList:   make(map[string][]string),
		reservations:  make(map[string][]*model.Reservation),
		contributions: make(map[string][]*model.Contribution),
		notifications: make(map[string]*model.Notification),
		idempotency:   make(map[string]*idemRecord),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *memory) CreateWishlist(ctx context.Context, w model.Wishlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wishlists[w.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.byTokenHash[w.ShareTokenHash]; exists {
		return ErrConflict
	}

	wc := w
	m.wishlists[w.ID] = &wc
	m.byTokenHash[w.ShareTokenHash] = w.ID
	return nil
}

func (m *memory) GetWishlist(ctx context.Context, id string) (*model.Wishlist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.wishlists[id]
	if !exists {
		return nil, ErrNotFound
	}
	wc := *w
	return &wc, nil
}

func (m *memory) GetWishlistByTokenHash(ctx context.Context, tokenHash string) (*model.Wishlist, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byTokenHash[tokenHash]
	if !exists {
		return nil, ErrNotFound
	}
	wc := *m.wishlists[id]
	return &wc, nil
}

func (m *memory) UpdateWishlist(ctx context.Context, w model.Wishlist) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wishlists[w.ID]; !exists {
		return ErrNotFound
	}
	wc := w
	m.wishlists[w.ID] = &wc
	return nil
}

func (m *memory) DeleteWishlist(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, exists := m.wishlists[id]
	if !exists {
		return ErrNotFound
	}

	for _, itemID := range m.itemsByList[id] {
		delete(m.items, itemID)
		delete(m.reservations, itemID)
		delete(m.contributions, itemID)
	}
	delete(m.itemsByList, id)
	delete(m.byTokenHash, w.ShareTokenHash)
	delete(m.wishlists, id)
	return nil
}

func (m *memory) CreateItem(ctx context.Context, item model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wishlists[item.WishlistID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.items[item.ID]; exists {
		return ErrConflict
	}

	ic := item
	m.items[item.ID] = &ic
	m.itemsByList[item.WishlistID] = append(m.itemsByList[item.WishlistID], item.ID)
	return nil
}

func (m *memory) GetItem(ctx context.Context, id string) (*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.items[id]
	if !exists {
		return nil, ErrNotFound
	}
	ic := *item
	return &ic, nil
}

func (m *memory) ListItems(ctx context.Context, wishlistID string) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, exists := m.itemsByList[wishlistID]
	if !exists {
		if _, ok := m.wishlists[wishlistID]; !ok {
			return nil, ErrNotFound
		}
		return []model.Item{}, nil
	}

	items := make([]model.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, *m.items[id])
	}
	// Stable order: creation time, then id
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (m *memory) UpdateItem(ctx context.Context, item model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; !exists {
		return ErrNotFound
	}
	ic := item
	m.items[item.ID] = &ic
	return nil
}

// activeReservationLocked returns the active reservation for the item, if any.
// Caller must hold at least a read lock.
func (m *memory) activeReservationLocked(itemID string) *model.Reservation {
	for _, r := range m.reservations[itemID] {
		if r.Status == model.ReservationActive {
			return r
		}
	}
	return nil
}

func (m *memory) ReserveItem(ctx context.Context, r model.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[r.ItemID]
	if !exists {
		return ErrNotFound
	}
	if item.Archived() {
		return ErrConflict
	}
	if m.activeReservationLocked(r.ItemID) != nil {
		return ErrConflict
	}

	rc := r
	rc.Status = model.ReservationActive
	m.reservations[r.ItemID] = append(m.reservations[r.ItemID], &rc)
	item.UpdatedAt = rc.CreatedAt
	return nil
}

func (m *memory) ReleaseReservation(ctx context.Context, itemID, holder string, status model.ReservationStatus) (*model.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeReservationLocked(itemID)
	if active == nil {
		return nil, ErrNotFound
	}
	if holder != "" && active.HolderID != holder {
		return nil, ErrNotFound
	}

	active.Status = status
	active.UpdatedAt = m.now()
	if item, ok := m.items[itemID]; ok {
		item.UpdatedAt = active.UpdatedAt
	}
	rc := *active
	return &rc, nil
}

func (m *memory) GetActiveReservation(ctx context.Context, itemID string) (*model.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := m.activeReservationLocked(itemID)
	if active == nil {
		return nil, ErrNotFound
	}
	rc := *active
	return &rc, nil
}

func (m *memory) ActiveReservations(ctx context.Context, wishlistID string) (map[string]model.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]model.Reservation)
	for _, itemID := range m.itemsByList[wishlistID] {
		if active := m.activeReservationLocked(itemID); active != nil {
			out[itemID] = *active
		}
	}
	return out, nil
}

func (m *memory) AddContribution(ctx context.Context, c model.Contribution) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[c.ItemID]
	if !exists {
		return nil, ErrNotFound
	}

	cc := c
	m.contributions[c.ItemID] = append(m.contributions[c.ItemID], &cc)
	item.FundedCents += c.AmountCents
	item.UpdatedAt = c.CreatedAt
	ic := *item
	return &ic, nil
}

func (m *memory) ListContributions(ctx context.Context, itemID string) ([]model.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.contributions[itemID]
	out := make([]model.Contribution, 0, len(list))
	for _, c := range list {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memory) CreateNotification(ctx context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.notifications[n.ID]; exists {
		return ErrConflict
	}
	nc := n
	m.notifications[n.ID] = &nc
	return nil
}

func (m *memory) ListPendingNotifications(ctx context.Context) ([]model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Notification
	for _, n := range m.notifications {
		if n.SentAt == nil {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memory) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.notifications[id]
	if !exists {
		return ErrNotFound
	}
	n.SentAt = &at
	return nil
}

func (m *memory) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.Sequence = int64(len(m.audit) + 1)
	m.audit = append(m.audit, ev)
	return nil
}

func (m *memory) BeginIdempotent(ctx context.Context, keyHash, requestHash string, ttl time.Duration) (IdemState, []byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.idempotency[keyHash]
	if exists && m.now().After(rec.expiresAt) {
		// Expired entries are treated as absent
		delete(m.idempotency, keyHash)
		exists = false
	}

	if exists {
		if rec.requestHash != requestHash {
			return IdemConflict, nil, 0, nil
		}
		if !rec.committed {
			return IdemInProgress, nil, 0, nil
		}
		body := make([]byte, len(rec.body))
		copy(body, rec.body)
		return IdemCached, body, rec.status, nil
	}

	// Claim the key with an in-progress marker so a concurrent retry
	// with the same key cannot execute the mutation twice.
	m.idempotency[keyHash] = &idemRecord{
		requestHash: requestHash,
		committed:   false,
		expiresAt:   m.now().Add(claimTTL(ttl)),
	}
	return IdemStarted, nil, 0, nil
}

func (m *memory) AbandonIdempotent(ctx context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.idempotency[keyHash]
	if exists && !rec.committed {
		delete(m.idempotency, keyHash)
	}
	return nil
}

func (m *memory) CommitIdempotent(ctx context.Context, keyHash string, body []byte, status int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.idempotency[keyHash]
	if !exists {
		return ErrNotFound
	}

	bc := make([]byte, len(body))
	copy(bc, body)
	rec.body = bc
	rec.status = status
	rec.committed = true
	rec.expiresAt = expiresAt
	return nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }
