// internal/storage/postgres.go
// Package storage provides the PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS wishlists (
		    id TEXT PRIMARY KEY,
		    owner_id TEXT NOT NULL,
		    title TEXT NOT NULL,
		    occasion TEXT NOT NULL DEFAULT '',
		    event_date TIMESTAMP WITH TIME ZONE,
		    currency TEXT NOT NULL,
		    share_token_hash TEXT NOT NULL UNIQUE,
		    share_token_hint TEXT NOT NULL,
		    disabled_at TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_wishlists_owner ON wishlists(owner_id);

		CREATE TABLE IF NOT EXISTS items (
		    id TEXT PRIMARY KEY,
		    wishlist_id TEXT NOT NULL REFERENCES wishlists(id) ON DELETE CASCADE,
		    title TEXT NOT NULL,
		    description TEXT NOT NULL DEFAULT '',
		    url TEXT NOT NULL DEFAULT '',
		    price_cents BIGINT NOT NULL,
		    image_url TEXT NOT NULL DEFAULT '',
		    archived_at TIMESTAMP WITH TIME ZONE,
		    group_funded BOOLEAN NOT NULL DEFAULT FALSE,
		    target_cents BIGINT,
		    funded_cents BIGINT NOT NULL DEFAULT 0,
		    funding_deadline TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_items_wishlist ON items(wishlist_id, created_at);

		CREATE TABLE IF NOT EXISTS reservations (
		    id TEXT PRIMARY KEY,
		    item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		    holder_id TEXT NOT NULL,
		    status TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- At most one active reservation per item, enforced by the database
		CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_one_active
		    ON reservations(item_id) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS contributions (
		    id TEXT PRIMARY KEY,
		    item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		    contributor_id TEXT NOT NULL,
		    amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_contributions_item ON contributions(item_id, created_at);

		CREATE TABLE IF NOT EXISTS notifications (
		    id TEXT PRIMARY KEY,
		    item_id TEXT NOT NULL,
		    recipient TEXT NOT NULL,
		    suggested_item_ids TEXT[] NOT NULL DEFAULT '{}',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    sent_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_pending ON notifications(created_at) WHERE sent_at IS NULL;

		CREATE TABLE IF NOT EXISTS audit_log (
		    seq BIGSERIAL PRIMARY KEY,
		    type TEXT NOT NULL,
		    ref TEXT NOT NULL,
		    actor TEXT NOT NULL,
		    ip TEXT NOT NULL DEFAULT '',
		    payload JSONB NOT NULL,
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ref ON audit_log(ref);
		CREATE INDEX IF NOT EXISTS idx_audit_log_occurred_at ON audit_log(occurred_at);

		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,
		    request_hash TEXT NOT NULL,
		    committed BOOLEAN NOT NULL DEFAULT FALSE,
		    response_body BYTEA,
		    response_status INTEGER,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// isUniqueViolation reports whether err is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *postgres) CreateWishlist(ctx context.Context, w model.Wishlist) error {
	query := `INSERT INTO wishlists (id, owner_id, title, occasion, event_date, currency,
	          share_token_hash, share_token_hint, disabled_at, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := p.db.Exec(ctx, query, w.ID, w.OwnerID, w.Title, w.Occasion, w.EventDate,
		w.Currency, w.ShareTokenHash, w.ShareTokenHint, w.DisabledAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create wishlist: %w", err)
	}
	return nil
}

const wishlistColumns = `id, owner_id, title, occasion, event_date, currency,
	share_token_hash, share_token_hint, disabled_at, created_at, updated_at`

func scanWishlist(row pgx.Row) (*model.Wishlist, error) {
	var w model.Wishlist
	err := row.Scan(&w.ID, &w.OwnerID, &w.Title, &w.Occasion, &w.EventDate, &w.Currency,
		&w.ShareTokenHash, &w.ShareTokenHint, &w.DisabledAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan wishlist: %w", err)
	}
	return &w, nil
}

func (p *postgres) GetWishlist(ctx context.Context, id string) (*model.Wishlist, error) {
	query := `SELECT ` + wishlistColumns + ` FROM wishlists WHERE id = $1`
	return scanWishlist(p.db.QueryRow(ctx, query, id))
}

func (p *postgres) GetWishlistByTokenHash(ctx context.Context, tokenHash string) (*model.Wishlist, error) {
	query := `SELECT ` + wishlistColumns + ` FROM wishlists WHERE share_token_hash = $1`
	return scanWishlist(p.db.QueryRow(ctx, query, tokenHash))
}

func (p *postgres) UpdateWishlist(ctx context.Context, w model.Wishlist) error {
	query := `UPDATE wishlists SET title = $1, occasion = $2, event_date = $3, currency = $4,
	          disabled_at = $5, updated_at = $6 WHERE id = $7`
	result, err := p.db.Exec(ctx, query, w.Title, w.Occasion, w.EventDate, w.Currency,
		w.DisabledAt, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update wishlist: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) DeleteWishlist(ctx context.Context, id string) error {
	// Items, reservations and contributions cascade via foreign keys
	result, err := p.db.Exec(ctx, `DELETE FROM wishlists WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete wishlist: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const itemColumns = `id, wishlist_id, title, description, url, price_cents, image_url,
	archived_at, group_funded, target_cents, funded_cents, funding_deadline, created_at, updated_at`

func scanItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	err := row.Scan(&it.ID, &it.WishlistID, &it.Title, &it.Description, &it.URL, &it.PriceCents,
		&it.ImageURL, &it.ArchivedAt, &it.GroupFunded, &it.TargetCents, &it.FundedCents,
		&it.FundingDeadline, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	return &it, nil
}

func (p *postgres) CreateItem(ctx context.Context, item model.Item) error {
	query := `INSERT INTO items (id, wishlist_id, title, description, url, price_cents, image_url,
	          archived_at, group_funded, target_cents, funded_cents, funding_deadline, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := p.db.Exec(ctx, query, item.ID, item.WishlistID, item.Title, item.Description,
		item.URL, item.PriceCents, item.ImageURL, item.ArchivedAt, item.GroupFunded,
		item.TargetCents, item.FundedCents, item.FundingDeadline, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

func (p *postgres) GetItem(ctx context.Context, id string) (*model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`
	return scanItem(p.db.QueryRow(ctx, query, id))
}

func (p *postgres) ListItems(ctx context.Context, wishlistID string) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE wishlist_id = $1 ORDER BY created_at, id`
	rows, err := p.db.Query(ctx, query, wishlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func (p *postgres) UpdateItem(ctx context.Context, item model.Item) error {
	query := `UPDATE items SET title = $1, description = $2, url = $3, price_cents = $4,
	          image_url = $5, archived_at = $6, group_funded = $7, target_cents = $8,
	          funding_deadline = $9, updated_at = $10 WHERE id = $11`
	result, err := p.db.Exec(ctx, query, item.Title, item.Description, item.URL, item.PriceCents,
		item.ImageURL, item.ArchivedAt, item.GroupFunded, item.TargetCents, item.FundingDeadline,
		item.UpdatedAt, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ReserveItem(ctx context.Context, r model.Reservation) error {
	// The insert only fires while the item is active; the partial unique
	// index on (item_id) WHERE status = 'active' makes the reserve a true
	// compare-and-swap: of two concurrent reserves, one hits 23505.
	query := `INSERT INTO reservations (id, item_id, holder_id, status, created_at, updated_at)
	          SELECT $1, $2, $3, 'active', $4, $4
	          WHERE EXISTS (SELECT 1 FROM items WHERE id = $2 AND archived_at IS NULL)`
	result, err := p.db.Exec(ctx, query, r.ID, r.ItemID, r.HolderID, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to reserve item: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Item missing or archived; distinguish for the engine
		if _, err := p.GetItem(ctx, r.ItemID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}

	_, err = p.db.Exec(ctx, `UPDATE items SET updated_at = $1 WHERE id = $2`, r.CreatedAt, r.ItemID)
	if err != nil {
		return fmt.Errorf("failed to touch item after reserve: %w", err)
	}
	return nil
}

func (p *postgres) ReleaseReservation(ctx context.Context, itemID, holder string, status model.ReservationStatus) (*model.Reservation, error) {
	now := time.Now().UTC()
	query := `UPDATE reservations SET status = $1, updated_at = $2
	          WHERE item_id = $3 AND status = 'active' AND ($4 = '' OR holder_id = $4)
	          RETURNING id, item_id, holder_id, status, created_at, updated_at`
	var r model.Reservation
	err := p.db.QueryRow(ctx, query, status, now, itemID, holder).Scan(
		&r.ID, &r.ItemID, &r.HolderID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to release reservation: %w", err)
	}

	if _, err := p.db.Exec(ctx, `UPDATE items SET updated_at = $1 WHERE id = $2`, now, itemID); err != nil {
		return nil, fmt.Errorf("failed to touch item after release: %w", err)
	}
	return &r, nil
}

func (p *postgres) GetActiveReservation(ctx context.Context, itemID string) (*model.Reservation, error) {
	query := `SELECT id, item_id, holder_id, status, created_at, updated_at
	          FROM reservations WHERE item_id = $1 AND status = 'active'`
	var r model.Reservation
	err := p.db.QueryRow(ctx, query, itemID).Scan(
		&r.ID, &r.ItemID, &r.HolderID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active reservation: %w", err)
	}
	return &r, nil
}

func (p *postgres) ActiveReservations(ctx context.Context, wishlistID string) (map[string]model.Reservation, error) {
	query := `SELECT r.id, r.item_id, r.holder_id, r.status, r.created_at, r.updated_at
	          FROM reservations r JOIN items i ON i.id = r.item_id
	          WHERE i.wishlist_id = $1 AND r.status = 'active'`
	rows, err := p.db.Query(ctx, query, wishlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active reservations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Reservation)
	for rows.Next() {
		var r model.Reservation
		if err := rows.Scan(&r.ID, &r.ItemID, &r.HolderID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out[r.ItemID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservations: %w", err)
	}
	return out, nil
}

func (p *postgres) AddContribution(ctx context.Context, c model.Contribution) (*model.Item, error) {
	// Append and bump the funded total in one transaction so the derived
	// total always equals the sum of recorded contributions.
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO contributions (id, item_id, contributor_id, amount_cents, created_at)
	                       VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.ItemID, c.ContributorID, c.AmountCents, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to insert contribution: %w", err)
	}

	query := `UPDATE items SET funded_cents = funded_cents + $1, updated_at = $2
	          WHERE id = $3 RETURNING ` + itemColumns
	item, err := scanItem(tx.QueryRow(ctx, query, c.AmountCents, c.CreatedAt, c.ItemID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit contribution: %w", err)
	}
	return item, nil
}

func (p *postgres) ListContributions(ctx context.Context, itemID string) ([]model.Contribution, error) {
	query := `SELECT id, item_id, contributor_id, amount_cents, created_at
	          FROM contributions WHERE item_id = $1 ORDER BY created_at, id`
	rows, err := p.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	out := []model.Contribution{}
	for rows.Next() {
		var c model.Contribution
		if err := rows.Scan(&c.ID, &c.ItemID, &c.ContributorID, &c.AmountCents, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contributions: %w", err)
	}
	return out, nil
}

func (p *postgres) CreateNotification(ctx context.Context, n model.Notification) error {
	query := `INSERT INTO notifications (id, item_id, recipient, suggested_item_ids, created_at, sent_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.Exec(ctx, query, n.ID, n.ItemID, n.Recipient, n.SuggestedItemIDs, n.CreatedAt, n.SentAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (p *postgres) ListPendingNotifications(ctx context.Context) ([]model.Notification, error) {
	query := `SELECT id, item_id, recipient, suggested_item_ids, created_at, sent_at
	          FROM notifications WHERE sent_at IS NULL ORDER BY created_at`
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.ItemID, &n.Recipient, &n.SuggestedItemIDs, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return out, nil
}

func (p *postgres) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.Exec(ctx, `UPDATE notifications SET sent_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) AppendAudit(ctx context.Context, ev model.AuditEvent) error {
	query := `INSERT INTO audit_log (type, ref, actor, ip, payload, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.Exec(ctx, query, ev.Type, ev.Ref, ev.Actor, ev.IP, ev.Payload, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (p *postgres) BeginIdempotent(ctx context.Context, keyHash, requestHash string, ttl time.Duration) (IdemState, []byte, int, error) {
	now := time.Now().UTC()

	// Lazy eviction of the expired entry so the key can be reclaimed
	if _, err := p.db.Exec(ctx, `DELETE FROM idempotency WHERE key_hash = $1 AND expires_at <= $2`, keyHash, now); err != nil {
		return 0, nil, 0, fmt.Errorf("failed to evict expired idempotency entry: %w", err)
	}

	// Claim the key; the primary key makes this the single-winner race.
	// The claim gets the short pending lifetime, not the response TTL:
	// a request that dies uncommitted must not block retries for hours.
	result, err := p.db.Exec(ctx, `INSERT INTO idempotency (key_hash, request_hash, committed, created_at, expires_at)
	                               VALUES ($1, $2, FALSE, $3, $4)
	                               ON CONFLICT (key_hash) DO NOTHING`,
		keyHash, requestHash, now, now.Add(claimTTL(ttl)))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if result.RowsAffected() == 1 {
		return IdemStarted, nil, 0, nil
	}

	// Lost the claim: inspect the existing row
	var existingHash string
	var committed bool
	var body []byte
	var status *int
	err = p.db.QueryRow(ctx, `SELECT request_hash, committed, response_body, response_status
	                          FROM idempotency WHERE key_hash = $1`, keyHash).
		Scan(&existingHash, &committed, &body, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Evicted between the insert and the read; treat as in progress
			return IdemInProgress, nil, 0, nil
		}
		return 0, nil, 0, fmt.Errorf("failed to read idempotency entry: %w", err)
	}

	if existingHash != requestHash {
		return IdemConflict, nil, 0, nil
	}
	if !committed || status == nil {
		return IdemInProgress, nil, 0, nil
	}
	return IdemCached, body, *status, nil
}

func (p *postgres) AbandonIdempotent(ctx context.Context, keyHash string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM idempotency WHERE key_hash = $1 AND committed = FALSE`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to abandon idempotency claim: %w", err)
	}
	return nil
}

func (p *postgres) CommitIdempotent(ctx context.Context, keyHash string, body []byte, status int, expiresAt time.Time) error {
	query := `UPDATE idempotency SET committed = TRUE, response_body = $1, response_status = $2, expires_at = $3
	          WHERE key_hash = $4`
	result, err := p.db.Exec(ctx, query, body, status, expiresAt, keyHash)
	if err != nil {
		return fmt.Errorf("failed to commit idempotent response: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
