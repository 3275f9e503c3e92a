// internal/idempotency/ledger.go
// Package idempotency implements the mutation gate that makes guest
// retries safe. Each public mutation is keyed by (scope, actor,
// client-supplied key); replays within the TTL return the stored
// response verbatim, and key reuse with a different payload is rejected.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giftwell/giftwell-go/internal/storage"
)

// Outcome is the result of checking a mutation against the ledger.
type Outcome int

const (
	New        Outcome = iota // Caller owns the mutation and must Commit exactly once
	Cached                    // Replay the stored response verbatim
	Conflict                  // Key reused with a different payload fingerprint
	InProgress                // Concurrent request with the same key has not committed
)

// Result carries the cached response for the Cached outcome.
type Result struct {
	Outcome Outcome
	Status  int
	Body    []byte
}

// Ledger maps (scope, actor, key) to cached responses through the
// persistent store.
type Ledger struct {
	store storage.Store
	ttl   time.Duration
}

// NewLedger creates a ledger with the given response TTL.
func NewLedger(store storage.Store, ttl time.Duration) *Ledger {
	return &Ledger{store: store, ttl: ttl}
}

// TTL returns the configured response lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// keyHash scopes the client-supplied key to the acting identity and
// operation so the same key string cannot collide across actors.
func keyHash(scope, actor, key string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + actor + "\x00" + key))
	return fmt.Sprintf("%x", sum)
}

// Fingerprint produces a structural hash of a JSON payload. Field order
// is irrelevant: the payload is decoded and re-encoded through Go maps,
// whose JSON marshaling sorts object keys.
func Fingerprint(payload []byte) string {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		// Unparsable payloads are fingerprinted raw; validation rejects
		// them before any mutation runs anyway.
		sum := sha256.Sum256(payload)
		return fmt.Sprintf("%x", sum)
	}
	canonical, _ := json.Marshal(doc)
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)
}

// Check opens the ledger entry for a mutation. On New the caller must
// perform the mutation and settle the claim exactly once: Commit for
// terminal outcomes, including client errors, so retries observe the
// same response, or Abandon for transient failures so retries
// re-execute.
func (l *Ledger) Check(ctx context.Context, scope, actor, key string, payload []byte) (Result, error) {
	state, body, status, err := l.store.BeginIdempotent(ctx, keyHash(scope, actor, key), Fingerprint(payload), l.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency check failed: %w", err)
	}

	switch state {
	case storage.IdemStarted:
		return Result{Outcome: New}, nil
	case storage.IdemCached:
		return Result{Outcome: Cached, Status: status, Body: body}, nil
	case storage.IdemConflict:
		return Result{Outcome: Conflict}, nil
	default:
		return Result{Outcome: InProgress}, nil
	}
}

// Abandon releases the claim opened by Check without storing a
// response. It is used instead of Commit when the mutation ends in a
// transient failure: the retry must re-execute, not replay or block on
// an in-progress marker.
func (l *Ledger) Abandon(ctx context.Context, scope, actor, key string) error {
	if err := l.store.AbandonIdempotent(ctx, keyHash(scope, actor, key)); err != nil {
		return fmt.Errorf("idempotency abandon failed: %w", err)
	}
	return nil
}

// Commit stores the terminal response for a mutation previously opened
// with Check.
func (l *Ledger) Commit(ctx context.Context, scope, actor, key string, status int, body []byte) error {
	expiresAt := time.Now().UTC().Add(l.ttl)
	if err := l.store.CommitIdempotent(ctx, keyHash(scope, actor, key), body, status, expiresAt); err != nil {
		return fmt.Errorf("idempotency commit failed: %w", err)
	}
	return nil
}
