// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the
// giftwell service: the public share-token surface guests mutate
// through, the JWT-protected owner surface, and the ops endpoints.
package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/giftwell/giftwell-go/internal/auth"
	"github.com/giftwell/giftwell-go/internal/config"
	"github.com/giftwell/giftwell-go/internal/engine"
	errordefs "github.com/giftwell/giftwell-go/internal/errors"
	"github.com/giftwell/giftwell-go/internal/idempotency"
	"github.com/giftwell/giftwell-go/internal/media"
	"github.com/giftwell/giftwell-go/internal/metrics"
	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/ratelimit"
	"github.com/giftwell/giftwell-go/internal/readmodel"
	"github.com/giftwell/giftwell-go/internal/schema"
	"github.com/giftwell/giftwell-go/internal/storage"
	"github.com/giftwell/giftwell-go/internal/stream"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyOwner         ContextKey = "owner"         // Stores the owner identity from the JWT subject
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Required headers on public mutations
	HeaderActorID        = "X-Actor-Id"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	// Set on responses replayed from the idempotency ledger
	HeaderIdempotentReplay = "X-Idempotent-Replay"

	// Idempotency scopes, one per public mutation endpoint
	scopeReservation  = "public.reservation"
	scopeContribution = "public.contribution"

	maxBodyBytes = 1 << 20 // 1 MiB request body cap
)

// Mux handles HTTP requests for the giftwell service. It owns the
// public mutation pipeline (rate limit, idempotency gate, schema
// validation, engine dispatch) and the owner CRUD surface.
type Mux struct {
	mux       *http.ServeMux
	s         storage.Store
	engine    *engine.Engine
	builder   *readmodel.Builder
	stream    *stream.Server
	ledger    *idempotency.Ledger
	limiter   *ratelimit.Limiter
	verifier  *auth.Verifier
	validator *schema.Validator
	images    *media.ImageStore // nil when object storage is not configured
	metrics   *metrics.Metrics

	rateLimitPerMinute int
	canonicalHost      string
}

// NewMux creates the HTTP mux with all giftwell endpoints registered.
// images may be nil; the image endpoint then reports unavailable.
func NewMux(s storage.Store, eng *engine.Engine, builder *readmodel.Builder, streamSrv *stream.Server, ledger *idempotency.Ledger, limiter *ratelimit.Limiter, verifier *auth.Verifier, images *media.ImageStore, cfg config.Config) *http.ServeMux {
	validator, err := schema.NewValidator()
	if err != nil {
		slog.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  s,
		engine:             eng,
		builder:            builder,
		stream:             streamSrv,
		ledger:             ledger,
		limiter:            limiter,
		verifier:           verifier,
		validator:          validator,
		images:             images,
		metrics:            metrics.NewMetrics(),
		rateLimitPerMinute: cfg.RateLimitPerMinute,
		canonicalHost:      strings.TrimSuffix(cfg.CanonicalHost, "/"),
	}

	// Ops endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	// Public share-token surface
	m.mux.HandleFunc("POST /public/{shareToken}/reservations", m.withMiddleware(m.handleReservationAction))
	m.mux.HandleFunc("POST /public/{shareToken}/contributions", m.withMiddleware(m.handleContribution))
	m.mux.HandleFunc("GET /public/{shareToken}/snapshot", m.withMiddleware(m.handleSnapshot))
	m.mux.HandleFunc("GET /public/{shareToken}/stream", m.handleStream)

	// Owner surface
	m.mux.HandleFunc("POST /v1/wishlists", m.withMiddleware(m.withOwner(m.handleCreateWishlist)))
	m.mux.HandleFunc("GET /v1/wishlists/{id}", m.withMiddleware(m.withOwner(m.handleGetWishlist)))
	m.mux.HandleFunc("DELETE /v1/wishlists/{id}", m.withMiddleware(m.withOwner(m.handleDeleteWishlist)))
	m.mux.HandleFunc("POST /v1/wishlists/{id}/items", m.withMiddleware(m.withOwner(m.handleCreateItem)))
	m.mux.HandleFunc("POST /v1/items/{id}/archive", m.withMiddleware(m.withOwner(m.handleArchiveItem)))
	m.mux.HandleFunc("POST /v1/items/{id}/shortfall", m.withMiddleware(m.withOwner(m.handleShortfall)))
	m.mux.HandleFunc("POST /v1/items/{id}/image", m.withMiddleware(m.withOwner(m.handleItemImage)))

	return m.mux
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMiddleware attaches a correlation ID and records request logs
// and metrics for every wrapped handler.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		duration := time.Since(start)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Observe(duration.Seconds())
		m.logRequest(r, rec.status, duration, correlationID)
	}
}

// withOwner requires a valid bearer token and stores its subject as the
// acting owner.
func (m *Mux) withOwner(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := correlationIDFrom(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.writeErrorDef(w, errordefs.New(errordefs.GW_AUTH_REQUIRED, "missing Authorization header", correlationID))
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			m.writeErrorDef(w, errordefs.New(errordefs.GW_AUTH_REQUIRED, "invalid Authorization header format", correlationID))
			return
		}

		subject, err := m.verifier.VerifySubject(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			m.writeErrorDef(w, errordefs.New(errordefs.GW_AUTH_REQUIRED, fmt.Sprintf("token verification failed: %v", err), correlationID))
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), ContextKeyOwner, subject))
		h(w, r)
	}
}

func correlationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

func ownerFrom(ctx context.Context) string {
	if owner, ok := ctx.Value(ContextKeyOwner).(string); ok {
		return owner
	}
	return ""
}

// writeSuccess writes a successful response in the {data} envelope
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes an error response in the {error} envelope
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": err})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}

	if owner := ownerFrom(r.Context()); owner != "" {
		attrs = append(attrs, slog.String("owner", owner))
	}

	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	slog.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.s.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ---- public surface ----

// handleSnapshot handles GET /public/{shareToken}/snapshot
func (m *Mux) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())

	result, err := m.builder.Build(r.Context(), r.PathValue("shareToken"))
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to build snapshot", correlationID))
		return
	}
	// Disabled lists are indistinguishable from unknown tokens for guests
	if result.State != readmodel.StateOK {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_NOT_FOUND, "wishlist not found", correlationID))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	m.writeSuccess(w, http.StatusOK, result.Snapshot)
}

// handleStream handles GET /public/{shareToken}/stream. It bypasses the
// logging middleware: the connection is long-lived and logs its own
// lifecycle.
func (m *Mux) handleStream(w http.ResponseWriter, r *http.Request) {
	m.stream.Serve(w, r, r.PathValue("shareToken"))
}

// mutationOutcome is a terminal response produced inside the public
// mutation pipeline. Committed outcomes are stored in the ledger before
// being written so a retry replays the exact bytes.
type mutationOutcome struct {
	status int
	data   interface{}      // success payload, nil on error
	errDef *errordefs.Error // error payload, nil on success
}

func outcomeOK(status int, data interface{}) mutationOutcome {
	return mutationOutcome{status: status, data: data}
}

func outcomeErr(err *errordefs.Error) mutationOutcome {
	return mutationOutcome{status: err.HTTPStatus, errDef: err}
}

// handleReservationAction handles POST /public/{shareToken}/reservations
func (m *Mux) handleReservationAction(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("giftwell-service").Start(r.Context(), "handleReservationAction")
	defer span.End()

	m.runPublicMutation(w, r.WithContext(ctx), "reservation", scopeReservation, schema.PublicReservation,
		func(ctx context.Context, wishlist *model.Wishlist, body []byte, meta engine.Meta, correlationID string) mutationOutcome {
			var req model.ReservationRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return outcomeErr(errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
			}
			span.SetAttributes(
				attribute.String("item_id", req.ItemID),
				attribute.String("action", req.Action),
			)

			if out, ok := m.requireListedItem(ctx, wishlist, req.ItemID, correlationID); !ok {
				return out
			}

			var (
				item        *model.Item
				reservation *model.Reservation
				err         error
			)
			switch req.Action {
			case "reserve":
				item, reservation, err = m.engine.Reserve(ctx, req.ItemID, meta)
			case "unreserve":
				item, reservation, err = m.engine.Unreserve(ctx, req.ItemID, meta)
			default:
				return outcomeErr(errordefs.NewWithDetails(errordefs.GW_VALIDATION, "unknown action", correlationID,
					map[string]string{"action": "must be reserve or unreserve"}))
			}
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return m.failureOutcome(err, correlationID)
			}

			return outcomeOK(http.StatusOK, model.ReservationData{
				Reservation: model.ReservationView{Status: reservation.Status},
				Item:        m.guestView(ctx, item),
			})
		})
}

// handleContribution handles POST /public/{shareToken}/contributions
func (m *Mux) handleContribution(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("giftwell-service").Start(r.Context(), "handleContribution")
	defer span.End()

	m.runPublicMutation(w, r.WithContext(ctx), "contribution", scopeContribution, schema.PublicContribution,
		func(ctx context.Context, wishlist *model.Wishlist, body []byte, meta engine.Meta, correlationID string) mutationOutcome {
			var req model.ContributionRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return outcomeErr(errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
			}
			span.SetAttributes(
				attribute.String("item_id", req.ItemID),
				attribute.Int64("amount_cents", req.AmountCents),
			)

			if out, ok := m.requireListedItem(ctx, wishlist, req.ItemID, correlationID); !ok {
				return out
			}

			item, contribution, err := m.engine.Contribute(ctx, req.ItemID, req.AmountCents, meta)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return m.failureOutcome(err, correlationID)
			}

			return outcomeOK(http.StatusCreated, model.ContributionData{
				Contribution: *contribution,
				Item:         m.guestView(ctx, item),
			})
		})
}

// runPublicMutation is the shared pipeline for public mutations:
// identity headers, rate limit, idempotency gate, schema validation,
// share-token resolution, then the endpoint-specific apply function.
// Once the ledger admits the mutation it runs on a detached context so
// a client disconnect cannot abort it between execution and commit.
func (m *Mux) runPublicMutation(w http.ResponseWriter, r *http.Request, action, scope, schemaName string, apply func(ctx context.Context, wishlist *model.Wishlist, body []byte, meta engine.Meta, correlationID string) mutationOutcome) {
	correlationID := correlationIDFrom(r.Context())

	body, err := readBody(r)
	if err != nil {
		m.countAction(action, "rejected")
		m.writeErrorDef(w, errordefs.New(errordefs.GW_BAD_REQUEST, "failed to read request body", correlationID))
		return
	}

	actor := strings.TrimSpace(r.Header.Get(HeaderActorID))
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if actor == "" || key == "" {
		details := map[string]string{}
		if actor == "" {
			details[HeaderActorID] = "required"
		}
		if key == "" {
			details[HeaderIdempotencyKey] = "required"
		}
		m.countAction(action, "rejected")
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.GW_VALIDATION, "missing required headers", correlationID, details))
		return
	}

	decision := m.limiter.Consume(scope, actor, remoteIP(r), m.rateLimitPerMinute)
	if !decision.Admitted {
		m.metrics.RateLimitRejected.WithLabelValues(scope).Inc()
		m.countAction(action, "rate_limited")
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.GW_RATE_LIMITED, "rate limit exceeded", correlationID,
			map[string]int{"retryAfterSeconds": decision.RetryAfterSeconds}))
		return
	}

	// The mutation and its ledger commit must survive the client going
	// away, otherwise a retry could re-execute a half-finished mutation.
	ctx := context.WithoutCancel(r.Context())

	check, err := m.ledger.Check(ctx, scope, actor, key, body)
	if err != nil {
		m.countAction(action, "error")
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "idempotency check failed", correlationID))
		return
	}
	switch check.Outcome {
	case idempotency.Cached:
		m.metrics.IdempotentReplayTotal.Inc()
		m.countAction(action, "replayed")
		w.Header().Set(HeaderIdempotentReplay, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(check.Status)
		_, _ = w.Write(check.Body)
		return
	case idempotency.Conflict:
		m.countAction(action, "rejected")
		m.writeErrorDef(w, errordefs.New(errordefs.GW_IDEMPOTENCY_KEY_REUSED, "idempotency key reused with a different payload", correlationID))
		return
	case idempotency.InProgress:
		m.countAction(action, "rejected")
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.GW_CONFLICT, "request with this idempotency key is still in progress", correlationID,
			map[string]string{"reason": errordefs.ReasonRequestInProgress}))
		return
	}

	// From here on this request owns the ledger entry and every terminal
	// outcome below is committed before it is written.
	outcome := m.executeMutation(ctx, r, schemaName, body, engine.Meta{Actor: actor, IP: remoteIP(r)}, correlationID, apply)

	m.commitAndWrite(ctx, w, scope, actor, key, action, outcome)
}

// executeMutation validates and applies a mutation the ledger has
// admitted as new.
func (m *Mux) executeMutation(ctx context.Context, r *http.Request, schemaName string, body []byte, meta engine.Meta, correlationID string, apply func(ctx context.Context, wishlist *model.Wishlist, body []byte, meta engine.Meta, correlationID string) mutationOutcome) mutationOutcome {
	details, err := m.validator.Validate(schemaName, body)
	if err != nil {
		return outcomeErr(errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
	}
	if details != nil {
		return outcomeErr(errordefs.NewWithDetails(errordefs.GW_VALIDATION, "request validation failed", correlationID, details))
	}

	wishlist, err := m.s.GetWishlistByTokenHash(ctx, readmodel.TokenHash(r.PathValue("shareToken")))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcomeErr(errordefs.New(errordefs.GW_NOT_FOUND, "wishlist not found", correlationID))
		}
		return outcomeErr(errordefs.New(errordefs.GW_INTERNAL, "failed to resolve wishlist", correlationID))
	}
	if wishlist.Disabled() {
		return outcomeErr(errordefs.New(errordefs.GW_NOT_FOUND, "wishlist not found", correlationID))
	}

	return apply(ctx, wishlist, body, meta, correlationID)
}

// commitAndWrite stores the terminal response in the ledger, then
// writes the exact committed bytes. Internal errors are not committed:
// they are transient, so the claim is released and a retry re-executes.
func (m *Mux) commitAndWrite(ctx context.Context, w http.ResponseWriter, scope, actor, key, action string, outcome mutationOutcome) {
	var envelope interface{}
	if outcome.errDef != nil {
		envelope = map[string]interface{}{"error": outcome.errDef}
	} else {
		envelope = map[string]interface{}{"data": outcome.data}
	}

	respBody, err := json.Marshal(envelope)
	if err != nil {
		m.countAction(action, "error")
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to encode response", correlationIDOf(outcome)))
		return
	}
	respBody = append(respBody, '\n')

	if outcome.status < http.StatusInternalServerError {
		if err := m.ledger.Commit(ctx, scope, actor, key, outcome.status, respBody); err != nil {
			slog.Error("idempotency commit failed", "scope", scope, "error", err)
		}
	} else {
		// Release the claim so the retry re-executes instead of reading
		// REQUEST_IN_PROGRESS until the claim expires
		if err := m.ledger.Abandon(ctx, scope, actor, key); err != nil {
			slog.Error("idempotency abandon failed", "scope", scope, "error", err)
		}
	}

	if outcome.errDef != nil {
		m.countAction(action, "rejected")
	} else {
		m.countAction(action, "accepted")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.status)
	_, _ = w.Write(respBody)
}

func correlationIDOf(outcome mutationOutcome) string {
	if outcome.errDef != nil {
		return outcome.errDef.CorrelationID
	}
	return ""
}

// requireListedItem confirms the item exists and belongs to the
// resolved wishlist. Items on other lists read as not found so tokens
// cannot be used to probe foreign items.
func (m *Mux) requireListedItem(ctx context.Context, wishlist *model.Wishlist, itemID, correlationID string) (mutationOutcome, bool) {
	item, err := m.s.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcomeErr(errordefs.New(errordefs.GW_NOT_FOUND, "item not found", correlationID)), false
		}
		return outcomeErr(errordefs.New(errordefs.GW_INTERNAL, "failed to load item", correlationID)), false
	}
	if item.WishlistID != wishlist.ID {
		return outcomeErr(errordefs.New(errordefs.GW_NOT_FOUND, "item not found", correlationID)), false
	}
	return mutationOutcome{}, true
}

// guestView projects an item for a mutation response, resolving its
// current availability.
func (m *Mux) guestView(ctx context.Context, item *model.Item) model.GuestItem {
	reserved := false
	if _, err := m.s.GetActiveReservation(ctx, item.ID); err == nil {
		reserved = true
	}
	return readmodel.ProjectItem(*item, reserved)
}

// failureOutcome maps an engine failure to the error taxonomy.
func (m *Mux) failureOutcome(err error, correlationID string) mutationOutcome {
	f, ok := engine.AsFailure(err)
	if !ok {
		return outcomeErr(errordefs.New(errordefs.GW_INTERNAL, "mutation failed", correlationID))
	}

	switch f.Kind {
	case engine.KindNotFound:
		return outcomeErr(errordefs.New(errordefs.GW_NOT_FOUND, f.Message, correlationID))
	case engine.KindForbidden:
		return outcomeErr(errordefs.New(errordefs.GW_FORBIDDEN, f.Message, correlationID))
	case engine.KindInvalidAmount:
		return outcomeErr(errordefs.NewWithDetails(errordefs.GW_VALIDATION, f.Message, correlationID,
			map[string]string{"amountCents": f.Message}))
	default:
		return outcomeErr(errordefs.NewWithDetails(errordefs.GW_CONFLICT, f.Message, correlationID,
			map[string]string{"reason": string(f.Kind)}))
	}
}

func (m *Mux) countAction(action, outcome string) {
	m.metrics.GuestActionTotal.WithLabelValues(action, outcome).Inc()
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---- owner surface ----

// handleCreateWishlist handles POST /v1/wishlists
func (m *Mux) handleCreateWishlist(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())
	owner := ownerFrom(r.Context())

	body, err := readBody(r)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_BAD_REQUEST, "failed to read request body", correlationID))
		return
	}
	if _, ok := m.validated(w, schema.OwnerWishlist, body, correlationID); !ok {
		return
	}

	var req model.CreateWishlistRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
		return
	}

	token, err := newShareToken()
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to generate share token", correlationID))
		return
	}

	now := time.Now().UTC()
	wishlist := model.Wishlist{
		ID:             uuid.New().String(),
		OwnerID:        owner,
		Title:          req.Title,
		Occasion:       req.Occasion,
		EventDate:      req.EventDate,
		Currency:       req.Currency,
		ShareTokenHash: readmodel.TokenHash(token),
		ShareTokenHint: tokenHint(token),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.s.CreateWishlist(r.Context(), wishlist); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to create wishlist", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusCreated, model.CreateWishlistData{
		Wishlist:   wishlist,
		ShareToken: token,
		ShareURL:   fmt.Sprintf("%s/public/%s/snapshot", m.canonicalHost, token),
	})
}

// handleGetWishlist handles GET /v1/wishlists/{id}
func (m *Mux) handleGetWishlist(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())

	wishlist, ok := m.ownedWishlist(w, r, r.PathValue("id"), correlationID)
	if !ok {
		return
	}

	items, err := m.s.ListItems(r.Context(), wishlist.ID)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to list items", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"wishlist": wishlist,
		"items":    items,
	})
}

// handleDeleteWishlist handles DELETE /v1/wishlists/{id}. The only hard
// delete in the system; it cascades to items, reservations and
// contributions.
func (m *Mux) handleDeleteWishlist(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())

	wishlist, ok := m.ownedWishlist(w, r, r.PathValue("id"), correlationID)
	if !ok {
		return
	}

	if err := m.s.DeleteWishlist(r.Context(), wishlist.ID); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to delete wishlist", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleCreateItem handles POST /v1/wishlists/{id}/items
func (m *Mux) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())

	body, err := readBody(r)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_BAD_REQUEST, "failed to read request body", correlationID))
		return
	}
	if _, ok := m.validated(w, schema.OwnerItem, body, correlationID); !ok {
		return
	}

	var req model.CreateItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
		return
	}
	if req.TargetCents != nil && !req.GroupFunded {
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.GW_VALIDATION, "target requires group funding", correlationID,
			map[string]string{"targetCents": "only group-funded items may carry a funding target"}))
		return
	}

	wishlist, ok := m.ownedWishlist(w, r, r.PathValue("id"), correlationID)
	if !ok {
		return
	}

	now := time.Now().UTC()
	item := model.Item{
		ID:          uuid.New().String(),
		WishlistID:  wishlist.ID,
		Title:       req.Title,
		Description: req.Description,
		URL:         req.URL,
		PriceCents:  req.PriceCents,
		ImageURL:    req.ImageURL,
		GroupFunded: req.GroupFunded,
		TargetCents: req.TargetCents,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.s.CreateItem(r.Context(), item); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to create item", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusCreated, map[string]interface{}{"item": item})
}

// handleArchiveItem handles POST /v1/items/{id}/archive
func (m *Mux) handleArchiveItem(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("giftwell-service").Start(r.Context(), "handleArchiveItem")
	defer span.End()

	correlationID := correlationIDFrom(ctx)
	owner := ownerFrom(ctx)
	itemID := r.PathValue("id")
	span.SetAttributes(attribute.String("item_id", itemID))

	item, err := m.engine.Archive(ctx, itemID, owner)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		out := m.failureOutcome(err, correlationID)
		m.writeErrorDef(w, out.errDef)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"item": item})
}

// handleShortfall handles POST /v1/items/{id}/shortfall
func (m *Mux) handleShortfall(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("giftwell-service").Start(r.Context(), "handleShortfall")
	defer span.End()

	correlationID := correlationIDFrom(ctx)
	owner := ownerFrom(ctx)

	body, err := readBody(r)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_BAD_REQUEST, "failed to read request body", correlationID))
		return
	}
	if _, ok := m.validated(w, schema.OwnerShortfall, body, correlationID); !ok {
		return
	}

	var req model.ShortfallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
		return
	}

	itemID := r.PathValue("id")
	span.SetAttributes(
		attribute.String("item_id", itemID),
		attribute.String("action", req.Action),
	)

	item, err := m.engine.ResolveShortfall(ctx, itemID, owner, req.Action)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		out := m.failureOutcome(err, correlationID)
		m.writeErrorDef(w, out.errDef)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"item": item})
}

// handleItemImage handles POST /v1/items/{id}/image. It hands back a
// presigned upload URL; the bytes go straight to object storage.
func (m *Mux) handleItemImage(w http.ResponseWriter, r *http.Request) {
	correlationID := correlationIDFrom(r.Context())
	owner := ownerFrom(r.Context())

	if m.images == nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_UNAVAILABLE, "object storage is not configured", correlationID))
		return
	}

	itemID := r.PathValue("id")
	item, err := m.s.GetItem(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.GW_NOT_FOUND, "item not found", correlationID))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to load item", correlationID))
		return
	}

	wishlist, err := m.s.GetWishlist(r.Context(), item.WishlistID)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to load wishlist", correlationID))
		return
	}
	if wishlist.OwnerID != owner {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_FORBIDDEN, "not the wishlist owner", correlationID))
		return
	}

	var req struct {
		ContentType string `json:"contentType"`
	}
	if body, err := readBody(r); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	if req.ContentType == "" {
		req.ContentType = "image/jpeg"
	}

	url, key, expiresAt, err := m.images.PresignItemUpload(r.Context(), itemID, req.ContentType)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_UNAVAILABLE, "failed to presign upload", correlationID))
		return
	}

	m.writeSuccess(w, http.StatusOK, model.ImageUploadData{
		UploadURL: url,
		ObjectKey: key,
		ExpiresAt: expiresAt,
	})
}

// validated runs schema validation and writes the error response
// itself on failure.
func (m *Mux) validated(w http.ResponseWriter, schemaName string, body []byte, correlationID string) (map[string]string, bool) {
	details, err := m.validator.Validate(schemaName, body)
	if err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_VALIDATION, "invalid JSON", correlationID))
		return nil, false
	}
	if details != nil {
		m.writeErrorDef(w, errordefs.NewWithDetails(errordefs.GW_VALIDATION, "request validation failed", correlationID, details))
		return details, false
	}
	return nil, true
}

// ownedWishlist loads a wishlist and enforces ownership. Foreign
// wishlists surface as forbidden, unknown ones as not found.
func (m *Mux) ownedWishlist(w http.ResponseWriter, r *http.Request, id, correlationID string) (*model.Wishlist, bool) {
	wishlist, err := m.s.GetWishlist(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.New(errordefs.GW_NOT_FOUND, "wishlist not found", correlationID))
			return nil, false
		}
		m.writeErrorDef(w, errordefs.New(errordefs.GW_INTERNAL, "failed to load wishlist", correlationID))
		return nil, false
	}
	if wishlist.OwnerID != ownerFrom(r.Context()) {
		m.writeErrorDef(w, errordefs.New(errordefs.GW_FORBIDDEN, "not the wishlist owner", correlationID))
		return nil, false
	}
	return wishlist, true
}

// newShareToken generates an unguessable URL-safe share token.
func newShareToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// tokenHint is the display suffix the owner sees after creation.
func tokenHint(token string) string {
	if len(token) <= 4 {
		return token
	}
	return "…" + token[len(token)-4:]
}
