// internal/notify/notify.go
// Package notify handles the archive-notification side effect: when an
// owner archives an item that a guest had reserved, the guest is offered
// replacement suggestions and notified through the transactional-mail
// collaborator. Delivery failures never roll back the archive.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/giftwell/giftwell-go/internal/model"
)

// Mailer delivers an archive notice to a reservation holder.
// Implementations are external collaborators; giftwell only depends on
// this interface.
type Mailer interface {
	SendArchiveNotice(ctx context.Context, n model.Notification, archived model.Item, suggestions []model.Item) error
}

// ErrMailerUnavailable is returned when the mail collaborator rejects or
// cannot be reached.
var ErrMailerUnavailable = errors.New("mailer unavailable")

// HTTPMailer posts archive notices to an HTTP mail-delivery service.
type HTTPMailer struct {
	base string
	hc   *http.Client
}

// NewHTTPMailer creates a mailer client with conservative timeouts so a
// slow collaborator cannot stall the archive path.
func NewHTTPMailer(baseURL string) *HTTPMailer {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &HTTPMailer{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// SendArchiveNotice posts the notice to the delivery service.
func (m *HTTPMailer) SendArchiveNotice(ctx context.Context, n model.Notification, archived model.Item, suggestions []model.Item) error {
	payload := map[string]any{
		"template":  "item-archived",
		"recipient": n.Recipient,
		"item":      map[string]any{"title": archived.Title, "priceCents": archived.PriceCents},
		"suggestions": func() []map[string]any {
			out := make([]map[string]any, 0, len(suggestions))
			for _, s := range suggestions {
				out = append(out, map[string]any{"id": s.ID, "title": s.Title, "priceCents": s.PriceCents})
			}
			return out
		}(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMailerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrMailerUnavailable, resp.StatusCode)
	}
	return nil
}

// RankReplacements orders the candidate items by similarity to the
// archived one: price proximity first, then title token overlap, with
// the item id as a deterministic tie-break. This is the fallback
// ranking; it needs no external collaborator and always succeeds.
func RankReplacements(archived model.Item, candidates []model.Item, limit int) []model.Item {
	type scored struct {
		item  model.Item
		price int64
		title int
	}

	archTokens := titleTokens(archived.Title)
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == archived.ID || c.Archived() {
			continue
		}
		diff := c.PriceCents - archived.PriceCents
		if diff < 0 {
			diff = -diff
		}
		ranked = append(ranked, scored{item: c, price: diff, title: tokenOverlap(archTokens, titleTokens(c.Title))})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].title != ranked[j].title {
			return ranked[i].title > ranked[j].title
		}
		if ranked[i].price != ranked[j].price {
			return ranked[i].price < ranked[j].price
		}
		return ranked[i].item.ID < ranked[j].item.ID
	})

	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]model.Item, 0, limit)
	for _, s := range ranked[:limit] {
		out = append(out, s.item)
	}
	return out
}

func titleTokens(title string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(title)) {
		tokens[tok] = true
	}
	return tokens
}

func tokenOverlap(a, b map[string]bool) int {
	n := 0
	for tok := range a {
		if b[tok] {
			n++
		}
	}
	return n
}

// Notifier wraps the mailer with the swallow-and-log policy required by
// the archive cascade.
type Notifier struct {
	mailer Mailer
}

// NewNotifier creates a notifier; mailer may be nil when delivery is not
// configured, in which case notices stay pending in storage.
func NewNotifier(mailer Mailer) *Notifier {
	return &Notifier{mailer: mailer}
}

// Deliver attempts delivery and reports whether it succeeded. Errors are
// logged, never propagated: the caller's mutation already committed.
func (n *Notifier) Deliver(ctx context.Context, notice model.Notification, archived model.Item, suggestions []model.Item) bool {
	if n.mailer == nil {
		return false
	}
	if err := n.mailer.SendArchiveNotice(ctx, notice, archived, suggestions); err != nil {
		slog.Warn("archive notice delivery failed", "notification", notice.ID, "error", err)
		return false
	}
	return true
}
