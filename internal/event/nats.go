// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// Guest mutations and archive cascades are streamed so downstream
// consumers (analytics, notification workers) can react without polling.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Publisher defines the event publishing operations required by the
// giftwell service.
type Publisher interface {
	// PublishGuestAction announces an accepted public mutation
	// (reserve, unreserve, contribute) on an item.
	PublishGuestAction(ctx context.Context, action string, wishlistID string, item model.Item) error

	// PublishItemArchived announces an owner archive, including the
	// notification queued for an affected reserver, if any.
	PublishItemArchived(ctx context.Context, item model.Item, notification *model.Notification) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not
// configured. The service functions fully without event streaming.
type noop struct{}

func (n *noop) Close() error { return nil }

func (n *noop) PublishGuestAction(ctx context.Context, action string, wishlistID string, item model.Item) error {
	return nil
}

func (n *noop) PublishItemArchived(ctx context.Context, item model.Item, notification *model.Notification) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisherFromEnv creates a publisher based on environment
// configuration. If GW_NATS_URL is unset or connection fails, it falls
// back to a no-op publisher so the primary mutation path never depends
// on the broker.
func NewPublisherFromEnv() Publisher {
	url := os.Getenv("GW_NATS_URL")
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the GW_ACTIONS and GW_NOTIFY streams.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "GW_ACTIONS",
		Subjects:  []string{"giftwell.actions.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create GW_ACTIONS stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "GW_NOTIFY",
		Subjects:  []string{"giftwell.notify.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create GW_NOTIFY stream: %w", err)
	}

	return nil
}

// EventEnvelope is the standard envelope wrapping every published event.
type EventEnvelope struct {
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) publish(subject, eventType string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}

// PublishGuestAction publishes an accepted public mutation. The payload
// carries the guest-visible item state only, never holder identities.
func (p *natsPub) PublishGuestAction(ctx context.Context, action string, wishlistID string, item model.Item) error {
	subject := fmt.Sprintf("giftwell.actions.%s", action)
	return p.publish(subject, subject, map[string]any{
		"wishlistId":  wishlistID,
		"itemId":      item.ID,
		"fundedCents": item.FundedCents,
	})
}

// PublishItemArchived publishes an archive cascade result.
func (p *natsPub) PublishItemArchived(ctx context.Context, item model.Item, notification *model.Notification) error {
	payload := map[string]any{
		"wishlistId": item.WishlistID,
		"itemId":     item.ID,
	}
	if notification != nil {
		payload["notificationId"] = notification.ID
	}
	return p.publish("giftwell.notify.archived", "giftwell.notify.archived", payload)
}
