// Package schema provides JSON schema validation for request bodies.
// Every mutating endpoint validates its payload before any state is
// touched so malformed input never reaches the engine.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schema names.
const (
	PublicReservation  = "public.reservation"
	PublicContribution = "public.contribution"
	OwnerWishlist      = "owner.wishlist.create"
	OwnerItem          = "owner.item.create"
	OwnerShortfall     = "owner.item.shortfall"
)

// Validator validates request bodies against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator creates a validator with all request schemas compiled.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

func (v *Validator) loadSchemas() error {
	reservationSchema := `{"type":"object","required":["itemId","action"],"additionalProperties":false,"properties":{"itemId":{"type":"string","minLength":1,"maxLength":64},"action":{"type":"string","enum":["reserve","unreserve"]}}}`
	if err := v.loadSchema(PublicReservation, reservationSchema); err != nil {
		return fmt.Errorf("failed to load reservation schema: %w", err)
	}

	contributionSchema := `{"type":"object","required":["itemId","amountCents"],"additionalProperties":false,"properties":{"itemId":{"type":"string","minLength":1,"maxLength":64},"amountCents":{"type":"integer","minimum":1}}}`
	if err := v.loadSchema(PublicContribution, contributionSchema); err != nil {
		return fmt.Errorf("failed to load contribution schema: %w", err)
	}

	wishlistSchema := `{"type":"object","required":["title","currency"],"properties":{"title":{"type":"string","minLength":1,"maxLength":200},"occasion":{"type":"string","maxLength":100},"eventDate":{"type":"string","format":"date-time"},"currency":{"type":"string","pattern":"^[A-Z]{3}$"}}}`
	if err := v.loadSchema(OwnerWishlist, wishlistSchema); err != nil {
		return fmt.Errorf("failed to load wishlist schema: %w", err)
	}

	itemSchema := `{"type":"object","required":["title","priceCents"],"properties":{"title":{"type":"string","minLength":1,"maxLength":200},"description":{"type":"string","maxLength":2048},"url":{"type":"string","maxLength":2048},"imageUrl":{"type":"string","maxLength":2048},"priceCents":{"type":"integer","minimum":0},"groupFunded":{"type":"boolean"},"targetCents":{"type":"integer","minimum":1}}}`
	if err := v.loadSchema(OwnerItem, itemSchema); err != nil {
		return fmt.Errorf("failed to load item schema: %w", err)
	}

	shortfallSchema := `{"type":"object","required":["action"],"properties":{"action":{"type":"string","enum":["extend_7d","lower_target_to_funded","archive_item"]}}}`
	if err := v.loadSchema(OwnerShortfall, shortfallSchema); err != nil {
		return fmt.Errorf("failed to load shortfall schema: %w", err)
	}

	return nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks raw JSON against the named schema. On failure it
// returns a field-to-message map suitable for error details.
func (v *Validator) Validate(name string, body []byte) (map[string]string, error) {
	schema, exists := v.schemas[name]
	if !exists {
		return nil, fmt.Errorf("schema not found: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	if result.Valid() {
		return nil, nil
	}

	details := make(map[string]string, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" {
			field = "body"
		}
		if _, seen := details[field]; !seen {
			details[field] = desc.Description()
		}
	}
	return details, nil
}
