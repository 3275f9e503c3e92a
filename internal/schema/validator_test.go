package schema

import "testing"

func TestValidateReservation(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	details, err := v.Validate(PublicReservation, []byte(`{"itemId":"item-1","action":"reserve"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if details != nil {
		t.Fatalf("valid body should yield nil details, got %v", details)
	}

	details, err = v.Validate(PublicReservation, []byte(`{"itemId":"item-1","action":"steal"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := details["action"]; !ok {
		t.Fatalf("want an action violation, got %v", details)
	}
}

func TestValidateContributionBounds(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	details, err := v.Validate(PublicContribution, []byte(`{"itemId":"item-1","amountCents":0}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := details["amountCents"]; !ok {
		t.Fatalf("want an amountCents violation, got %v", details)
	}

	// Fractional amounts are not integers
	details, err = v.Validate(PublicContribution, []byte(`{"itemId":"item-1","amountCents":19.99}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := details["amountCents"]; !ok {
		t.Fatalf("want an amountCents violation, got %v", details)
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	details, err := v.Validate(PublicReservation, []byte(`{"itemId":"item-1","action":"reserve","holder":"me"}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(details) == 0 {
		t.Fatal("extra fields on public bodies must be rejected")
	}
}

func TestValidateUnknownSchema(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if _, err := v.Validate("no.such.schema", []byte(`{}`)); err == nil {
		t.Fatal("unknown schema name must error")
	}
}
