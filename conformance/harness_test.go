// Package conformance provides conformance tests for the giftwell service.
package conformance

import (
	"testing"
)

// TestConformance runs the full conformance test suite.
func TestConformance(t *testing.T) {
	cfg := Config{
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
	}

	harness, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}
