package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giftwell/giftwell-go/internal/metrics"
	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/readmodel"
	"github.com/giftwell/giftwell-go/internal/storage"
)

const shareToken = "stream-token"

func seedStore(t *testing.T, s storage.Store) {
	t.Helper()
	now := time.Now().UTC()
	w := model.Wishlist{
		ID:             "w1",
		OwnerID:        "owner@example.com",
		Title:          "Graduation",
		Currency:       "USD",
		ShareTokenHash: readmodel.TokenHash(shareToken),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateWishlist(context.Background(), w); err != nil {
		t.Fatalf("CreateWishlist: %v", err)
	}
	item := model.Item{
		ID: "i1", WishlistID: "w1", Title: "Headphones", PriceCents: 19900,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
}

func startStream(t *testing.T, s storage.Store, token string) (*bufio.Scanner, func()) {
	t.Helper()
	srv := NewServer(readmodel.NewBuilder(s), 30*time.Millisecond, 45*time.Second, metrics.NewMetrics())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Serve(w, r, token)
	}))

	resp, err := http.Get(ts.URL)
	if err != nil {
		ts.Close()
		t.Fatalf("get stream: %v", err)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("want ndjson content type, got %q", got)
	}

	scanner := bufio.NewScanner(resp.Body)
	return scanner, func() {
		resp.Body.Close()
		ts.Close()
	}
}

func readFrame(t *testing.T, scanner *bufio.Scanner) Frame {
	t.Helper()
	if !scanner.Scan() {
		t.Fatalf("stream ended early: %v", scanner.Err())
	}
	var f Frame
	if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
		t.Fatalf("bad frame %q: %v", scanner.Text(), err)
	}
	return f
}

func TestStreamInitialSnapshotThenHeartbeat(t *testing.T) {
	s := storage.NewMemory()
	seedStore(t, s)
	scanner, done := startStream(t, s, shareToken)
	defer done()

	first := readFrame(t, scanner)
	if first.Type != FrameSnapshot {
		t.Fatalf("want initial snapshot, got %s", first.Type)
	}
	if first.Version == "" || first.Snapshot == nil {
		t.Fatal("snapshot frame must carry version and body")
	}
	if first.ReconnectAfterSeconds != 45 {
		t.Fatalf("want reconnect hint 45, got %d", first.ReconnectAfterSeconds)
	}

	// Nothing changed, so the next frame is a heartbeat with the same
	// version
	second := readFrame(t, scanner)
	if second.Type != FrameHeartbeat {
		t.Fatalf("want heartbeat, got %s", second.Type)
	}
	if second.Version != first.Version {
		t.Fatalf("heartbeat must carry the unchanged version %s, got %s", first.Version, second.Version)
	}
}

func TestStreamPushesSnapshotOnChange(t *testing.T) {
	s := storage.NewMemory()
	seedStore(t, s)
	scanner, done := startStream(t, s, shareToken)
	defer done()

	first := readFrame(t, scanner)
	if first.Type != FrameSnapshot {
		t.Fatalf("want initial snapshot, got %s", first.Type)
	}

	if err := s.ReserveItem(context.Background(), model.Reservation{
		ID: "r1", ItemID: "i1", HolderID: "guest@example.com", Status: model.ReservationActive,
	}); err != nil {
		t.Fatalf("ReserveItem: %v", err)
	}

	// Heartbeats may arrive for ticks that raced the mutation; the next
	// snapshot must reflect it
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no snapshot for the mutation")
		}
		f := readFrame(t, scanner)
		if f.Type != FrameSnapshot {
			continue
		}
		if f.Version == first.Version {
			t.Fatal("changed state must produce a new version")
		}
		if len(f.Snapshot.Items) != 1 || f.Snapshot.Items[0].Availability != model.AvailabilityReserved {
			t.Fatalf("snapshot must show the reservation: %+v", f.Snapshot.Items)
		}
		return
	}
}

func TestStreamUnknownTokenTerminates(t *testing.T) {
	s := storage.NewMemory()
	seedStore(t, s)
	scanner, done := startStream(t, s, "wrong-token")
	defer done()

	f := readFrame(t, scanner)
	if f.Type != FrameNotFound {
		t.Fatalf("want not_found, got %s", f.Type)
	}
	// Terminal frame: the server closes the stream
	if scanner.Scan() {
		t.Fatalf("stream should be closed after not_found, got %q", scanner.Text())
	}
}

func TestStreamClosesWhenWishlistDisabledMidStream(t *testing.T) {
	s := storage.NewMemory()
	seedStore(t, s)
	scanner, done := startStream(t, s, shareToken)
	defer done()

	if f := readFrame(t, scanner); f.Type != FrameSnapshot {
		t.Fatalf("want initial snapshot, got %s", f.Type)
	}

	w, err := s.GetWishlist(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetWishlist: %v", err)
	}
	now := time.Now().UTC()
	w.DisabledAt = &now
	if err := s.UpdateWishlist(context.Background(), *w); err != nil {
		t.Fatalf("UpdateWishlist: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("stream never observed the disable")
		}
		if !scanner.Scan() {
			// Closed after the terminal frame
			return
		}
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if f.Type == FrameNotFound {
			return
		}
	}
}
