// internal/stream/stream.go
// Package stream implements the live delivery channel: a one-way,
// newline-delimited JSON event stream that pushes read-model snapshots
// and heartbeats to connected guest viewers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/giftwell/giftwell-go/internal/metrics"
	"github.com/giftwell/giftwell-go/internal/model"
	"github.com/giftwell/giftwell-go/internal/readmodel"
)

// Frame types emitted on the stream.
const (
	FrameSnapshot  = "snapshot"
	FrameHeartbeat = "heartbeat"
	FrameNotFound  = "not_found"
)

// Frame is one NDJSON event on the wire.
type Frame struct {
	Type     string          `json:"type"`
	Version  string          `json:"version,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	// ReconnectAfterSeconds hints how long a client should wait before
	// treating a silent connection as dead and re-polling.
	ReconnectAfterSeconds int `json:"reconnectAfterSeconds,omitempty"`
}

// Server drives one stream per connected viewer.
type Server struct {
	builder         *readmodel.Builder
	heartbeat       time.Duration
	reconnectWindow time.Duration
	metrics         *metrics.Metrics
}

// NewServer creates a stream server with the given heartbeat interval.
func NewServer(builder *readmodel.Builder, heartbeat, reconnectWindow time.Duration, m *metrics.Metrics) *Server {
	return &Server{
		builder:         builder,
		heartbeat:       heartbeat,
		reconnectWindow: reconnectWindow,
		metrics:         m,
	}
}

// Serve writes frames until the client disconnects or the wishlist
// becomes unavailable. An immediate snapshot is sent on connect; on each
// heartbeat tick the read model is rebuilt and a new snapshot goes out
// only when the version changed, otherwise a heartbeat carries the
// unchanged version. Rebuilds run in the loop goroutine and ticker
// coalescing drops ticks that land mid-rebuild, so at most one rebuild
// is ever in flight and none are queued.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, shareToken string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.StreamConnections.Inc()
	defer s.metrics.StreamConnections.Dec()

	ctx := r.Context()
	write := func(f Frame) bool {
		b, err := json.Marshal(f)
		if err != nil {
			return false
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	lastVersion, alive := s.push(ctx, shareToken, "", write, true)
	if !alive {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; the ticker stops with the deferred call
			return
		case <-ticker.C:
			lastVersion, alive = s.push(ctx, shareToken, lastVersion, write, false)
			if !alive {
				return
			}
		}
	}
}

// push rebuilds the read model and emits the appropriate frame. It
// returns the version to compare against next tick and whether the
// stream should stay open.
func (s *Server) push(ctx context.Context, shareToken, lastVersion string, write func(Frame) bool, initial bool) (string, bool) {
	start := time.Now()
	result, err := s.builder.Build(ctx, shareToken)
	s.metrics.SnapshotBuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("stream rebuild failed", "error", err)
		}
		return lastVersion, false
	}

	if result.State != readmodel.StateOK {
		// Deleted or disabled mid-stream: terminal frame, then close
		write(Frame{Type: FrameNotFound})
		return lastVersion, false
	}

	version := result.Snapshot.Version
	if initial || version != lastVersion {
		ok := write(Frame{
			Type:                  FrameSnapshot,
			Version:               version,
			Snapshot:              result.Snapshot,
			ReconnectAfterSeconds: int(s.reconnectWindow.Seconds()),
		})
		return version, ok
	}

	return version, write(Frame{Type: FrameHeartbeat, Version: version})
}
