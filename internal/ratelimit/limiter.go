// internal/ratelimit/limiter.go
// Package ratelimit implements a sliding-window rate limiter for public
// guest actions. The limiting dimension is the self-asserted actor
// identity; the caller's IP is carried along for abuse analysis only.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Decision is the outcome of consuming one action from the window.
type Decision struct {
	Admitted          bool
	RetryAfterSeconds int // Set when rejected; seconds until the oldest event leaves the window
	IP                string
}

// Limiter counts admitted actions per (scope, actor) over a trailing
// window. Counters reset naturally as events age out; there is no
// explicit reset operation.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter with a trailing one-minute window.
func NewLimiter() *Limiter {
	return &Limiter{
		window: time.Minute,
		events: make(map[string][]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Consume admits or rejects one action for the actor. On rejection the
// decision carries the number of whole seconds until the oldest counted
// event exits the window, minimum 1.
func (l *Limiter) Consume(scope, actor, ip string, limitPerMinute int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := scope + "\x00" + actor
	now := l.now()
	cutoff := now.Add(-l.window)

	// Drop events that have aged out of the trailing window
	kept := l.events[key][:0]
	for _, t := range l.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events[key] = kept
	if len(kept) == 0 {
		delete(l.events, key)
	}

	// A non-positive limit rejects everything; there is no oldest event
	// to wait out, so the hint is the full window
	if limitPerMinute <= 0 {
		return Decision{Admitted: false, RetryAfterSeconds: int(l.window.Seconds()), IP: ip}
	}

	if len(kept) >= limitPerMinute {
		oldest := kept[0]
		retry := int(math.Ceil(oldest.Add(l.window).Sub(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Decision{Admitted: false, RetryAfterSeconds: retry, IP: ip}
	}

	l.events[key] = append(kept, now)
	return Decision{Admitted: true, IP: ip}
}
