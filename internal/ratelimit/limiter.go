// Package ratelimit bounds generation requests per client identity over a
// rolling window.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/terrain-tile-service/internal/domain"
)

// Defaults for the generation endpoints.
const (
	DefaultLimit  = 50
	DefaultWindow = time.Hour
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window, freeing
	// one slot. Zero when the window is empty.
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err converts a denied decision into a *domain.RateLimitedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitedError{
		Limit:      d.Limit,
		Remaining:  d.Remaining,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
	}
}

// Limiter keeps a sliding log of request timestamps per identity. A
// request at time t counts against every window containing t; it leaves the
// window at t+window. State is process-local and lost on restart.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clockwork.Clock

	mu  sync.Mutex
	log map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New creates a Limiter allowing limit requests per window per identity.
// Non-positive arguments fall back to the defaults.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		clock:  clockwork.NewRealClock(),
		log:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for identity if the window has room. The check
// and the record happen under one lock, so concurrent callers can never
// push an identity past the limit.
func (l *Limiter) Allow(identity string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.prune(identity, now)
	d := Decision{Limit: l.limit}
	if len(stamps) < l.limit {
		stamps = append(stamps, now)
		l.log[identity] = stamps
		d.Allowed = true
		d.Remaining = l.limit - len(stamps)
		d.ResetAt = stamps[0].Add(l.window)
		return d
	}

	d.ResetAt = stamps[0].Add(l.window)
	d.RetryAfter = d.ResetAt.Sub(now)
	return d
}

// Peek reports the current state for identity without recording anything.
func (l *Limiter) Peek(identity string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.prune(identity, now)
	d := Decision{Limit: l.limit, Remaining: l.limit - len(stamps), Allowed: len(stamps) < l.limit}
	if len(stamps) > 0 {
		d.ResetAt = stamps[0].Add(l.window)
		if !d.Allowed {
			d.RetryAfter = d.ResetAt.Sub(now)
		}
	}
	return d
}

// Sweep forgets identities with no request inside the window and returns
// how many were dropped.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for id := range l.log {
		if len(l.prune(id, now)) == 0 {
			dropped++
		}
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *Limiter) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := l.Sweep(); n > 0 {
				logger.Debug("rate limit identities dropped", "count", n)
			}
		}
	}
}

// Identities returns how many identities currently hold window state.
func (l *Limiter) Identities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.log)
}

// prune drops timestamps that have left the window ending at now and
// returns the rest. Caller holds l.mu.
func (l *Limiter) prune(identity string, now time.Time) []time.Time {
	stamps := l.log[identity]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]
	if len(stamps) == 0 {
		delete(l.log, identity)
		return nil
	}
	l.log[identity] = stamps
	return stamps
}
