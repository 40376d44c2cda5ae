// Package ratelimit bounds request volume per client over a short and a long window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem used by this package.
const Subsystem = "ratelimit"

// Window names a rate-limit window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the client must wait before a retry can succeed.
	RetryAfter time.Duration
	// Window is the exhausted window when Allowed is false.
	Window Window
}

// counter is a fixed window that opens with the first admitted request and
// stays open for length.
type counter struct {
	start time.Time
	count int
}

func (c *counter) expired(now time.Time, length time.Duration) bool {
	return c.count == 0 || now.Sub(c.start) >= length
}

// remaining returns how many more requests fit in the current window.
func (c *counter) remaining(now time.Time, length time.Duration, threshold int) int {
	if c.expired(now, length) {
		return threshold
	}
	return threshold - c.count
}

func (c *counter) add(now time.Time, length time.Duration) {
	if c.expired(now, length) {
		c.start = now
		c.count = 0
	}
	c.count++
}

type bucket struct {
	minute counter
	day    counter
}

// Limiter admits or rejects requests per client key. Each key counts
// admitted requests in a fixed minute window and a fixed day window. A
// threshold of zero disables that window.
type Limiter struct {
	perMinute int
	perDay    int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a Limiter with the given thresholds.
func New(perMinute, perDay int, opts ...Option) *Limiter {
	l := &Limiter{
		perMinute: max(perMinute, 0),
		perDay:    max(perDay, 0),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts one request for key in both windows, or in neither when
// either window is full. Rejected attempts are not counted. When both
// windows are full the later rollover is reported.
func (l *Limiter) Admit(key string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}

	var d Decision
	if l.perMinute > 0 && b.minute.remaining(now, time.Minute, l.perMinute) <= 0 {
		d = Decision{RetryAfter: rollover(b.minute, now, time.Minute), Window: WindowMinute}
	}
	if l.perDay > 0 && b.day.remaining(now, 24*time.Hour, l.perDay) <= 0 {
		if wait := rollover(b.day, now, 24*time.Hour); wait > d.RetryAfter {
			d = Decision{RetryAfter: wait, Window: WindowDay}
		}
	}
	if d.RetryAfter > 0 {
		return d
	}

	if l.perMinute > 0 {
		b.minute.add(now, time.Minute)
	}
	if l.perDay > 0 {
		b.day.add(now, 24*time.Hour)
	}

	return Decision{Allowed: true}
}

// rollover returns the time left until a full window closes.
func rollover(c counter, now time.Time, length time.Duration) time.Duration {
	return max(c.start.Add(length).Sub(now), time.Millisecond)
}

// idle reports whether every enabled window of b has closed. Such a bucket
// would be recreated in the same state.
func (l *Limiter) idle(b *bucket, now time.Time) bool {
	if l.perMinute > 0 && !b.minute.expired(now, time.Minute) {
		return false
	}
	if l.perDay > 0 && !b.day.expired(now, 24*time.Hour) {
		return false
	}
	return true
}

// Sweep drops buckets whose windows have all closed, so eviction never
// changes a decision.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if l.idle(b, now) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked client keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				tflog.SubsystemDebug(ctx, Subsystem, "Evicted idle rate-limit buckets", map[string]any{
					"removed": removed,
					"tracked": l.Len(),
				})
			}
		}
	}
}
