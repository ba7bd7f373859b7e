// Package ratelimit provides a per-bucket rate limit coordinator for the
// Discord REST API. Callers reserve a slot for a route before issuing a
// request and feed the response back so bucket state tracks upstream headers.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Rate limit response headers set by the Discord API.
const (
	headerRetryAfter = "Retry-After"
	headerGlobal     = "X-RateLimit-Global"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerBucket     = "X-RateLimit-Bucket"
)

const (
	// MinDelay is the floor under every computed cooldown. Observed resets
	// shorter than this are not worth honoring precisely and tend to cause
	// immediate repeat 429s.
	MinDelay = 250 * time.Millisecond

	// DefaultRetryDelay applies when a 429 carries no parsable retry signal.
	DefaultRetryDelay = 1000 * time.Millisecond
)

// bucket serializes in-flight requests that share one upstream rate limit.
// The gate has capacity one, so at most a single request per bucket is in
// flight and header observations are never stale.
type bucket struct {
	key  string
	gate chan struct{}

	mu          sync.Mutex
	nextAllowed time.Time
}

func newBucket(key string) *bucket {
	return &bucket{
		key:  key,
		gate: make(chan struct{}, 1),
	}
}

// delayUntilAllowed returns the remaining cooldown for the bucket, if any.
func (b *bucket) delayUntilAllowed(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextAllowed.After(now) {
		return b.nextAllowed.Sub(now)
	}
	return 0
}

// deferUntil moves the bucket's cooldown forward, never backward.
func (b *bucket) deferUntil(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.After(b.nextAllowed) {
		b.nextAllowed = t
	}
}

// Limiter coordinates request pacing across all REST routes. Routes start on
// provisional buckets keyed by route and migrate onto canonical buckets as
// X-RateLimit-Bucket headers reveal which routes share upstream state.
type Limiter struct {
	mu      sync.Mutex
	routes  map[string]*bucket // route key -> bucket (provisional or canonical)
	buckets map[string]*bucket // upstream bucket id -> canonical bucket

	global atomic.Int64 // unixnano until which every route pauses

	logger *slog.Logger
}

// New creates a Limiter. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		routes:  make(map[string]*bucket),
		buckets: make(map[string]*bucket),
		logger:  logger,
	}
}

// bucketFor returns the bucket currently mapped to the route, creating a
// provisional one for routes not seen before.
func (l *Limiter) bucketFor(routeKey string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.routes[routeKey]; ok {
		return b
	}
	b := newBucket(routeKey)
	l.routes[routeKey] = b
	return b
}

// adopt associates a route with the canonical bucket for an upstream bucket
// id. The first bucket to report an id becomes canonical; later reporters are
// remapped onto it. Returns the bucket observations should apply to.
func (l *Limiter) adopt(routeKey, bucketID string, current *bucket) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if canonical, ok := l.buckets[bucketID]; ok {
		l.routes[routeKey] = canonical
		return canonical
	}
	l.buckets[bucketID] = current
	l.routes[routeKey] = current
	return current
}

// setGlobal moves the global cooldown forward to t if t is later than the
// current value. Lock-free so concurrent 429s cannot shorten the pause.
func (l *Limiter) setGlobal(t time.Time) {
	newVal := t.UnixNano()
	for {
		oldVal := l.global.Load()
		if newVal <= oldVal {
			return
		}
		if l.global.CompareAndSwap(oldVal, newVal) {
			return
		}
	}
}

// waitGlobal sleeps until the global cooldown has passed, re-checking after
// each sleep in case another response extended it.
func (l *Limiter) waitGlobal(ctx context.Context) error {
	for {
		until := time.Unix(0, l.global.Load())
		now := time.Now()
		if !until.After(now) {
			return nil
		}
		l.logger.Debug("waiting for global rate limit",
			slog.Duration("wait", until.Sub(now)))
		if err := sleepCtx(ctx, until.Sub(now)); err != nil {
			return err
		}
	}
}

// Acquire reserves the right to issue one request on the route. It blocks
// until the global cooldown has passed, the route's bucket is free, and the
// bucket's own cooldown has elapsed. The caller must call Release or
// ReleaseNone on the returned Reservation exactly once.
func (l *Limiter) Acquire(ctx context.Context, routeKey string) (*Reservation, error) {
	b := l.bucketFor(routeKey)

	if err := l.waitGlobal(ctx); err != nil {
		return nil, err
	}

	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if d := b.delayUntilAllowed(time.Now()); d > 0 {
		l.logger.Debug("waiting for bucket cooldown",
			slog.String("route", routeKey),
			slog.String("bucket", b.key),
			slog.Duration("wait", d))
		if err := sleepCtx(ctx, d); err != nil {
			<-b.gate
			return nil, err
		}
	}

	return &Reservation{limiter: l, bucket: b, route: routeKey}, nil
}

// Reservation represents one in-flight request slot on a bucket.
type Reservation struct {
	limiter *Limiter
	bucket  *bucket
	route   string
	done    bool
}

// Release observes a completed response and frees the bucket gate. Header and
// body may be nil when the response carried neither.
func (r *Reservation) Release(status int, header http.Header, body []byte) {
	if r.done {
		return
	}
	r.done = true
	defer func() { <-r.bucket.gate }()

	target := r.bucket
	if header != nil {
		if id := header.Get(headerBucket); id != "" {
			target = r.limiter.adopt(r.route, id, r.bucket)
		}
	}

	now := time.Now()

	if status == http.StatusTooManyRequests {
		delay, global := retryInfo(header, body)
		r.limiter.logger.Warn("rate limit hit",
			slog.String("route", r.route),
			slog.String("bucket", target.key),
			slog.Bool("global", global),
			slog.Duration("retry_after", delay))
		// The bucket always backs off; a global flag additionally pauses
		// every other bucket.
		target.deferUntil(now.Add(delay))
		if global {
			r.limiter.setGlobal(now.Add(delay))
		}
		return
	}

	if header == nil {
		return
	}

	// A depleted bucket pre-arms its own cooldown so the next acquire waits
	// out the reset instead of burning a 429.
	if RemainingZero(header) {
		if reset, ok := ResetAfter(header); ok {
			if reset < MinDelay {
				reset = MinDelay
			}
			target.deferUntil(now.Add(reset))
			if header.Get(headerGlobal) != "" {
				r.limiter.setGlobal(now.Add(reset))
			}
		}
	}
}

// ReleaseNone frees the bucket gate without observing a response. Use it when
// the request failed before producing one.
func (r *Reservation) ReleaseNone() {
	if r.done {
		return
	}
	r.done = true
	<-r.bucket.gate
}

// rateLimitBody is the JSON document Discord returns with a 429.
type rateLimitBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// retryInfo computes the 429 cooldown and whether it is global in scope.
func retryInfo(header http.Header, body []byte) (time.Duration, bool) {
	global := false
	delay := time.Duration(0)

	if len(body) > 0 {
		var rl rateLimitBody
		if err := json.Unmarshal(body, &rl); err == nil {
			global = rl.Global
			if rl.RetryAfter > 0 {
				delay = time.Duration(rl.RetryAfter * float64(time.Second))
			}
		}
	}

	if header != nil {
		if v := header.Get(headerRetryAfter); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
				delay = time.Duration(secs * float64(time.Second))
			}
		}
		if header.Get(headerGlobal) == "true" {
			global = true
		}
	}

	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if delay < MinDelay {
		delay = MinDelay
	}
	return delay, global
}

// RetryDelay returns the cooldown a 429 response asks for, with the default
// and minimum applied. Exposed so callers can pace their own retry loops from
// the same signal the limiter honors.
func RetryDelay(header http.Header, body []byte) time.Duration {
	delay, _ := retryInfo(header, body)
	return delay
}

// RetryInfo returns the 429 cooldown plus whether the response declared it
// global in scope.
func RetryInfo(header http.Header, body []byte) (time.Duration, bool) {
	return retryInfo(header, body)
}

// ResetAfter parses the X-RateLimit-Reset-After header as a duration.
func ResetAfter(header http.Header) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	v := header.Get(headerResetAfter)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// RemainingZero reports whether the X-RateLimit-Remaining header says the
// bucket is out of requests.
func RemainingZero(header http.Header) bool {
	if header == nil {
		return false
	}
	v := header.Get(headerRemaining)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	return n <= 0
}

// sleepCtx sleeps for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
