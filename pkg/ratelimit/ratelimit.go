package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by WaitForCapacity when the budget did not free
// up within the allowed wait. Callers treat this as recoverable: the job is
// retried after backoff rather than failed outright.
var ErrWaitTimeout = errors.New("ratelimit: timed out waiting for capacity")

const defaultPollInterval = 100 * time.Millisecond

// bucket is a continuously refilling token bucket. Levels are fractional so
// refill never loses sub-token remainders to rounding, and may go negative
// when actual usage reported after a call exceeds the original estimate.
type bucket struct {
	level    float64
	capacity float64
	window   time.Duration
	last     time.Time
}

func (b *bucket) rate() float64 {
	return b.capacity / b.window.Seconds()
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.level = math.Min(b.capacity, b.level+elapsed*b.rate())
	b.last = now
}

// timeUntil returns how long until the bucket accrues enough to reach need.
func (b *bucket) timeUntil(need float64) time.Duration {
	if b.level >= need {
		return 0
	}
	deficit := need - b.level
	return time.Duration(deficit / b.rate() * float64(time.Second))
}

// Limiter gates every model call in the process behind two independent
// budgets: requests per window and tokens per window. It is the only shared
// mutable state in the extraction path, so a single instance is created at
// startup and handed to every extractor.
type Limiter struct {
	mu       sync.Mutex
	requests bucket
	tokens   bucket
	now      func() time.Time
}

// NewLimiterParams configures a Limiter. Window defaults to one minute,
// matching the usual provider RPM/TPM quotas.
type NewLimiterParams struct {
	RequestLimit int
	TokenLimit   int
	Window       time.Duration
}

type LimiterOption func(*Limiter)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(params NewLimiterParams, opts ...LimiterOption) *Limiter {
	window := params.Window
	if window <= 0 {
		window = time.Minute
	}

	l := &Limiter{
		now: time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(l)
	}

	start := l.now()
	l.requests = bucket{
		level:    float64(params.RequestLimit),
		capacity: float64(params.RequestLimit),
		window:   window,
		last:     start,
	}
	l.tokens = bucket{
		level:    float64(params.TokenLimit),
		capacity: float64(params.TokenLimit),
		window:   window,
		last:     start,
	}
	return l
}

// TryConsume attempts to take one request and estimatedTokens tokens.
// The take is atomic: if either bucket lacks capacity, neither is touched.
func (l *Limiter) TryConsume(estimatedTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.requests.refill(now)
	l.tokens.refill(now)

	if l.requests.level < 1 || l.tokens.level < float64(estimatedTokens) {
		return false
	}

	l.requests.level -= 1
	l.tokens.level -= float64(estimatedTokens)
	return true
}

// ReportActualUsage reconciles the token bucket once the real token count of
// a completed call is known. When the call used more than estimated the
// difference is taken now, which may drive the bucket negative; refill math
// recovers it over the following window.
func (l *Limiter) ReportActualUsage(estimatedTokens, actualTokens int) {
	if estimatedTokens == actualTokens {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.tokens.refill(l.now())
	l.tokens.level = math.Min(
		l.tokens.capacity,
		l.tokens.level+float64(estimatedTokens)-float64(actualTokens),
	)
}

// WaitForCapacity polls TryConsume until it succeeds or maxWait elapses,
// sleeping the lesser of the time until enough budget accrues and a fixed
// poll interval. Returns ErrWaitTimeout on timeout and ctx.Err() when the
// context is canceled while waiting.
func (l *Limiter) WaitForCapacity(ctx context.Context, estimatedTokens int, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)

	for {
		if l.TryConsume(estimatedTokens) {
			return nil
		}

		now := l.now()
		if !now.Before(deadline) {
			return ErrWaitTimeout
		}

		sleep := l.nextRefillDelay(estimatedTokens)
		if sleep > defaultPollInterval {
			sleep = defaultPollInterval
		}
		if remaining := deadline.Sub(now); sleep > remaining {
			sleep = remaining
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (l *Limiter) nextRefillDelay(estimatedTokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	reqWait := l.requests.timeUntil(1)
	tokWait := l.tokens.timeUntil(float64(estimatedTokens))
	if reqWait > tokWait {
		return reqWait
	}
	return tokWait
}

// Levels reports the current bucket levels after refill, for observability.
func (l *Limiter) Levels() (requests float64, tokens float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.requests.refill(now)
	l.tokens.refill(now)
	return l.requests.level, l.tokens.level
}
