package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClosed             = errors.New("ratelimit: limiter closed")
	ErrExceedsCapacity    = errors.New("ratelimit: token cost exceeds bucket capacity")
	ErrUnknownReservation = errors.New("ratelimit: unknown or already released reservation")
	ErrInvalidQuota       = errors.New("ratelimit: invalid quota")
)

// Quota holds per-minute budgets for a single model.
type Quota struct {
	RequestsPerMinute int64
	TokensPerMinute   int64

	// MinSpacing is the smallest gap allowed between two admissions (0 = none).
	MinSpacing time.Duration
}

// Reservation is the record of one admission. Tokens is the estimate that
// was debited from the token bucket.
type Reservation struct {
	ID         string
	Tokens     int64
	AdmittedAt time.Time
	Waited     time.Duration
}

// Snapshot is a point-in-time view of the limiter.
type Snapshot struct {
	RequestsAvailable float64
	TokensAvailable   float64
	Outstanding       int
}

// Limiter admits callers only when one request unit and the requested
// number of token units are both available and the minimum spacing since
// the previous admission has elapsed.
type Limiter struct {
	requests *TokenBucket
	tokens   *TokenBucket
	spacing  time.Duration

	mu            sync.Mutex
	lastAdmission time.Time
	outstanding   map[string]int64

	closeOnce sync.Once
	closed    chan struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration, closed <-chan struct{}) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// withSleep is unexported; tests use it to advance a fake clock instead of waiting.
func withSleep(fn func(ctx context.Context, d time.Duration, closed <-chan struct{}) error) Option {
	return func(l *Limiter) { l.sleep = fn }
}

// New creates a Limiter. Each bucket holds the whole per-minute quota and
// refills at quota/60 per second. Buckets start with one second of refill
// rather than full, so a fresh process cannot burst a whole minute's quota.
func New(q Quota, opts ...Option) (*Limiter, error) {
	if q.RequestsPerMinute <= 0 || q.TokensPerMinute <= 0 {
		return nil, fmt.Errorf("%w: requests_per_minute=%d tokens_per_minute=%d",
			ErrInvalidQuota, q.RequestsPerMinute, q.TokensPerMinute)
	}
	if q.MinSpacing < 0 {
		return nil, fmt.Errorf("%w: negative min spacing %s", ErrInvalidQuota, q.MinSpacing)
	}

	l := &Limiter{
		spacing:     q.MinSpacing,
		outstanding: make(map[string]int64),
		closed:      make(chan struct{}),
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}

	rpm, tpm := float64(q.RequestsPerMinute), float64(q.TokensPerMinute)
	l.requests = newTokenBucket(rpm, rpm/60, rpm/60, l.now)
	l.tokens = newTokenBucket(tpm, tpm/60, tpm/60, l.now)
	return l, nil
}

// RequestBucket exposes the request-count bucket.
func (l *Limiter) RequestBucket() *TokenBucket { return l.requests }

// TokenBucket exposes the token-count bucket.
func (l *Limiter) TokenBucket() *TokenBucket { return l.tokens }

// Acquire blocks until the caller can be admitted for the given token cost,
// ctx is done, or the limiter is closed. Nothing is consumed unless it
// returns a nil error.
func (l *Limiter) Acquire(ctx context.Context, tokens int64) (Reservation, error) {
	if tokens < 0 {
		tokens = 0
	}
	if float64(tokens) > l.tokens.Capacity() {
		return Reservation{}, fmt.Errorf("%w: need %d, capacity %.0f", ErrExceedsCapacity, tokens, l.tokens.Capacity())
	}

	start := l.now()
	for {
		select {
		case <-l.closed:
			return Reservation{}, ErrClosed
		default:
		}

		wait, res, ok := l.tryAdmit(tokens, start)
		if ok {
			return res, nil
		}
		if err := l.sleep(ctx, wait, l.closed); err != nil {
			return Reservation{}, err
		}
	}
}

// tryAdmit checks both buckets and the spacing under one critical section
// and consumes from both when all three allow it. Otherwise it returns the
// longest of the three waits.
func (l *Limiter) tryAdmit(tokens int64, start time.Time) (time.Duration, Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wait := l.requests.TimeUntilAvailable(1)
	if w := l.tokens.TimeUntilAvailable(float64(tokens)); w > wait {
		wait = w
	}
	if l.spacing > 0 && !l.lastAdmission.IsZero() {
		if w := l.lastAdmission.Add(l.spacing).Sub(now); w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return wait, Reservation{}, false
	}

	// Both checks passed under l.mu and buckets only grow with time, so
	// neither consume can fail here.
	l.requests.TryConsume(1)
	l.tokens.TryConsume(float64(tokens))
	l.lastAdmission = now

	res := Reservation{
		ID:         uuid.New().String(),
		Tokens:     tokens,
		AdmittedAt: now,
		Waited:     now.Sub(start),
	}
	l.outstanding[res.ID] = tokens
	return 0, res, true
}

// Release reconciles a reservation with the real token usage. An
// over-estimate is refunded, an under-estimate is debited. The token bucket
// stays within [0, capacity] either way.
func (l *Limiter) Release(res Reservation, actualTokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	estimated, ok := l.outstanding[res.ID]
	if !ok {
		return ErrUnknownReservation
	}
	delete(l.outstanding, res.ID)

	switch diff := estimated - actualTokens; {
	case diff > 0:
		l.tokens.Refund(float64(diff))
	case diff < 0:
		l.tokens.Debit(float64(-diff))
	}
	return nil
}

// Forfeit closes a reservation whose real usage is unknown. The estimate
// stays debited.
func (l *Limiter) Forfeit(res Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.outstanding[res.ID]; !ok {
		return ErrUnknownReservation
	}
	delete(l.outstanding, res.ID)
	return nil
}

// Snapshot returns the current bucket levels.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Snapshot{
		RequestsAvailable: l.requests.Available(),
		TokensAvailable:   l.tokens.Available(),
		Outstanding:       len(l.outstanding),
	}
}

// Close wakes every waiting Acquire with ErrClosed. It is safe to call more
// than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func sleepContext(ctx context.Context, d time.Duration, closed <-chan struct{}) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
