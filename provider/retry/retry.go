// Package retry wraps a transport with exponential backoff on transient
// provider errors.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ineyio/inferbatch"
)

// DefaultMaxElapsedTime bounds the total time spent retrying one call.
const DefaultMaxElapsedTime = 20 * time.Second

// Transport retries the wrapped transport while its errors are retryable.
// The request is admitted by the limiter once, so retries are not charged
// against the local budget again.
type Transport struct {
	inner           inferbatch.Transport
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration
	maxRetries      uint64
	retryable       func(error) bool
	notify          func(err error, wait time.Duration)
}

var _ inferbatch.Transport = (*Transport)(nil)

// Option configures the retry transport.
type Option func(*Transport)

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) Option {
	return func(t *Transport) { t.initialInterval = d }
}

// WithMaxInterval caps a single backoff delay.
func WithMaxInterval(d time.Duration) Option {
	return func(t *Transport) { t.maxInterval = d }
}

// WithMaxElapsedTime bounds the total retry time. Zero retries forever
// until the context ends.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(t *Transport) { t.maxElapsed = d }
}

// WithMaxRetries bounds the number of retries after the first attempt.
func WithMaxRetries(n uint64) Option {
	return func(t *Transport) { t.maxRetries = n }
}

// WithRetryable replaces the retry predicate (default inferbatch.IsRetryable).
func WithRetryable(fn func(error) bool) Option {
	return func(t *Transport) { t.retryable = fn }
}

// WithNotify registers a callback invoked before each retry.
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(t *Transport) { t.notify = fn }
}

// New wraps inner with retries.
func New(inner inferbatch.Transport, opts ...Option) *Transport {
	t := &Transport{
		inner:           inner,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     5 * time.Second,
		maxElapsed:      DefaultMaxElapsedTime,
		retryable:       inferbatch.IsRetryable,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return t.inner.Name() }

func (t *Transport) SupportsModel(model string) bool { return t.inner.SupportsModel(model) }

func (t *Transport) Complete(ctx context.Context, req inferbatch.TransportRequest) (inferbatch.TransportResponse, error) {
	var resp inferbatch.TransportResponse
	op := func() error {
		r, err := t.inner.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil || !t.retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	err := backoff.RetryNotify(op, t.backOff(ctx), t.notify)
	if err != nil {
		return inferbatch.TransportResponse{}, err
	}
	return resp, nil
}

func (t *Transport) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.initialInterval
	exp.MaxInterval = t.maxInterval
	exp.MaxElapsedTime = t.maxElapsed
	exp.Reset()

	var b backoff.BackOff = exp
	if t.maxRetries > 0 {
		b = backoff.WithMaxRetries(b, t.maxRetries)
	}
	return backoff.WithContext(b, ctx)
}
