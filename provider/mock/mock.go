package mock

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ineyio/inferbatch"
)

// Transport is a mock LLM transport for testing.
type Transport struct {
	name         string
	models       []string
	latency      time.Duration
	failAfter    int
	staticErr    error
	usage        *inferbatch.Usage
	serverLimit  *rate.Limiter
	responseFunc func(inferbatch.TransportRequest) (inferbatch.TransportResponse, error)

	callCount   atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ inferbatch.Transport = (*Transport)(nil)

// Option configures a mock Transport.
type Option func(*Transport)

// New creates a mock transport with the given options.
func New(opts ...Option) *Transport {
	t := &Transport{
		name:   "mock",
		models: []string{"mock-model"},
		usage: &inferbatch.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithName sets the transport name.
func WithName(name string) Option {
	return func(t *Transport) { t.name = name }
}

// WithModels sets supported models.
func WithModels(models ...string) Option {
	return func(t *Transport) { t.models = models }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(t *Transport) { t.latency = d }
}

// WithFailAfter makes the transport fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(t *Transport) { t.failAfter = n }
}

// WithError makes the transport always return this error.
func WithError(err error) Option {
	return func(t *Transport) { t.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u inferbatch.Usage) Option {
	return func(t *Transport) { t.usage = &u }
}

// WithoutUsage makes responses carry no usage information.
func WithoutUsage() Option {
	return func(t *Transport) { t.usage = nil }
}

// WithServerRateLimit makes the transport reject calls with
// inferbatch.ErrRateLimited beyond r calls per second, the way a provider
// answers HTTP 429.
func WithServerRateLimit(r rate.Limit, burst int) Option {
	return func(t *Transport) { t.serverLimit = rate.NewLimiter(r, burst) }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(inferbatch.TransportRequest) (inferbatch.TransportResponse, error)) Option {
	return func(t *Transport) { t.responseFunc = fn }
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) SupportsModel(model string) bool {
	for _, m := range t.models {
		if m == model {
			return true
		}
	}
	return false
}

// Calls returns the number of Complete calls made so far.
func (t *Transport) Calls() int64 { return t.callCount.Load() }

// MaxInFlight returns the highest number of concurrent Complete calls seen.
func (t *Transport) MaxInFlight() int64 { return t.maxInFlight.Load() }

func (t *Transport) Complete(ctx context.Context, req inferbatch.TransportRequest) (inferbatch.TransportResponse, error) {
	cur := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		peak := t.maxInFlight.Load()
		if cur <= peak || t.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	count := t.callCount.Add(1)

	if t.latency > 0 {
		timer := time.NewTimer(t.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return inferbatch.TransportResponse{}, ctx.Err()
		}
	}

	if t.serverLimit != nil && !t.serverLimit.Allow() {
		return inferbatch.TransportResponse{}, inferbatch.ErrRateLimited
	}

	if t.staticErr != nil {
		return inferbatch.TransportResponse{}, t.staticErr
	}

	if t.failAfter > 0 && int(count) > t.failAfter {
		return inferbatch.TransportResponse{}, inferbatch.ErrProviderUnavailable
	}

	if t.responseFunc != nil {
		return t.responseFunc(req)
	}

	resp := inferbatch.TransportResponse{
		ID:           "mock-response-id",
		Content:      "Hello from mock transport",
		FinishReason: "stop",
		Model:        req.Model,
	}
	if t.usage != nil {
		u := *t.usage
		resp.Usage = &u
	}
	return resp, nil
}
