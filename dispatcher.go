package inferbatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ineyio/inferbatch/ratelimit"
)

// Limiter admits requests against request and token budgets.
// *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, tokens int64) (ratelimit.Reservation, error)
	Release(res ratelimit.Reservation, actualTokens int64) error
	Forfeit(res ratelimit.Reservation) error
	Close() error
}

var _ Limiter = (*ratelimit.Limiter)(nil)

// Dispatcher runs single requests through estimation, admission, the
// transport call and settlement, with a bound on in-flight requests.
type Dispatcher struct {
	model     string
	transport Transport
	estimator TokenEstimator
	limiter   Limiter
	meter     Meter
	ledger    Ledger
	slots     *semaphore.Weighted

	concurrency int
	margin      int64
	pricing     Pricing
	auth        Auth
	timeout     time.Duration
	temperature *float64
	maxTokens   *int
	now         func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter sets the rate limiter.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithEstimator replaces the BPE estimator.
func WithEstimator(e TokenEstimator) Option {
	return func(d *Dispatcher) { d.estimator = e }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithLedger sets the usage ledger.
func WithLedger(l Ledger) Option {
	return func(d *Dispatcher) { d.ledger = l }
}

// WithConcurrency bounds the number of requests in flight.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithSafetyMargin adds a fixed number of tokens to every estimate.
func WithSafetyMargin(tokens int64) Option {
	return func(d *Dispatcher) { d.margin = tokens }
}

// WithPricing sets per-token costs.
func WithPricing(p Pricing) Option {
	return func(d *Dispatcher) { d.pricing = p }
}

// WithAuth sets the credentials passed to the transport.
func WithAuth(a Auth) Option {
	return func(d *Dispatcher) { d.auth = a }
}

// WithTimeout bounds each transport call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(d *Dispatcher) { d.temperature = &t }
}

// WithMaxTokens sets the default output length limit.
func WithMaxTokens(n int) Option {
	return func(d *Dispatcher) { d.maxTokens = &n }
}

// NewDispatcher creates a Dispatcher for one model and transport.
// Without options it uses the model's BPE estimator, no rate limit and
// DefaultConcurrency slots.
func NewDispatcher(model string, transport Transport, opts ...Option) (*Dispatcher, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	d := &Dispatcher{
		model:       model,
		transport:   transport,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.concurrency <= 0 {
		return nil, fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, d.concurrency)
	}
	if d.margin < 0 {
		return nil, fmt.Errorf("%w: safety margin must not be negative", ErrInvalidConfig)
	}

	// Apply defaults after options.
	if d.estimator == nil {
		est, err := NewEstimator(model)
		if err != nil {
			return nil, err
		}
		d.estimator = est
	}
	if d.limiter == nil {
		d.limiter = &noopLimiter{}
	}
	if d.meter == nil {
		d.meter = &noopMeter{}
	}
	if d.ledger == nil {
		d.ledger = &noopLedger{}
	}
	d.slots = semaphore.NewWeighted(int64(d.concurrency))

	return d, nil
}

// Model returns the model the dispatcher sends requests to.
func (d *Dispatcher) Model() string { return d.model }

// Dispatch runs one request to completion and returns its outcome.
// It never returns an error: every failure is captured in the outcome.
// Limiter capacity reserved for the request is settled exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, index int, req Request) Outcome {
	out := Outcome{Index: index, RequestID: req.ID}
	if out.RequestID == "" {
		out.RequestID = uuid.New().String()
	}
	start := d.now()

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return d.fail(ctx, out, start, KindCanceled, err)
	}
	defer d.slots.Release(1)

	estimated, err := d.estimator.EstimateTokens(req.Messages, req.Tools)
	if err != nil {
		if !errors.Is(err, ErrEstimation) {
			err = fmt.Errorf("%w: %v", ErrEstimation, err)
		}
		return d.fail(ctx, out, start, KindEstimation, err)
	}
	out.EstimatedTokens = estimated + d.margin

	res, err := d.limiter.Acquire(ctx, out.EstimatedTokens)
	if err != nil {
		kind := KindLimiter
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		return d.fail(ctx, out, start, kind, err)
	}

	d.meter.OnDispatch(DispatchEvent{
		RequestID:       out.RequestID,
		Index:           index,
		Provider:        d.transport.Name(),
		Model:           d.model,
		EstimatedTokens: out.EstimatedTokens,
		Waited:          res.Waited,
	})

	resp, err := d.call(ctx, req)
	if err != nil {
		_ = d.limiter.Forfeit(res)
		kind := KindTransport
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		return d.fail(ctx, out, start, kind, err)
	}

	if resp.Usage == nil {
		// Nothing to reconcile against; the estimate stays charged.
		_ = d.limiter.Forfeit(res)
		out.Response = &resp
		return d.fail(ctx, out, start, KindMissingUsage, ErrMissingUsage)
	}

	_ = d.limiter.Release(res, resp.Usage.TotalTokens)

	out.Response = &resp
	out.Usage = *resp.Usage
	out.Cost = d.pricing.Cost(*resp.Usage)
	out.Duration = d.now().Sub(start)

	d.meter.OnResult(ResultEvent{
		RequestID:       out.RequestID,
		Index:           index,
		Provider:        d.transport.Name(),
		Model:           d.model,
		Success:         true,
		Duration:        out.Duration,
		EstimatedTokens: out.EstimatedTokens,
		Usage:           out.Usage,
		Cost:            out.Cost,
	})
	d.record(ctx, out)

	return out
}

func (d *Dispatcher) call(ctx context.Context, req Request) (TransportResponse, error) {
	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resp, err := d.transport.Complete(callCtx, d.transportRequest(req))
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return resp, err
}

func (d *Dispatcher) transportRequest(req Request) TransportRequest {
	tr := TransportRequest{
		Auth:        d.auth,
		Model:       d.model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Seed:        req.Seed,
		Stop:        req.Stop,
	}
	if tr.Temperature == nil {
		tr.Temperature = d.temperature
	}
	if tr.MaxTokens == nil {
		tr.MaxTokens = d.maxTokens
	}
	return tr
}

func (d *Dispatcher) fail(ctx context.Context, out Outcome, start time.Time, kind ErrorKind, err error) Outcome {
	out.Duration = d.now().Sub(start)
	out.Err = &DispatchError{
		Kind:      kind,
		Index:     out.Index,
		RequestID: out.RequestID,
		Model:     d.model,
		Err:       err,
	}

	d.meter.OnResult(ResultEvent{
		RequestID:       out.RequestID,
		Index:           out.Index,
		Provider:        d.transport.Name(),
		Model:           d.model,
		Success:         false,
		Kind:            kind,
		Duration:        out.Duration,
		EstimatedTokens: out.EstimatedTokens,
		Error:           err,
	})
	d.record(ctx, out)

	return out
}

func (d *Dispatcher) record(ctx context.Context, out Outcome) {
	entry := LedgerEntry{
		RequestID:       out.RequestID,
		Model:           d.model,
		Success:         out.Success(),
		EstimatedTokens: out.EstimatedTokens,
		Usage:           out.Usage,
		Cost:            out.Cost,
		At:              d.now(),
	}
	if out.Err != nil {
		entry.Kind = out.Err.Kind
	}
	// The ledger is written even when the batch context is canceled.
	_ = d.ledger.Record(context.WithoutCancel(ctx), entry)
}

// noopLimiter admits everything immediately.
type noopLimiter struct{}

func (l *noopLimiter) Acquire(_ context.Context, tokens int64) (ratelimit.Reservation, error) {
	return ratelimit.Reservation{ID: uuid.New().String(), Tokens: tokens}, nil
}
func (l *noopLimiter) Release(ratelimit.Reservation, int64) error { return nil }
func (l *noopLimiter) Forfeit(ratelimit.Reservation) error        { return nil }
func (l *noopLimiter) Close() error                               { return nil }
