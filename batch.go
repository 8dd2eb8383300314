package inferbatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ineyio/inferbatch/ratelimit"
)

// Outcome is the result of one request in a batch. Exactly one of
// Response-with-usage or Err describes it.
type Outcome struct {
	Index           int
	RequestID       string
	EstimatedTokens int64
	Response        *TransportResponse
	Usage           Usage
	Cost            Cost
	Duration        time.Duration
	Err             *DispatchError
}

// Success reports whether the request completed with usage information.
func (o Outcome) Success() bool { return o.Err == nil }

// Content returns the response text, or "" if there was no response.
func (o Outcome) Content() string {
	if o.Response == nil {
		return ""
	}
	return o.Response.Content
}

// BatchRunner dispatches batches against one model. Close must be called
// once the runner is no longer needed.
type BatchRunner struct {
	dispatcher *Dispatcher
	closeOnce  sync.Once
	closeErr   error
}

// NewBatchRunner builds a runner from config for the given model, which
// defaults to cfg.DefaultModel. A rate limiter is created when the model
// has quotas and no limiter is passed in opts. Options override config.
func NewBatchRunner(cfg Config, model string, transport Transport, opts ...Option) (*BatchRunner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == "" {
		model = cfg.DefaultModel
	}
	mc, err := cfg.Model(model)
	if err != nil {
		return nil, err
	}
	if transport != nil && !transport.SupportsModel(model) {
		return nil, fmt.Errorf("%w: %q is not served by %s", ErrModelNotFound, model, transport.Name())
	}

	base := []Option{
		WithSafetyMargin(cfg.TokenSafetyMargin),
		WithPricing(mc.Pricing()),
		WithAuth(cfg.Provider.Auth),
		WithTimeout(cfg.Timeout),
	}
	if cfg.Concurrency > 0 {
		base = append(base, WithConcurrency(cfg.Concurrency))
	}
	if cfg.Temperature != nil {
		base = append(base, WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens != nil {
		base = append(base, WithMaxTokens(*cfg.MaxTokens))
	}

	d, err := NewDispatcher(model, transport, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	if _, unlimited := d.limiter.(*noopLimiter); unlimited && mc.Limited() {
		lim, err := ratelimit.New(mc.Quota(cfg.MinSpacing))
		if err != nil {
			return nil, fmt.Errorf("%w: model %s: %v", ErrInvalidConfig, model, err)
		}
		d.limiter = lim
	}

	return &BatchRunner{dispatcher: d}, nil
}

// Dispatcher returns the runner's dispatcher.
func (b *BatchRunner) Dispatcher() *Dispatcher { return b.dispatcher }

// Run dispatches all requests concurrently and returns one outcome per
// request, in input order. It returns once every request is resolved.
func (b *BatchRunner) Run(ctx context.Context, requests []Request) []Outcome {
	outcomes := make([]Outcome, len(requests))

	var g errgroup.Group
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			outcomes[i] = b.dispatcher.Dispatch(ctx, i, req)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// Close releases the limiter. Calling it more than once is safe.
func (b *BatchRunner) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.dispatcher.limiter.Close()
	})
	return b.closeErr
}

// RunBatch is the one-shot entry point: it builds a runner, runs the
// batch and closes the runner whatever the outcome. An error is returned
// only when the runner cannot be built.
func RunBatch(ctx context.Context, cfg Config, model string, transport Transport, requests []Request, opts ...Option) ([]Outcome, error) {
	runner, err := NewBatchRunner(cfg, model, transport, opts...)
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	return runner.Run(ctx, requests), nil
}

// Summary aggregates a batch's outcomes.
type Summary struct {
	Succeeded        int
	Failed           int
	ByKind           map[ErrorKind]int
	EstimatedTokens  int64
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
}

// Summarize folds outcomes into a Summary.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{ByKind: make(map[ErrorKind]int)}
	for _, o := range outcomes {
		s.EstimatedTokens += o.EstimatedTokens
		if !o.Success() {
			s.Failed++
			s.ByKind[o.Err.Kind]++
			continue
		}
		s.Succeeded++
		s.PromptTokens += o.Usage.PromptTokens
		s.CompletionTokens += o.Usage.CompletionTokens
		s.Cost += o.Cost.Total()
	}
	return s
}
