// Package gonka adapts the Gonka decentralized compute network, which speaks
// the OpenAI chat-completions protocol but authenticates every request with
// a secp256k1 signature instead of a bearer token.
package gonka

import (
	"context"
	"net/http"
	"time"

	"github.com/ineyio/inferbatch"
	"github.com/ineyio/inferbatch/provider/openaicompat"
)

// Transport is the Gonka adapter. It composes openaicompat.Transport with
// request signing.
//
// Auth.APIKey carries the hex-encoded secp256k1 private key. The signer
// reads it from the Authorization header, replaces it with the signature
// and adds the Gonka requester headers.
type Transport struct {
	inner *openaicompat.Transport
}

var _ inferbatch.Transport = (*Transport)(nil)

// Option configures the Gonka transport.
type Option func(*config)

type config struct {
	name     string
	models   []string
	endpoint Endpoint
	timeout  time.Duration
	base     http.RoundTripper
	now      func() time.Time
}

// WithName sets the transport name (default: "gonka").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(c *config) { c.models = models }
}

// WithEndpoint sets the Gonka node endpoint.
func WithEndpoint(e Endpoint) Option {
	return func(c *config) { c.endpoint = e }
}

// WithTimeout sets the HTTP client timeout. Default is 120s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBaseTransport sets the underlying HTTP transport (before signing).
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.base = rt }
}

// withNowFunc is used in tests for deterministic timestamps.
func withNowFunc(fn func() time.Time) Option {
	return func(c *config) { c.now = fn }
}

// New creates a new Gonka transport.
func New(opts ...Option) *Transport {
	cfg := &config{
		name:    "gonka",
		timeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	base := cfg.base
	if base == nil {
		base = http.DefaultTransport
	}

	sig := newSigner(base, cfg.endpoint)
	if cfg.now != nil {
		sig.now = cfg.now
	}

	innerOpts := []openaicompat.Option{
		openaicompat.WithHTTPClient(&http.Client{Transport: sig, Timeout: cfg.timeout}),
	}
	if len(cfg.models) > 0 {
		innerOpts = append(innerOpts, openaicompat.WithModels(cfg.models...))
	}

	return &Transport{inner: openaicompat.New(cfg.name, cfg.endpoint.URL, innerOpts...)}
}

func (t *Transport) Name() string { return t.inner.Name() }

func (t *Transport) SupportsModel(model string) bool { return t.inner.SupportsModel(model) }

func (t *Transport) Complete(ctx context.Context, req inferbatch.TransportRequest) (inferbatch.TransportResponse, error) {
	return t.inner.Complete(ctx, req)
}
