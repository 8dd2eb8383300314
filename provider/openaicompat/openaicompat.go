package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/inferbatch"
)

// Transport is a universal OpenAI-compatible API adapter.
// Works with OpenAI, Grok/xAI, Cerebras, Together, Ollama, and others.
type Transport struct {
	name       string
	baseURL    string
	httpClient *http.Client
	models     []string
}

var _ inferbatch.Transport = (*Transport)(nil)

// Option configures the transport.
type Option func(*Transport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(t *Transport) { t.models = models }
}

// New creates a new OpenAI-compatible transport.
func New(name, baseURL string, opts ...Option) *Transport {
	t := &Transport{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewOpenAI creates a transport for OpenAI.
func NewOpenAI(opts ...Option) *Transport {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewGrok creates a transport for Grok/xAI.
func NewGrok(opts ...Option) *Transport {
	return New("grok", "https://api.x.ai/v1", opts...)
}

// NewCerebras creates a transport for Cerebras.
func NewCerebras(opts ...Option) *Transport {
	return New("cerebras", "https://api.cerebras.ai/v1", opts...)
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) SupportsModel(model string) bool {
	if len(t.models) == 0 {
		return true // no filter → accept all
	}
	for _, m := range t.models {
		if m == model {
			return true
		}
	}
	return false
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string                 `json:"model"`
	Messages    []inferbatch.Message   `json:"messages"`
	Tools       []inferbatch.Tool      `json:"tools,omitempty"`
	ToolChoice  *inferbatch.ToolChoice `json:"tool_choice,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	Seed        *int                   `json:"seed,omitempty"`
	Stop        []string               `json:"stop,omitempty"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string                `json:"role"`
			Content   *string               `json:"content"`
			ToolCalls []inferbatch.ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *inferbatch.Usage `json:"usage"`
}

func (t *Transport) Complete(ctx context.Context, req inferbatch.TransportRequest) (inferbatch.TransportResponse, error) {
	httpResp, err := t.doRequest(ctx, req.Auth, t.buildRequest(req))
	if err != nil {
		return inferbatch.TransportResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return inferbatch.TransportResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return inferbatch.TransportResponse{}, fmt.Errorf("inferbatch: decode response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return inferbatch.TransportResponse{}, fmt.Errorf("%w: empty choices in response", inferbatch.ErrProviderUnavailable)
	}

	choice := resp.Choices[0]
	out := inferbatch.TransportResponse{
		ID:           resp.ID,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Model:        resp.Model,
		Usage:        resp.Usage,
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	return out, nil
}

func (t *Transport) buildRequest(req inferbatch.TransportRequest) apiRequest {
	return apiRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Seed:        req.Seed,
		Stop:        req.Stop,
	}
}

func (t *Transport) doRequest(ctx context.Context, auth inferbatch.Auth, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", inferbatch.ErrInvalidRequest, err)
	}

	url := t.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("inferbatch: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if auth.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", inferbatch.ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Credential errors raised by a signing RoundTripper are final.
		if errors.Is(err, inferbatch.ErrAuthFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", inferbatch.ErrProviderUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return inferbatch.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return inferbatch.ErrAuthFailed
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return inferbatch.ErrTimeout
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", inferbatch.ErrModelNotFound, string(body))
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", inferbatch.ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", inferbatch.ErrProviderUnavailable, resp.StatusCode)
	}
}
