package inferbatch

import "context"

// Transport is the interface that LLM provider adapters must implement.
type Transport interface {
	// Name returns the provider identifier (e.g. "openai", "gemini", "gonka").
	Name() string

	// SupportsModel returns true if this transport can serve the given model.
	SupportsModel(model string) bool

	// Complete performs a single non-streaming chat completion.
	Complete(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// Auth holds authentication credentials for a provider account.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// TransportRequest is the request sent to a transport.
type TransportRequest struct {
	Auth     Auth
	Model    string
	Messages []Message

	Tools      []Tool
	ToolChoice *ToolChoice

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Seed        *int
	Stop        []string
}

// TransportResponse is the response from a transport.
// Usage is nil when the provider did not report token counts.
type TransportResponse struct {
	ID           string     `json:"id,omitempty"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Model        string     `json:"model,omitempty"`
}
