package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Transport is the Gemini API adapter.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	models     []string
}

var _ inferbatch.Transport = (*Transport)(nil)

// Option configures the transport.
type Option func(*Transport)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(t *Transport) { t.models = models }
}

// New creates a new Gemini transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return "gemini" }

func (t *Transport) SupportsModel(model string) bool {
	if len(t.models) == 0 {
		return true
	}
	for _, m := range t.models {
		if m == model {
			return true
		}
	}
	return false
}

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []inferbatch.FunctionDef `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	Seed            *int     `json:"seed,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (t *Transport) Complete(ctx context.Context, req inferbatch.TransportRequest) (inferbatch.TransportResponse, error) {
	body, err := buildRequest(req)
	if err != nil {
		return inferbatch.TransportResponse{}, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", t.baseURL, req.Model, req.Auth.APIKey)

	httpResp, err := t.doRequest(ctx, url, body)
	if err != nil {
		return inferbatch.TransportResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return inferbatch.TransportResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return inferbatch.TransportResponse{}, fmt.Errorf("inferbatch: decode gemini response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return inferbatch.TransportResponse{}, fmt.Errorf("%w: empty candidates in gemini response", inferbatch.ErrProviderUnavailable)
	}

	cand := resp.Candidates[0]
	out := inferbatch.TransportResponse{
		FinishReason: strings.ToLower(cand.FinishReason),
		Model:        req.Model,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	var sb strings.Builder
	for i, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
		if p.FunctionCall != nil {
			var call inferbatch.ToolCall
			call.ID = fmt.Sprintf("call_%d", i)
			call.Type = "function"
			call.Function.Name = p.FunctionCall.Name
			call.Function.Arguments = string(p.FunctionCall.Args)
			out.ToolCalls = append(out.ToolCalls, call)
		}
	}
	out.Content = sb.String()

	if resp.UsageMetadata != nil {
		out.Usage = &inferbatch.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	return out, nil
}

func buildRequest(req inferbatch.TransportRequest) (geminiRequest, error) {
	var gr geminiRequest
	// Tool replies reference calls by ID; Gemini wants the function name.
	callNames := make(map[string]string)
	for _, m := range req.Messages {
		parts, err := convertParts(m.Content)
		if err != nil {
			return geminiRequest{}, err
		}

		switch m.Role {
		case "system":
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, parts...)
			continue
		case "assistant":
			for _, call := range m.ToolCalls {
				fc, err := functionCall(call)
				if err != nil {
					return geminiRequest{}, err
				}
				callNames[call.ID] = call.Function.Name
				parts = append(parts, geminiPart{FunctionCall: fc})
			}
			gr.Contents = append(gr.Contents, geminiContent{Role: "model", Parts: parts})
		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.Name
			}
			if name == "" {
				return geminiRequest{}, fmt.Errorf("%w: tool reply %q matches no earlier call", inferbatch.ErrInvalidRequest, m.ToolCallID)
			}
			gr.Contents = append(gr.Contents, geminiContent{Role: "user", Parts: []geminiPart{{
				FunctionResponse: &geminiFunctionResponse{Name: name, Response: functionResult(m.Text())},
			}}})
		default:
			gr.Contents = append(gr.Contents, geminiContent{Role: "user", Parts: parts})
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]inferbatch.FunctionDef, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = tool.Function
		}
		gr.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		tc, err := toolConfig(*req.ToolChoice)
		if err != nil {
			return geminiRequest{}, err
		}
		gr.ToolConfig = tc
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || req.Seed != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
			Seed:            req.Seed,
			StopSequences:   req.Stop,
		}
	}

	return gr, nil
}

// toolConfig maps a tool choice onto Gemini's function calling modes.
// A named function becomes ANY restricted to that name.
func toolConfig(c inferbatch.ToolChoice) (*geminiToolConfig, error) {
	var cfg geminiFunctionCallingConfig
	switch {
	case c.Function != "":
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{c.Function}
	case c.Mode == inferbatch.ToolChoiceAuto:
		cfg.Mode = "AUTO"
	case c.Mode == inferbatch.ToolChoiceNone:
		cfg.Mode = "NONE"
	case c.Mode == inferbatch.ToolChoiceRequired:
		cfg.Mode = "ANY"
	default:
		return nil, fmt.Errorf("%w: unsupported tool choice %q", inferbatch.ErrInvalidRequest, c.Mode)
	}
	return &geminiToolConfig{FunctionCallingConfig: cfg}, nil
}

func functionCall(call inferbatch.ToolCall) (*geminiFunctionCall, error) {
	args := json.RawMessage("{}")
	if strings.TrimSpace(call.Function.Arguments) != "" {
		if !json.Valid([]byte(call.Function.Arguments)) {
			return nil, fmt.Errorf("%w: tool call %s: arguments are not JSON", inferbatch.ErrInvalidRequest, call.ID)
		}
		args = json.RawMessage(call.Function.Arguments)
	}
	return &geminiFunctionCall{Name: call.Function.Name, Args: args}, nil
}

// functionResult wraps a tool reply as the object Gemini expects. JSON
// object replies pass through as is.
func functionResult(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"content": text})
	return wrapped
}

func convertParts(content []inferbatch.ContentPart) ([]geminiPart, error) {
	parts := make([]geminiPart, 0, len(content))
	for _, c := range content {
		switch p := c.(type) {
		case inferbatch.TextPart:
			parts = append(parts, geminiPart{Text: p.Text})
		case inferbatch.ImagePart:
			if rest, ok := strings.CutPrefix(p.URL, "data:"); ok {
				header, data, found := strings.Cut(rest, ",")
				if !found {
					return nil, fmt.Errorf("%w: malformed image data URL", inferbatch.ErrInvalidRequest)
				}
				parts = append(parts, geminiPart{InlineData: &geminiBlob{
					MimeType: strings.TrimSuffix(header, ";base64"),
					Data:     data,
				}})
				continue
			}
			parts = append(parts, geminiPart{FileData: &geminiFileData{FileURI: p.URL}})
		}
	}
	return parts, nil
}

func (t *Transport) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal gemini request: %v", inferbatch.ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("inferbatch: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", inferbatch.ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
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
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", inferbatch.ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", inferbatch.ErrProviderUnavailable, resp.StatusCode)
	}
}
