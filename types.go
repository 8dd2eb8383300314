package inferbatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is a chat message. Content is a list of text and image parts.
// ToolCalls holds the calls an assistant message made; the matching
// "tool" replies carry ToolCallID.
type Message struct {
	Role       string
	Name       string
	ToolCallID string
	Content    []ContentPart
	ToolCalls  []ToolCall
}

// ContentPart is one piece of message content. The only implementations
// are TextPart and ImagePart.
type ContentPart interface {
	contentPart()
}

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// ImagePart references an image by URL or base64 data URL.
// Width and Height may be set when the URL is remote and the size is known.
type ImagePart struct {
	URL    string
	Detail ImageDetail
	Width  int
	Height int
}

func (TextPart) contentPart()  {}
func (ImagePart) contentPart() {}

// ImageDetail selects the image fidelity requested from the model.
type ImageDetail string

const (
	DetailAuto ImageDetail = "auto"
	DetailLow  ImageDetail = "low"
	DetailHigh ImageDetail = "high"
)

// TextMessage builds a message with a single text part.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentPart{TextPart{Text: text}}}
}

// UserMessage builds a user message with a single text part.
func UserMessage(text string) Message { return TextMessage("user", text) }

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if t, ok := p.(TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

type wireImageURL struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
}

// MarshalJSON encodes the message in the chat-completions wire shape.
// A message with a single text part is encoded with string content, and an
// assistant message carrying only tool calls with null content.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Content) == 0 && len(m.ToolCalls) > 0 {
		return json.Marshal(wireMessage{Role: m.Role, Name: m.Name, Content: json.RawMessage("null"), ToolCalls: m.ToolCalls})
	}

	var content any
	if len(m.Content) == 1 {
		if t, ok := m.Content[0].(TextPart); ok {
			content = t.Text
		}
	}
	if content == nil {
		parts := make([]wirePart, 0, len(m.Content))
		for _, p := range m.Content {
			switch v := p.(type) {
			case TextPart:
				parts = append(parts, wirePart{Type: "text", Text: v.Text})
			case ImagePart:
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: v.URL, Detail: v.Detail}})
			}
		}
		content = parts
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Name: m.Name, ToolCallID: m.ToolCallID, Content: raw, ToolCalls: m.ToolCalls})
}

// UnmarshalJSON accepts string content or a list of typed parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Role: w.Role, Name: w.Name, ToolCallID: w.ToolCallID, ToolCalls: w.ToolCalls}

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(w.Content, &text); err == nil {
		m.Content = []ContentPart{TextPart{Text: text}}
		return nil
	}

	var parts []wirePart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return fmt.Errorf("inferbatch: message content: %w", err)
	}
	for i, p := range parts {
		switch p.Type {
		case "text":
			m.Content = append(m.Content, TextPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return fmt.Errorf("inferbatch: message content[%d]: image_url part without url", i)
			}
			m.Content = append(m.Content, ImagePart{URL: p.ImageURL.URL, Detail: p.ImageURL.Detail})
		default:
			return fmt.Errorf("inferbatch: message content[%d]: unsupported part type %q", i, p.Type)
		}
	}
	return nil
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function and its parameter schema.
type FunctionDef struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Schema is the subset of JSON Schema used for tool parameters.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// FunctionTool is shorthand for a Tool of type "function".
func FunctionTool(fn FunctionDef) Tool {
	return Tool{Type: "function", Function: fn}
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name and JSON-encoded arguments of a call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool choice modes.
const (
	ToolChoiceNone     = "none"
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
)

// ToolChoice controls whether and which tool the model calls. Either Mode
// is set, or Function names the one function the model must call.
type ToolChoice struct {
	Mode     string
	Function string
}

// ToolChoiceMode returns a choice of "none", "auto" or "required".
func ToolChoiceMode(mode string) *ToolChoice { return &ToolChoice{Mode: mode} }

// ToolChoiceFunction forces a call to the named function.
func ToolChoiceFunction(name string) *ToolChoice { return &ToolChoice{Function: name} }

type wireToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// MarshalJSON encodes a mode as a bare string and a named function as
// {"type":"function","function":{"name":...}}.
func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Function != "" {
		var w wireToolChoice
		w.Type = "function"
		w.Function.Name = c.Function
		return json.Marshal(w)
	}
	return json.Marshal(c.Mode)
}

// UnmarshalJSON accepts both wire forms.
func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		switch mode {
		case ToolChoiceNone, ToolChoiceAuto, ToolChoiceRequired:
			*c = ToolChoice{Mode: mode}
			return nil
		}
		return fmt.Errorf("inferbatch: unknown tool_choice %q", mode)
	}

	var w wireToolChoice
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("inferbatch: tool_choice: %w", err)
	}
	if w.Type != "function" || w.Function.Name == "" {
		return fmt.Errorf("inferbatch: tool_choice must name a function")
	}
	*c = ToolChoice{Function: w.Function.Name}
	return nil
}

// Request is one entry of a batch. Sampling fields override the batch
// defaults when set.
type Request struct {
	ID          string      `json:"id,omitempty"`
	Messages    []Message   `json:"messages"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  *ToolChoice `json:"tool_choice,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Seed        *int        `json:"seed,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Pricing holds per-token dollar costs for a model.
type Pricing struct {
	InputTokenCost  float64
	OutputTokenCost float64
}

// Cost is the dollar cost of one request.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Total returns input plus output cost.
func (c Cost) Total() float64 { return c.Input + c.Output }

// Cost computes the dollar cost of the given usage. Unset prices count as zero.
func (p Pricing) Cost(u Usage) Cost {
	return Cost{
		Input:  float64(u.PromptTokens) * p.InputTokenCost,
		Output: float64(u.CompletionTokens) * p.OutputTokenCost,
	}
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
