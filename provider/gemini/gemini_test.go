package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ib "github.com/ineyio/inferbatch"
)

func TestTransport_Complete(t *testing.T) {
	var captured geminiRequest
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.URL.Query().Get("key")
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))

		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "Hello"}, {"text": " world"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 2, "totalTokenCount": 10},
			"modelVersion": "gemini-2.0-flash-001"
		}`)
	}))
	defer srv.Close()

	tr := New(WithBaseURL(srv.URL))
	resp, err := tr.Complete(context.Background(), ib.TransportRequest{
		Auth:  ib.Auth{APIKey: "g-key"},
		Model: "gemini-2.0-flash",
		Messages: []ib.Message{
			ib.TextMessage("system", "be brief"),
			ib.UserMessage("hi"),
			ib.TextMessage("assistant", "hello"),
			{Role: "user", Content: []ib.ContentPart{
				ib.TextPart{Text: "describe"},
				ib.ImagePart{URL: "data:image/png;base64,iVBORw0KGgo="},
			}},
		},
		MaxTokens: ib.IntPtr(32),
	})
	require.NoError(t, err)

	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", path)
	assert.Equal(t, "g-key", key)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "gemini-2.0-flash-001", resp.Model)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, int64(10), resp.Usage.TotalTokens)

	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "be brief", captured.SystemInstruction.Parts[0].Text)
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "model", captured.Contents[1].Role)
	img := captured.Contents[2].Parts[1].InlineData
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, "iVBORw0KGgo=", img.Data)
	require.NotNil(t, captured.GenerationConfig)
	assert.Equal(t, 32, *captured.GenerationConfig.MaxOutputTokens)
}

func TestTransport_FunctionCall(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &raw))
		fmt.Fprint(w, `{
			"candidates": [{"content": {"parts": [{"functionCall": {"name": "set_color", "args": {"color": "red"}}}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 20, "candidatesTokenCount": 4, "totalTokenCount": 24}
		}`)
	}))
	defer srv.Close()

	resp, err := New(WithBaseURL(srv.URL)).Complete(context.Background(), ib.TransportRequest{
		Model:    "gemini-2.0-flash",
		Messages: []ib.Message{ib.UserMessage("paint it")},
		Tools: []ib.Tool{ib.FunctionTool(ib.FunctionDef{
			Name: "set_color",
			Parameters: &ib.Schema{Type: "object", Properties: map[string]*ib.Schema{
				"color": {Type: "string", Enum: []any{"red", "green"}},
			}},
		})},
	})
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "set_color", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"color":"red"}`, resp.ToolCalls[0].Function.Arguments)

	tools := raw["tools"].([]any)
	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	assert.Equal(t, "set_color", decls[0].(map[string]any)["name"])
}

func TestTransport_MissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`)
	}))
	defer srv.Close()

	resp, err := New(WithBaseURL(srv.URL)).Complete(context.Background(), ib.TransportRequest{
		Model:    "gemini-2.0-flash",
		Messages: []ib.Message{ib.UserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Usage)
}

func TestTransport_RemoteImageUsesFileData(t *testing.T) {
	gr, err := buildRequest(ib.TransportRequest{Messages: []ib.Message{{
		Role:    "user",
		Content: []ib.ContentPart{ib.ImagePart{URL: "gs://bucket/cat.jpg"}},
	}}})
	require.NoError(t, err)
	require.NotNil(t, gr.Contents[0].Parts[0].FileData)
	assert.Equal(t, "gs://bucket/cat.jpg", gr.Contents[0].Parts[0].FileData.FileURI)
}

func TestTransport_MalformedDataURL(t *testing.T) {
	_, err := buildRequest(ib.TransportRequest{Messages: []ib.Message{{
		Role:    "user",
		Content: []ib.ContentPart{ib.ImagePart{URL: "data:image/png;base64"}},
	}}})
	assert.ErrorIs(t, err, ib.ErrInvalidRequest)
}

func TestBuildRequest_ToolChoice(t *testing.T) {
	tests := []struct {
		name    string
		choice  *ib.ToolChoice
		mode    string
		allowed []string
	}{
		{"auto", ib.ToolChoiceMode(ib.ToolChoiceAuto), "AUTO", nil},
		{"none", ib.ToolChoiceMode(ib.ToolChoiceNone), "NONE", nil},
		{"required", ib.ToolChoiceMode(ib.ToolChoiceRequired), "ANY", nil},
		{"named function", ib.ToolChoiceFunction("set_color"), "ANY", []string{"set_color"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gr, err := buildRequest(ib.TransportRequest{
				Messages:   []ib.Message{ib.UserMessage("paint it")},
				ToolChoice: tt.choice,
			})
			require.NoError(t, err)
			require.NotNil(t, gr.ToolConfig)
			assert.Equal(t, tt.mode, gr.ToolConfig.FunctionCallingConfig.Mode)
			assert.Equal(t, tt.allowed, gr.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)
		})
	}

	gr, err := buildRequest(ib.TransportRequest{Messages: []ib.Message{ib.UserMessage("hi")}})
	require.NoError(t, err)
	assert.Nil(t, gr.ToolConfig)

	_, err = buildRequest(ib.TransportRequest{ToolChoice: &ib.ToolChoice{Mode: "sometimes"}})
	assert.ErrorIs(t, err, ib.ErrInvalidRequest)
}

func TestTransport_ToolChoiceOnTheWire(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &raw))
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}],"usageMetadata":{"totalTokenCount":3}}`)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).Complete(context.Background(), ib.TransportRequest{
		Model:      "gemini-2.0-flash",
		Messages:   []ib.Message{ib.UserMessage("paint it")},
		ToolChoice: ib.ToolChoiceFunction("set_color"),
	})
	require.NoError(t, err)

	cfg := raw["toolConfig"].(map[string]any)["functionCallingConfig"].(map[string]any)
	assert.Equal(t, "ANY", cfg["mode"])
	assert.Equal(t, []any{"set_color"}, cfg["allowedFunctionNames"])
}

func TestBuildRequest_ToolConversation(t *testing.T) {
	gr, err := buildRequest(ib.TransportRequest{Messages: []ib.Message{
		ib.UserMessage("weather in Paris and time?"),
		{Role: "assistant", ToolCalls: []ib.ToolCall{
			{ID: "call_1", Type: "function", Function: ib.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
			{ID: "call_2", Type: "function", Function: ib.FunctionCall{Name: "get_time"}},
		}},
		{Role: "tool", ToolCallID: "call_1", Content: []ib.ContentPart{ib.TextPart{Text: `{"temp":21}`}}},
		{Role: "tool", ToolCallID: "call_2", Content: []ib.ContentPart{ib.TextPart{Text: "12:00"}}},
	}})
	require.NoError(t, err)
	require.Len(t, gr.Contents, 4)

	model := gr.Contents[1]
	assert.Equal(t, "model", model.Role)
	require.Len(t, model.Parts, 2)
	assert.Equal(t, "get_weather", model.Parts[0].FunctionCall.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(model.Parts[0].FunctionCall.Args))
	assert.JSONEq(t, `{}`, string(model.Parts[1].FunctionCall.Args))

	weather := gr.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, weather)
	assert.Equal(t, "get_weather", weather.Name)
	assert.JSONEq(t, `{"temp":21}`, string(weather.Response))

	clock := gr.Contents[3].Parts[0].FunctionResponse
	require.NotNil(t, clock)
	assert.Equal(t, "get_time", clock.Name)
	assert.JSONEq(t, `{"content":"12:00"}`, string(clock.Response))
}

func TestBuildRequest_ToolConversationErrors(t *testing.T) {
	_, err := buildRequest(ib.TransportRequest{Messages: []ib.Message{
		{Role: "tool", ToolCallID: "missing", Content: []ib.ContentPart{ib.TextPart{Text: "x"}}},
	}})
	assert.ErrorIs(t, err, ib.ErrInvalidRequest)

	_, err = buildRequest(ib.TransportRequest{Messages: []ib.Message{
		{Role: "assistant", ToolCalls: []ib.ToolCall{{ID: "c", Function: ib.FunctionCall{Name: "f", Arguments: "{not json"}}}},
	}})
	assert.ErrorIs(t, err, ib.ErrInvalidRequest)
}

func TestTransport_HTTPErrors(t *testing.T) {
	tests := map[int]error{
		http.StatusTooManyRequests:     ib.ErrRateLimited,
		http.StatusForbidden:           ib.ErrAuthFailed,
		http.StatusBadRequest:          ib.ErrInvalidRequest,
		http.StatusServiceUnavailable:  ib.ErrProviderUnavailable,
		http.StatusRequestTimeout:      ib.ErrTimeout,
		http.StatusInternalServerError: ib.ErrProviderUnavailable,
	}
	for status, want := range tests {
		t.Run(strings.ReplaceAll(http.StatusText(status), " ", "_"), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			_, err := New(WithBaseURL(srv.URL)).Complete(context.Background(), ib.TransportRequest{Model: "m"})
			assert.ErrorIs(t, err, want)
		})
	}
}
