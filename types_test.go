package inferbatch_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ib "github.com/ineyio/inferbatch"
)

func TestMessage_MarshalText(t *testing.T) {
	data, err := json.Marshal(ib.TextMessage("system", "be brief"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"system","content":"be brief"}`, string(data))
}

func TestMessage_MarshalParts(t *testing.T) {
	msg := ib.Message{
		Role: "user",
		Name: "alice",
		Content: []ib.ContentPart{
			ib.TextPart{Text: "what is this?"},
			ib.ImagePart{URL: "https://example.com/cat.png", Detail: ib.DetailLow},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"role": "user",
		"name": "alice",
		"content": [
			{"type": "text", "text": "what is this?"},
			{"type": "image_url", "image_url": {"url": "https://example.com/cat.png", "detail": "low"}}
		]
	}`, string(data))

	var back ib.Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, msg, back)
}

func TestMessage_UnmarshalString(t *testing.T) {
	var msg ib.Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"tool","tool_call_id":"call_1","content":"42"}`), &msg))

	assert.Equal(t, "tool", msg.Role)
	assert.Equal(t, "call_1", msg.ToolCallID)
	assert.Equal(t, "42", msg.Text())
}

func TestMessage_UnmarshalNullContent(t *testing.T) {
	var msg ib.Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null}`), &msg))
	assert.Empty(t, msg.Content)
}

func TestMessage_ToolCallsRoundTrip(t *testing.T) {
	in := `{"role":"assistant","content":null,"tool_calls":[
		{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]}`

	var msg ib.Message
	require.NoError(t, json.Unmarshal([]byte(in), &msg))
	assert.Empty(t, msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"city":"Paris"}`, msg.ToolCalls[0].Function.Arguments)

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestMessage_ToolCallsWithText(t *testing.T) {
	msg := ib.TextMessage("assistant", "Checking.")
	msg.ToolCalls = []ib.ToolCall{{ID: "c", Type: "function", Function: ib.FunctionCall{Name: "f", Arguments: "{}"}}}

	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":"Checking.",
		"tool_calls":[{"id":"c","type":"function","function":{"name":"f","arguments":"{}"}}]}`, string(out))
}

func TestToolChoice_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ib.ToolChoice
	}{
		{"auto", `"auto"`, ib.ToolChoice{Mode: ib.ToolChoiceAuto}},
		{"none", `"none"`, ib.ToolChoice{Mode: ib.ToolChoiceNone}},
		{"required", `"required"`, ib.ToolChoice{Mode: ib.ToolChoiceRequired}},
		{"named function", `{"type":"function","function":{"name":"get_weather"}}`, ib.ToolChoice{Function: "get_weather"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c ib.ToolChoice
			require.NoError(t, json.Unmarshal([]byte(tt.in), &c))
			assert.Equal(t, tt.want, c)

			out, err := json.Marshal(c)
			require.NoError(t, err)
			assert.JSONEq(t, tt.in, string(out))
		})
	}
}

func TestToolChoice_Invalid(t *testing.T) {
	for _, in := range []string{
		`"sometimes"`,
		`{"type":"function","function":{}}`,
		`{"type":"retrieval","function":{"name":"x"}}`,
		`7`,
	} {
		var c ib.ToolChoice
		assert.Error(t, json.Unmarshal([]byte(in), &c), in)
	}
}

func TestRequest_ObjectToolChoice(t *testing.T) {
	line := `{"messages":[{"role":"user","content":"weather?"}],
		"tool_choice":{"type":"function","function":{"name":"get_weather"}}}`

	var req ib.Request
	require.NoError(t, json.Unmarshal([]byte(line), &req))
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, "get_weather", req.ToolChoice.Function)

	var plain ib.Request
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[]}`), &plain))
	assert.Nil(t, plain.ToolChoice)
}

func TestMessage_UnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown part type", `{"role":"user","content":[{"type":"audio"}]}`},
		{"image without url", `{"role":"user","content":[{"type":"image_url"}]}`},
		{"content number", `{"role":"user","content":7}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg ib.Message
			assert.Error(t, json.Unmarshal([]byte(tt.data), &msg))
		})
	}
}

func TestPricing_Cost(t *testing.T) {
	p := ib.Pricing{InputTokenCost: 0.5, OutputTokenCost: 2}
	c := p.Cost(ib.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13})
	assert.Equal(t, ib.Cost{Input: 5, Output: 6}, c)
	assert.Equal(t, 11.0, c.Total())
}

func TestDispatchError(t *testing.T) {
	err := &ib.DispatchError{Kind: ib.KindTransport, Index: 2, RequestID: "r", Model: "m", Err: ib.ErrAuthFailed}

	assert.ErrorIs(t, err, ib.ErrAuthFailed)
	assert.Contains(t, err.Error(), "transport")
	assert.True(t, ib.IsFatal(err))
	assert.False(t, ib.IsRetryable(err))
	assert.True(t, ib.IsRetryable(ib.ErrRateLimited))
}
