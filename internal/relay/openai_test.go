package relay

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mersea/llm-relay/internal/account"
	"github.com/mersea/llm-relay/internal/apikey"
)

func TestOpenAIRequestTranslation(t *testing.T) {
	in := `{
		"model": "claude-sonnet-4-20250514",
		"max_tokens": 512,
		"temperature": 0.7,
		"stop": ["END"],
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi there"}]}
		]
	}`
	out, err := openAIToNative([]byte(in))
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	require.Equal(t, "claude-sonnet-4-20250514", res.Get("model").Str)
	require.Equal(t, int64(512), res.Get("max_tokens").Int())
	require.Equal(t, 0.7, res.Get("temperature").Num)
	require.Equal(t, "be brief", res.Get("system").Str)
	require.Equal(t, "END", res.Get("stop_sequences.0").Str)

	msgs := res.Get("messages").Array()
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Get("role").Str)
	require.Equal(t, "hello", msgs[0].Get("content.0.text").Str)
	require.Equal(t, "assistant", msgs[1].Get("role").Str)
	require.Equal(t, "hi there", msgs[1].Get("content.0.text").Str)
}

func TestOpenAIRequestDefaultsMaxTokens(t *testing.T) {
	out, err := openAIToNative([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, int64(defaultMaxTokens), gjson.GetBytes(out, "max_tokens").Int())
}

func TestOpenAIRequestRequiresModelAndMessages(t *testing.T) {
	_, err := openAIToNative([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.Error(t, err)

	_, err = openAIToNative([]byte(`{"model":"m","messages":[]}`))
	require.Error(t, err)
}

func TestOpenAIToolTranslation(t *testing.T) {
	in := `{
		"model": "m",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"SF\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "sunny"}
		],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "looks up weather", "parameters": {"type": "object"}}}
		],
		"tool_choice": "auto"
	}`
	out, err := openAIToNative([]byte(in))
	require.NoError(t, err)

	res := gjson.ParseBytes(out)
	require.Equal(t, "get_weather", res.Get("tools.0.name").Str)
	require.Equal(t, "object", res.Get("tools.0.input_schema.type").Str)
	require.Equal(t, "auto", res.Get("tool_choice.type").Str)

	msgs := res.Get("messages").Array()
	require.Len(t, msgs, 3)
	require.Equal(t, "tool_use", msgs[1].Get("content.0.type").Str)
	require.Equal(t, "call_1", msgs[1].Get("content.0.id").Str)
	require.Equal(t, "SF", msgs[1].Get("content.0.input.city").Str)
	require.Equal(t, "tool_result", msgs[2].Get("content.0.type").Str)
	require.Equal(t, "call_1", msgs[2].Get("content.0.tool_use_id").Str)
}

func TestOpenAIResponseTranslation(t *testing.T) {
	out := nativeToOpenAIResponse([]byte(upstreamMessage))

	res := gjson.ParseBytes(out)
	require.Equal(t, "chatcmpl-msg_01", res.Get("id").Str)
	require.Equal(t, "chat.completion", res.Get("object").Str)
	require.Equal(t, "hello", res.Get("choices.0.message.content").Str)
	require.Equal(t, "stop", res.Get("choices.0.finish_reason").Str)
	require.Equal(t, int64(25), res.Get("usage.prompt_tokens").Int())
	require.Equal(t, int64(10), res.Get("usage.completion_tokens").Int())
	require.Equal(t, int64(35), res.Get("usage.total_tokens").Int())
}

func TestOpenAIResponseToolCalls(t *testing.T) {
	body := `{"id":"msg_02","type":"message","model":"m","stop_reason":"tool_use",` +
		`"content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"SF"}}],` +
		`"usage":{"input_tokens":5,"output_tokens":3}}`
	out := nativeToOpenAIResponse([]byte(body))

	res := gjson.ParseBytes(out)
	require.Equal(t, "tool_calls", res.Get("choices.0.finish_reason").Str)
	tc := res.Get("choices.0.message.tool_calls.0")
	require.Equal(t, "toolu_1", tc.Get("id").Str)
	require.Equal(t, "get_weather", tc.Get("function.name").Str)
	require.JSONEq(t, `{"city":"SF"}`, tc.Get("function.arguments").Str)
}

func TestOpenAIShimStreamTranslation(t *testing.T) {
	shim := newOpenAIShim("m")

	var frames []string
	for _, data := range []string{
		`{"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-20250514","usage":{"input_tokens":30}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	} {
		frames = append(frames, shim.translate(data)...)
	}

	require.GreaterOrEqual(t, len(frames), 4)
	require.Equal(t, "data: [DONE]\n\n", frames[len(frames)-1])

	var content strings.Builder
	for _, f := range frames[:len(frames)-1] {
		payload := strings.TrimSuffix(strings.TrimPrefix(f, "data: "), "\n\n")
		res := gjson.Parse(payload)
		require.Equal(t, "chat.completion.chunk", res.Get("object").Str)
		require.Equal(t, "chatcmpl-msg_01", res.Get("id").Str)
		content.WriteString(res.Get("choices.0.delta.content").Str)
	}
	require.Equal(t, "hello", content.String())

	final := gjson.Parse(strings.TrimSuffix(strings.TrimPrefix(frames[len(frames)-2], "data: "), "\n\n"))
	require.Equal(t, "stop", final.Get("choices.0.finish_reason").Str)
	require.Equal(t, int64(30), final.Get("usage.prompt_tokens").Int())
	require.Equal(t, int64(12), final.Get("usage.completion_tokens").Int())
}

func TestOpenAIShimStreamToolCalls(t *testing.T) {
	shim := newOpenAIShim("m")

	frames := shim.translate(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`)
	require.Len(t, frames, 1)
	res := gjson.Parse(strings.TrimSuffix(strings.TrimPrefix(frames[0], "data: "), "\n\n"))
	tc := res.Get("choices.0.delta.tool_calls.0")
	require.Equal(t, int64(0), tc.Get("index").Int())
	require.Equal(t, "toolu_1", tc.Get("id").Str)
	require.Equal(t, "get_weather", tc.Get("function.name").Str)

	frames = shim.translate(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`)
	require.Len(t, frames, 1)
	res = gjson.Parse(strings.TrimSuffix(strings.TrimPrefix(frames[0], "data: "), "\n\n"))
	require.Equal(t, `{"city"`, res.Get("choices.0.delta.tool_calls.0.function.arguments").Str)
}

func TestServeOpenAIEndToEnd(t *testing.T) {
	var upstreamBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, upstreamMessage)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.addAccount(t, account.ProviderClaudeOAuth, "tok-a")
	key := f.issueKey(t, apikey.IssueParams{})

	in := `{"model":"claude-sonnet-4-20250514","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hello"}]}`
	w := f.post(t, f.relay.ServeOpenAI, key, "/openai/claude/v1/messages", in)

	require.Equal(t, http.StatusOK, w.Code)

	sent := gjson.Parse(upstreamBody.Load().(string))
	require.Equal(t, "be brief", sent.Get("system").Str)
	require.Equal(t, int64(defaultMaxTokens), sent.Get("max_tokens").Int())

	res := gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, "chat.completion", res.Get("object").Str)
	require.Equal(t, "hello", res.Get("choices.0.message.content").Str)
}

func TestServeOpenAIStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_01","model":"claude-sonnet-4-20250514","usage":{"input_tokens":30}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		} {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	f.addAccount(t, account.ProviderClaudeOAuth, "tok-a")
	key := f.issueKey(t, apikey.IssueParams{})

	in := `{"model":"claude-sonnet-4-20250514","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	w := f.post(t, f.relay.ServeOpenAI, key, "/openai/claude/v1/messages", in)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	require.Contains(t, out, `"object":"chat.completion.chunk"`)
	require.Contains(t, out, `"content":"hello"`)
	require.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	require.NotContains(t, out, "message_start")
}
