package relay

import (
	"github.com/tidwall/gjson"

	"github.com/mersea/llm-relay/internal/usage"
)

// parseMessageStart folds input token counts and the resolved model from
// a message_start SSE event into tk.
func parseMessageStart(data []byte, tk *usage.Tokens, model *string) {
	if gjson.GetBytes(data, "type").Str != "message_start" {
		return
	}
	msg := gjson.GetBytes(data, "message")
	tk.Input = msg.Get("usage.input_tokens").Int()
	tk.CacheWrite = msg.Get("usage.cache_creation_input_tokens").Int()
	tk.CacheRead = msg.Get("usage.cache_read_input_tokens").Int()
	if m := msg.Get("model").Str; m != "" {
		*model = m
	}
}

// parseMessageDelta accumulates output tokens from message_delta events.
func parseMessageDelta(data []byte, tk *usage.Tokens) {
	if gjson.GetBytes(data, "type").Str != "message_delta" {
		return
	}
	tk.Output += gjson.GetBytes(data, "usage.output_tokens").Int()
}

// parseJSONUsage extracts usage from a non-streaming response body.
func parseJSONUsage(body []byte) (usage.Tokens, string) {
	u := gjson.GetBytes(body, "usage")
	return usage.Tokens{
		Input:      u.Get("input_tokens").Int(),
		Output:     u.Get("output_tokens").Int(),
		CacheWrite: u.Get("cache_creation_input_tokens").Int(),
		CacheRead:  u.Get("cache_read_input_tokens").Int(),
	}, gjson.GetBytes(body, "model").Str
}
