package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mersea/llm-relay/internal/scheduler"
)

const defaultMaxTokens = 4096

// ServeOpenAI handles a request in OpenAI chat-completions format. The
// body is translated to the native messages format, forwarded through
// the normal pipeline, and the response translated back. The shim is
// purely syntactic; no content is rewritten.
func (r *Relay) ServeOpenAI(w http.ResponseWriter, req *http.Request) {
	key := KeyFromContext(req.Context())
	if key == nil {
		writeErrorResponse(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	body, ok := r.readBody(w, req)
	if !ok {
		return
	}

	native, err := openAIToNative(body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	model := gjson.GetBytes(native, "model").Str
	if !key.AllowsModel(model) {
		writeErrorResponse(w, http.StatusForbidden, "permission_error", "model not allowed for this key")
		return
	}
	stream := gjson.GetBytes(native, "stream").Bool()

	grant, err := r.limiter.Admit(req.Context(), key)
	if err != nil {
		r.writeLimitError(w, err)
		return
	}
	defer grant.Release(context.WithoutCancel(req.Context()))

	r.forward(w, req, key, forwardParams{
		body:        native,
		model:       model,
		stream:      stream,
		fingerprint: scheduler.Fingerprint(native),
		providers:   claudeProviders,
		shim:        newOpenAIShim(model),
	})
}

// openAIToNative translates an OpenAI chat-completions request body into
// a messages-API body.
func openAIToNative(body []byte) ([]byte, error) {
	model := gjson.GetBytes(body, "model").Str
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}

	out := `{}`
	out, _ = sjson.Set(out, "model", model)

	maxTokens := gjson.GetBytes(body, "max_completion_tokens").Int()
	if maxTokens == 0 {
		maxTokens = gjson.GetBytes(body, "max_tokens").Int()
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	out, _ = sjson.Set(out, "max_tokens", maxTokens)

	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Num)
	}
	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Num)
	}
	if gjson.GetBytes(body, "stream").Bool() {
		out, _ = sjson.Set(out, "stream", true)
	}

	if stop := gjson.GetBytes(body, "stop"); stop.Exists() {
		var seqs []string
		if stop.IsArray() {
			for _, s := range stop.Array() {
				seqs = append(seqs, s.Str)
			}
		} else if stop.Str != "" {
			seqs = []string{stop.Str}
		}
		if len(seqs) > 0 {
			raw, _ := json.Marshal(seqs)
			out, _ = sjson.SetRaw(out, "stop_sequences", string(raw))
		}
	}

	system, messages, err := translateOpenAIMessages(body)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages is required")
	}
	if system != "" {
		out, _ = sjson.Set(out, "system", system)
	}
	msgRaw, _ := json.Marshal(messages)
	out, _ = sjson.SetRaw(out, "messages", string(msgRaw))

	out = translateOpenAITools(out, body)
	return []byte(out), nil
}

// translateOpenAIMessages splits out system prompts and converts the
// remaining turns. Tool result turns become tool_result content blocks
// on a user message, matching how the upstream API expects them.
func translateOpenAIMessages(body []byte) (string, []map[string]any, error) {
	var systemParts []string
	var messages []map[string]any

	for _, m := range gjson.GetBytes(body, "messages").Array() {
		role := m.Get("role").Str
		content := m.Get("content")

		switch role {
		case "system", "developer":
			systemParts = append(systemParts, flattenContent(content))

		case "tool":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": m.Get("tool_call_id").Str,
				"content":     flattenContent(content),
			}
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": []any{block},
			})

		case "user", "assistant":
			msg := map[string]any{"role": role}
			var blocks []any
			if text := flattenContent(content); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range m.Get("tool_calls").Array() {
				var input any = map[string]any{}
				if args := tc.Get("function.arguments").Str; args != "" {
					var parsed any
					if err := json.Unmarshal([]byte(args), &parsed); err == nil {
						input = parsed
					}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.Get("id").Str,
					"name":  tc.Get("function.name").Str,
					"input": input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			msg["content"] = blocks
			messages = append(messages, msg)

		default:
			return "", nil, fmt.Errorf("unsupported message role %q", role)
		}
	}

	return strings.Join(systemParts, "\n\n"), messages, nil
}

// flattenContent joins string or text-part content into plain text.
// Non-text parts (images and the like) are dropped.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	for _, part := range content.Array() {
		if part.Get("type").Str == "text" {
			b.WriteString(part.Get("text").Str)
		}
	}
	return b.String()
}

func translateOpenAITools(out string, body []byte) string {
	tools := gjson.GetBytes(body, "tools").Array()
	if len(tools) > 0 {
		var converted []map[string]any
		for _, t := range tools {
			if t.Get("type").Str != "function" {
				continue
			}
			fn := t.Get("function")
			schema := fn.Get("parameters").Value()
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			converted = append(converted, map[string]any{
				"name":         fn.Get("name").Str,
				"description":  fn.Get("description").Str,
				"input_schema": schema,
			})
		}
		if len(converted) > 0 {
			raw, _ := json.Marshal(converted)
			out, _ = sjson.SetRaw(out, "tools", string(raw))
		}
	}

	switch choice := gjson.GetBytes(body, "tool_choice"); {
	case choice.Str == "none":
		out, _ = sjson.Set(out, "tool_choice.type", "none")
	case choice.Str == "required":
		out, _ = sjson.Set(out, "tool_choice.type", "any")
	case choice.Str == "auto":
		out, _ = sjson.Set(out, "tool_choice.type", "auto")
	case choice.IsObject():
		if name := choice.Get("function.name").Str; name != "" {
			out, _ = sjson.Set(out, "tool_choice.type", "tool")
			out, _ = sjson.Set(out, "tool_choice.name", name)
		}
	}
	return out
}

// nativeToOpenAIResponse translates a non-streaming messages response
// into a chat.completion object.
func nativeToOpenAIResponse(body []byte) []byte {
	res := gjson.ParseBytes(body)
	if res.Get("type").Str != "message" {
		return body
	}

	var text strings.Builder
	var toolCalls []map[string]any
	for _, block := range res.Get("content").Array() {
		switch block.Get("type").Str {
		case "text":
			text.WriteString(block.Get("text").Str)
		case "tool_use":
			args, _ := json.Marshal(block.Get("input").Value())
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").Str,
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").Str,
					"arguments": string(args),
				},
			})
		}
	}

	message := map[string]any{"role": "assistant", "content": text.String()}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	in := res.Get("usage.input_tokens").Int()
	outTok := res.Get("usage.output_tokens").Int()

	completion := map[string]any{
		"id":      "chatcmpl-" + res.Get("id").Str,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   res.Get("model").Str,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": openAIFinishReason(res.Get("stop_reason").Str),
		}},
		"usage": map[string]any{
			"prompt_tokens":     in,
			"completion_tokens": outTok,
			"total_tokens":      in + outTok,
		},
	}
	out, err := json.Marshal(completion)
	if err != nil {
		return body
	}
	return out
}

func openAIFinishReason(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// openAIShim rewrites the upstream SSE event stream into OpenAI
// chat.completion.chunk frames. It keeps just enough state to number
// tool calls and close the stream with a finish_reason.
type openAIShim struct {
	id         string
	model      string
	created    int64
	finish     string
	inTokens   int64
	outTokens  int64
	blockTools map[int64]int
	nextTool   int
}

func newOpenAIShim(model string) *openAIShim {
	return &openAIShim{
		id:         "chatcmpl-" + shortID(strings.ReplaceAll(model, "/", "")),
		model:      model,
		created:    time.Now().Unix(),
		blockTools: make(map[int64]int),
	}
}

// translate converts one upstream SSE data payload into zero or more
// complete SSE frames to emit to the client.
func (s *openAIShim) translate(data string) []string {
	ev := gjson.Parse(data)
	switch ev.Get("type").Str {
	case "message_start":
		if id := ev.Get("message.id").Str; id != "" {
			s.id = "chatcmpl-" + id
		}
		if m := ev.Get("message.model").Str; m != "" {
			s.model = m
		}
		s.inTokens = ev.Get("message.usage.input_tokens").Int()
		return []string{s.frame(map[string]any{"role": "assistant", "content": ""})}

	case "content_block_start":
		block := ev.Get("content_block")
		if block.Get("type").Str != "tool_use" {
			return nil
		}
		idx := ev.Get("index").Int()
		s.blockTools[idx] = s.nextTool
		s.nextTool++
		return []string{s.frame(map[string]any{
			"tool_calls": []map[string]any{{
				"index": s.blockTools[idx],
				"id":    block.Get("id").Str,
				"type":  "function",
				"function": map[string]any{
					"name":      block.Get("name").Str,
					"arguments": "",
				},
			}},
		})}

	case "content_block_delta":
		delta := ev.Get("delta")
		switch delta.Get("type").Str {
		case "text_delta":
			return []string{s.frame(map[string]any{"content": delta.Get("text").Str})}
		case "input_json_delta":
			idx := ev.Get("index").Int()
			toolIdx, ok := s.blockTools[idx]
			if !ok {
				return nil
			}
			return []string{s.frame(map[string]any{
				"tool_calls": []map[string]any{{
					"index":    toolIdx,
					"function": map[string]any{"arguments": delta.Get("partial_json").Str},
				}},
			})}
		}
		return nil

	case "message_delta":
		if sr := ev.Get("delta.stop_reason").Str; sr != "" {
			s.finish = openAIFinishReason(sr)
		}
		if out := ev.Get("usage.output_tokens").Int(); out > 0 {
			s.outTokens = out
		}
		return nil

	case "message_stop":
		finish := s.finish
		if finish == "" {
			finish = "stop"
		}
		return []string{
			s.finalFrame(finish),
			"data: [DONE]\n\n",
		}
	}
	return nil
}

func (s *openAIShim) frame(delta map[string]any) string {
	chunk := map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nil,
		}},
	}
	raw, _ := json.Marshal(chunk)
	return "data: " + string(raw) + "\n\n"
}

func (s *openAIShim) finalFrame(finish string) string {
	chunk := map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     s.inTokens,
			"completion_tokens": s.outTokens,
			"total_tokens":      s.inTokens + s.outTokens,
		},
	}
	raw, _ := json.Marshal(chunk)
	return "data: " + string(raw) + "\n\n"
}
