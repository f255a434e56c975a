package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/drosthq/drost/internal/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter drives OpenAI-compatible chat-completions endpoints. Router
// services and most self-hosted gateways speak the same dialect, so this
// adapter also serves profiles whose baseUrl points elsewhere.
type OpenAIAdapter struct {
	client *http.Client
}

// NewOpenAIAdapter returns an adapter with a client sized for long
// streaming turns.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{client: &http.Client{Timeout: 10 * time.Minute}}
}

func (a *OpenAIAdapter) ID() string { return "openai" }

func (a *OpenAIAdapter) SupportsNativeToolCalls() bool { return true }

// Probe sends a one-token completion to verify the profile end to end:
// reachability, auth and model name in a single round trip.
func (a *OpenAIAdapter) Probe(ctx context.Context, req ProbeRequest) ProbeResult {
	res := ProbeResult{ProviderID: req.Profile.ID}
	if req.Profile.ID == "" || req.Profile.Model == "" {
		res.Code = ProbeMissingProfile
		res.Detail = "profile needs an id and a model"
		return res
	}
	if kind := req.Profile.Kind; kind != "" && kind != "chat" {
		res.Code = ProbeIncompatibleTransport
		res.Detail = fmt.Sprintf("kind %q is not supported by the openai adapter", kind)
		return res
	}
	if req.APIKey == "" {
		res.Code = ProbeMissingAuth
		res.Detail = "no API key resolved for profile"
		return res
	}
	start := time.Now()
	_, err := a.RunTurn(ctx, TurnRequest{
		Profile:    req.Profile,
		APIKey:     req.APIKey,
		AuthHeader: req.AuthHeader,
		Messages:   []Message{{Role: "user", Content: "hi"}},
		MaxTokens:  1,
	}, nil)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err == nil {
		res.Code = ProbeOK
		return res
	}
	res.Detail = err.Error()
	switch Classify(err) {
	case ClassAuth:
		res.Code = ProbeMissingAuth
	case ClassTransport, ClassTimeout, ClassCancelled:
		res.Code = ProbeUnreachable
	default:
		res.Code = ProbeProviderError
	}
	return res
}

// RunTurn performs one chat-completions call, streaming deltas through
// onChunk when req.Stream is set.
func (a *OpenAIAdapter) RunTurn(ctx context.Context, req TurnRequest, onChunk func(StreamChunk)) (*TurnResult, error) {
	url := baseURLOr(req.Profile.BaseURL, defaultOpenAIBaseURL) + "/chat/completions"
	resp, err := postJSON(ctx, a.client, url, a.headers(req), buildOpenAIBody(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if req.Stream {
		return parseOpenAIStream(resp.Body, onChunk)
	}
	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := out.toResult()
	emitWhole(result, onChunk)
	return result, nil
}

func (a *OpenAIAdapter) headers(req TurnRequest) map[string]string {
	h := make(map[string]string, 1)
	if name := req.AuthHeader; name != "" && !strings.EqualFold(name, "Authorization") {
		h[name] = req.APIKey
	} else {
		h["Authorization"] = "Bearer " + req.APIKey
	}
	return h
}

func buildOpenAIBody(req TurnRequest) map[string]interface{} {
	quirks := req.Profile.WireQuirks
	body := map[string]interface{}{
		"model":    req.Profile.Model,
		"messages": openAIMessages(req.Messages, quirks),
	}
	if req.Stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		body["tools"] = openAIToolSpecs(req.Tools)
		body["tool_choice"] = "auto"
	}
	if req.MaxTokens > 0 {
		param := "max_tokens"
		if quirks != nil && quirks.MaxTokensParam != "" {
			param = quirks.MaxTokensParam
		}
		body[param] = req.MaxTokens
	}
	if req.Temperature > 0 && (quirks == nil || !quirks.NoTemperature) {
		body["temperature"] = req.Temperature
	}
	return body
}

func openAIMessages(messages []Message, quirks *config.WireQuirks) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == "system" && quirks != nil && quirks.SystemAsUser {
			role = "user"
		}
		msg := map[string]interface{}{"role": role}
		switch {
		case m.Role == "user" && len(m.Images) > 0:
			parts := make([]map[string]interface{}, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			msg["content"] = parts
		case len(m.ToolCalls) == 0 || m.Content != "":
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]interface{}, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		out = append(out, msg)
	}
	return out
}

func openAIToolSpecs(tools []ToolDef) []map[string]interface{} {
	specs := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object"}
		}
		specs = append(specs, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return specs
}

type openAIToolCallWire struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsageWire struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openAIUsageWire) toUsage() *Usage {
	if u == nil {
		return nil
	}
	usage := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string               `json:"content"`
			ToolCalls []openAIToolCallWire `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsageWire `json:"usage"`
}

func (r *openAIResponse) toResult() *TurnResult {
	result := &TurnResult{Usage: r.Usage.toUsage(), FinishReason: "stop"}
	if len(r.Choices) == 0 {
		return result
	}
	choice := r.Choices[0]
	result.Text = choice.Message.Content
	result.NativeToolCalls = decodeOpenAIToolCalls(choice.Message.ToolCalls)
	result.FinishReason = normalizeFinishReason(choice.FinishReason, len(result.NativeToolCalls) > 0)
	return result
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string               `json:"content"`
			ToolCalls []openAIToolCallWire `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsageWire `json:"usage"`
}

// toolCallBuilder accumulates one streamed tool call; arguments arrive as
// raw JSON fragments spread over many chunks.
type toolCallBuilder struct {
	id      string
	name    string
	rawArgs strings.Builder
}

// parseOpenAIStream consumes an SSE body, forwarding text deltas and
// assembling tool calls keyed by choice index.
func parseOpenAIStream(body io.Reader, onChunk func(StreamChunk)) (*TurnResult, error) {
	result := &TurnResult{FinishReason: "stop"}
	builders := make(map[int]*toolCallBuilder)
	var text strings.Builder
	finish := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var event openAIStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.Usage != nil {
			result.Usage = event.Usage.toUsage()
		}
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if onChunk != nil {
				onChunk(StreamChunk{Delta: choice.Delta.Content})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			b, ok := builders[tc.Index]
			if !ok {
				b = &toolCallBuilder{}
				builders[tc.Index] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.rawArgs.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	result.Text = text.String()
	result.NativeToolCalls = finishToolCalls(builders)
	result.FinishReason = normalizeFinishReason(finish, len(result.NativeToolCalls) > 0)
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func finishToolCalls(builders map[int]*toolCallBuilder) []ToolCall {
	if len(builders) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(builders))
	for i := range builders {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]ToolCall, 0, len(builders))
	for _, i := range indexes {
		b := builders[i]
		call := ToolCall{ID: b.id, Name: b.name, Arguments: map[string]interface{}{}}
		if raw := b.rawArgs.String(); raw != "" {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &args); err == nil {
				call.Arguments = args
			}
		}
		calls = append(calls, call)
	}
	return calls
}

func decodeOpenAIToolCalls(wire []openAIToolCallWire) []ToolCall {
	if len(wire) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(wire))
	for _, tc := range wire {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]interface{}{}}
		if tc.Function.Arguments != "" {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
				call.Arguments = args
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// normalizeFinishReason folds provider-specific stop reasons onto the three
// values the session manager understands.
func normalizeFinishReason(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_calls"
	case "length", "max_tokens":
		return "length"
	}
	if hasToolCalls {
		return "tool_calls"
	}
	return "stop"
}
