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
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicAdapter drives the Anthropic messages API. The wire format
// differs from the chat-completions dialect in three ways that matter here:
// the system prompt is a top-level field, tool results travel as user
// content blocks, and max_tokens is mandatory.
type AnthropicAdapter struct {
	client *http.Client
}

// NewAnthropicAdapter returns an adapter with a client sized for long
// streaming turns.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{client: &http.Client{Timeout: 10 * time.Minute}}
}

func (a *AnthropicAdapter) ID() string { return "anthropic" }

func (a *AnthropicAdapter) SupportsNativeToolCalls() bool { return true }

// Probe sends a one-token message to verify the profile end to end.
func (a *AnthropicAdapter) Probe(ctx context.Context, req ProbeRequest) ProbeResult {
	res := ProbeResult{ProviderID: req.Profile.ID}
	if req.Profile.ID == "" || req.Profile.Model == "" {
		res.Code = ProbeMissingProfile
		res.Detail = "profile needs an id and a model"
		return res
	}
	if kind := req.Profile.Kind; kind != "" && kind != "chat" {
		res.Code = ProbeIncompatibleTransport
		res.Detail = fmt.Sprintf("kind %q is not supported by the anthropic adapter", kind)
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

// RunTurn performs one messages call, streaming deltas through onChunk when
// req.Stream is set.
func (a *AnthropicAdapter) RunTurn(ctx context.Context, req TurnRequest, onChunk func(StreamChunk)) (*TurnResult, error) {
	url := baseURLOr(req.Profile.BaseURL, defaultAnthropicBaseURL) + "/messages"
	resp, err := postJSON(ctx, a.client, url, a.headers(req), buildAnthropicBody(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if req.Stream {
		return parseAnthropicStream(resp.Body, onChunk)
	}
	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := out.toResult()
	emitWhole(result, onChunk)
	return result, nil
}

func (a *AnthropicAdapter) headers(req TurnRequest) map[string]string {
	name := req.AuthHeader
	if name == "" {
		name = "x-api-key"
	}
	return map[string]string{
		name:                req.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func buildAnthropicBody(req TurnRequest) map[string]interface{} {
	quirks := req.Profile.WireQuirks
	system, messages := splitAnthropicMessages(req.Messages, quirks != nil && quirks.SystemAsUser)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	body := map[string]interface{}{
		"model":      req.Profile.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if req.Stream {
		body["stream"] = true
	}
	if len(req.Tools) > 0 {
		body["tools"] = anthropicToolSpecs(req.Tools)
	}
	if req.Temperature > 0 && (quirks == nil || !quirks.NoTemperature) {
		body["temperature"] = req.Temperature
	}
	return body
}

// splitAnthropicMessages lifts system prompts into top-level system blocks
// and folds consecutive tool results into a single user turn, which is the
// shape the messages API requires after an assistant tool_use turn.
func splitAnthropicMessages(messages []Message, systemAsUser bool) (system []map[string]interface{}, out []map[string]interface{}) {
	var pendingResults []map[string]interface{}
	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		out = append(out, map[string]interface{}{"role": "user", "content": pendingResults})
		pendingResults = nil
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			if systemAsUser {
				flushResults()
				out = append(out, map[string]interface{}{
					"role":    "user",
					"content": []map[string]interface{}{{"type": "text", "text": m.Content}},
				})
				continue
			}
			system = append(system, map[string]interface{}{"type": "text", "text": m.Content})
		case "tool":
			pendingResults = append(pendingResults, map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     m.Content,
			})
		case "assistant":
			flushResults()
			blocks := make([]map[string]interface{}, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": ""})
			}
			out = append(out, map[string]interface{}{"role": "assistant", "content": blocks})
		default:
			flushResults()
			blocks := make([]map[string]interface{}, 0, 1+len(m.Images))
			if m.Content != "" || len(m.Images) == 0 {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, img := range m.Images {
				blocks = append(blocks, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.Data,
					},
				})
			}
			out = append(out, map[string]interface{}{"role": "user", "content": blocks})
		}
	}
	flushResults()
	return system, out
}

func anthropicToolSpecs(tools []ToolDef) []map[string]interface{} {
	specs := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		specs = append(specs, map[string]interface{}{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		})
	}
	return specs
}

type anthropicBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type anthropicUsageWire struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *anthropicUsageWire) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:        u.InputTokens,
		CompletionTokens:    u.OutputTokens,
		TotalTokens:         u.InputTokens + u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

type anthropicResponse struct {
	Content    []anthropicBlock    `json:"content"`
	StopReason string              `json:"stop_reason"`
	Usage      *anthropicUsageWire `json:"usage"`
}

func (r *anthropicResponse) toResult() *TurnResult {
	result := &TurnResult{Usage: r.Usage.toUsage()}
	var text strings.Builder
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]interface{}{}
			}
			result.NativeToolCalls = append(result.NativeToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: input,
			})
		}
	}
	result.Text = text.String()
	result.FinishReason = anthropicFinishReason(r.StopReason, len(result.NativeToolCalls) > 0)
	return result
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage *anthropicUsageWire `json:"usage"`
	} `json:"message"`
	ContentBlock *anthropicBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsageWire `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicCallBuilder accumulates one streamed tool_use block; the input
// arrives as JSON fragments carried by input_json_delta events.
type anthropicCallBuilder struct {
	id      string
	name    string
	rawArgs strings.Builder
}

// parseAnthropicStream consumes the messages SSE body. Blocks are keyed by
// the index the API assigns each content block.
func parseAnthropicStream(body io.Reader, onChunk func(StreamChunk)) (*TurnResult, error) {
	result := &TurnResult{}
	builders := make(map[int]*anthropicCallBuilder)
	usage := &anthropicUsageWire{}
	var text strings.Builder
	stopReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheCreationInputTokens = event.Message.Usage.CacheCreationInputTokens
				usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				builders[event.Index] = &anthropicCallBuilder{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					text.WriteString(event.Delta.Text)
					if onChunk != nil {
						onChunk(StreamChunk{Delta: event.Delta.Text})
					}
				}
			case "input_json_delta":
				if b, ok := builders[event.Index]; ok {
					b.rawArgs.WriteString(event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("stream error: %s: %s", event.Error.Type, event.Error.Message)
			}
			return nil, fmt.Errorf("stream error")
		case "message_stop":
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	result.Text = text.String()
	result.NativeToolCalls = finishAnthropicCalls(builders)
	result.FinishReason = anthropicFinishReason(stopReason, len(result.NativeToolCalls) > 0)
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		result.Usage = usage.toUsage()
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func finishAnthropicCalls(builders map[int]*anthropicCallBuilder) []ToolCall {
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

func anthropicFinishReason(stopReason string, hasToolCalls bool) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		return "stop"
	}
	if hasToolCalls {
		return "tool_calls"
	}
	return "stop"
}
