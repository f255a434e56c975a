// Package providers holds the adapter contract for model providers, the
// concrete openai/anthropic/mock adapters, and the failover manager that
// walks a session's provider chain when calls fail.
package providers

import (
	"context"

	"github.com/drosthq/drost/internal/config"
)

// Adapter translates a generic turn request to one provider family's wire
// format. Adapters are stateless with respect to sessions: profile and auth
// material arrive with every call.
type Adapter interface {
	// ID is the adapter identifier profiles bind to via adapterId.
	ID() string

	// SupportsNativeToolCalls reports whether this adapter can carry typed
	// tool definitions and return structured tool calls.
	SupportsNativeToolCalls() bool

	// Probe checks that the profile is usable: auth present, endpoint
	// reachable, credentials accepted. Never returns an error; failures are
	// encoded in the result code.
	Probe(ctx context.Context, req ProbeRequest) ProbeResult

	// RunTurn executes one model call. Text deltas stream through onChunk
	// as they arrive; the returned result carries the full accumulated
	// output.
	RunTurn(ctx context.Context, req TurnRequest, onChunk func(StreamChunk)) (*TurnResult, error)
}

// ProbeRequest carries the profile under probe plus its resolved auth
// material. AuthHeader overrides the adapter's default header name when the
// auth profile sets one.
type ProbeRequest struct {
	Profile    config.ProviderProfile
	APIKey     string
	AuthHeader string
}

// Probe result codes. Only ok is healthy; everything else becomes a
// degradation reason at startup, never a startup abort.
const (
	ProbeOK                    = "ok"
	ProbeMissingProfile        = "missing_profile"
	ProbeMissingAuth           = "missing_auth"
	ProbeIncompatibleTransport = "incompatible_transport"
	ProbeUnreachable           = "unreachable"
	ProbeProviderError         = "provider_error"
)

// ProbeResult is the outcome of one provider probe.
type ProbeResult struct {
	ProviderID string `json:"providerId"`
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
	LatencyMs  int64  `json:"latencyMs,omitempty"`
}

// Healthy reports whether the probe passed.
func (r ProbeResult) Healthy() bool { return r.Code == ProbeOK }

// TurnRequest is the input to one adapter call.
type TurnRequest struct {
	Profile     config.ProviderProfile
	APIKey      string
	AuthHeader  string
	Messages    []Message
	Tools       []ToolDef // non-nil selects native tool-call mode
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// TurnResult is the adapter's accumulated output for one call.
type TurnResult struct {
	Text            string
	NativeToolCalls []ToolCall
	Usage           *Usage
	FinishReason    string // "stop", "tool_calls", "length"
}

// StreamChunk is one streaming callback from an adapter.
type StreamChunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// Message is one conversation message on the adapter wire.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"` // for role="tool" results
}

// ImageContent is a base64-encoded image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolCall is one structured tool invocation returned by a model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDef describes one tool offered to the model in native mode.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens        int `json:"promptTokens"`
	CompletionTokens    int `json:"completionTokens"`
	TotalTokens         int `json:"totalTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int `json:"cacheReadTokens,omitempty"`
}

// Capabilities is the resolved feature set for one provider profile.
type Capabilities struct {
	NativeToolCalls  bool
	Streaming        bool
	ImageInput       bool
	MaxContextTokens int
}

// familyDefaults returns the baseline capability set for a model family.
// Unknown families get a conservative text-mode baseline.
func familyDefaults(family string) Capabilities {
	switch family {
	case "openai":
		return Capabilities{NativeToolCalls: true, Streaming: true, ImageInput: true, MaxContextTokens: 128000}
	case "anthropic":
		return Capabilities{NativeToolCalls: true, Streaming: true, ImageInput: true, MaxContextTokens: 200000}
	default:
		return Capabilities{NativeToolCalls: false, Streaming: true, ImageInput: false, MaxContextTokens: 32768}
	}
}

// ResolveCapabilities layers profile hints over the family defaults, then
// applies the adapter override: an adapter that cannot do native tool calls
// wins over any hint claiming otherwise.
func ResolveCapabilities(profile config.ProviderProfile, adapter Adapter) Capabilities {
	caps := familyDefaults(profile.Family)

	if h := profile.CapabilityHints; h != nil {
		if h.NativeToolCalls != nil {
			caps.NativeToolCalls = *h.NativeToolCalls
		}
		if h.Streaming != nil {
			caps.Streaming = *h.Streaming
		}
		if h.ImageInput != nil {
			caps.ImageInput = *h.ImageInput
		}
		if h.MaxContextTokens > 0 {
			caps.MaxContextTokens = h.MaxContextTokens
		}
	}

	if adapter != nil && !adapter.SupportsNativeToolCalls() {
		caps.NativeToolCalls = false
	}
	return caps
}
