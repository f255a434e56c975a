package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/redact"
	"github.com/drosthq/drost/internal/tracestore"
	"github.com/drosthq/drost/internal/tracing"
	"github.com/drosthq/drost/pkg/protocol"
)

// RunRequest asks the runtime to execute one tool call.
type RunRequest struct {
	SessionID  string
	Tool       string
	Input      map[string]interface{}
	ProviderID string
	// OnEvent, when set, receives this call's lifecycle events in addition
	// to the broadcast bus.
	OnEvent bus.EventHandler
}

// Outcome is the result of one tool call. Err is nil on success; Code
// mirrors the error's failure code for convenience.
type Outcome struct {
	CallID   string
	Tool     string
	Output   string
	Code     string
	Err      error
	Duration time.Duration
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// ResultHook observes completed tool calls (plugin onToolResult surface).
type ResultHook func(sessionID string, outcome Outcome)

// Runtime dispatches tool calls through lookup, policy, validation,
// execution, event emission, and trace persistence.
type Runtime struct {
	registry *Registry
	policy   Policy
	events   bus.EventPublisher
	traces   tracestore.Store
	hooks    []ResultHook

	workspace string
	roots     []string

	now func() time.Time
}

// RuntimeOptions configures a Runtime. Events and Traces may be nil.
type RuntimeOptions struct {
	Registry     *Registry
	Policy       Policy
	Events       bus.EventPublisher
	Traces       tracestore.Store
	WorkspaceDir string
	MutableRoots []string
	Now          func() time.Time
}

// NewRuntime builds a Runtime. MutableRoots defaults to [WorkspaceDir].
func NewRuntime(opts RuntimeOptions) *Runtime {
	roots := opts.MutableRoots
	if len(roots) == 0 {
		roots = []string{opts.WorkspaceDir}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runtime{
		registry:  registry,
		policy:    opts.Policy,
		events:    opts.Events,
		traces:    opts.Traces,
		workspace: opts.WorkspaceDir,
		roots:     roots,
		now:       now,
	}
}

// Registry exposes the underlying registry (for listing and MCP wiring).
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Definitions returns the policy-filtered tool definitions for providers.
func (rt *Runtime) Definitions() []Definition {
	return rt.policy.Filter(rt.registry.Definitions())
}

// OnResult registers a hook invoked after every completed call.
func (rt *Runtime) OnResult(hook ResultHook) {
	rt.hooks = append(rt.hooks, hook)
}

// Run executes one tool call. All failures come back inside the Outcome;
// callers decide whether to feed them to the model or abort the turn.
func (rt *Runtime) Run(ctx context.Context, req RunRequest) Outcome {
	out := Outcome{
		CallID: uuid.NewString(),
		Tool:   req.Tool,
	}

	tool, ok := rt.registry.Get(req.Tool)
	if !ok {
		out.Err = protocol.E(protocol.CodeToolNotFound, "tool not found: %s", req.Tool)
		out.Code = protocol.CodeToolNotFound
		return out
	}

	if err := rt.policy.Check(req.Tool); err != nil {
		out.Err = err
		out.Code = protocol.CodeOf(err)
		rt.emit(req, bus.Event{
			Name:      protocol.EventToolPolicyDenied,
			SessionID: req.SessionID,
			Payload: map[string]interface{}{
				"tool":    req.Tool,
				"message": err.Error(),
			},
		})
		return out
	}

	rt.emit(req, bus.Event{
		Name:      protocol.EventToolCallStarted,
		SessionID: req.SessionID,
		Payload: map[string]interface{}{
			"tool":   req.Tool,
			"callId": out.CallID,
		},
	})

	started := rt.now()
	spanCtx, span := tracing.StartTool(ctx, req.Tool, req.SessionID)

	if err := validateInput(tool, req.Input); err != nil {
		out.Err = err
		out.Code = protocol.CodeOf(err)
	} else {
		tc := ToolContext{
			WorkspaceDir: rt.workspace,
			MutableRoots: rt.roots,
			SessionID:    req.SessionID,
			ProviderID:   req.ProviderID,
		}
		output, err := tool.Execute(spanCtx, req.Input, tc)
		out.Output = output
		if err != nil {
			out.Err = err
			out.Code = protocol.CodeOf(err)
		}
	}
	out.Duration = rt.now().Sub(started)
	tracing.EndWithError(span, out.Err)

	completed := map[string]interface{}{
		"tool":       req.Tool,
		"callId":     out.CallID,
		"ok":         out.OK(),
		"durationMs": out.Duration.Milliseconds(),
	}
	if !out.OK() {
		completed["code"] = out.Code
		completed["error"] = map[string]interface{}{"message": out.Err.Error()}
	}
	rt.emit(req, bus.Event{
		Name:      protocol.EventToolCallCompleted,
		SessionID: req.SessionID,
		Payload:   completed,
	})

	rt.appendTrace(ctx, req, out)
	for _, hook := range rt.hooks {
		hook(req.SessionID, out)
	}
	return out
}

// emit broadcasts an event and mirrors it to the per-call handler.
func (rt *Runtime) emit(req RunRequest, event bus.Event) {
	if event.At.IsZero() {
		event.At = rt.now()
	}
	if rt.events != nil {
		rt.events.Broadcast(event)
	}
	if req.OnEvent != nil {
		req.OnEvent(event)
	}
}

// appendTrace persists the redacted call record. Trace failures are logged,
// never surfaced: losing a trace must not fail the turn.
func (rt *Runtime) appendTrace(ctx context.Context, req RunRequest, out Outcome) {
	if rt.traces == nil {
		return
	}

	rec := tracestore.Record{
		ID:         out.CallID,
		SessionID:  req.SessionID,
		Tool:       req.Tool,
		ProviderID: req.ProviderID,
		Input:      redactedJSON(req.Input),
		Output:     redact.String(out.Output),
		OK:         out.OK(),
		Code:       out.Code,
		DurationMs: out.Duration.Milliseconds(),
		CreatedAt:  rt.now(),
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if err := rt.traces.Append(ctx, rec); err != nil {
		slog.Warn("tools.trace.append_failed", "tool", req.Tool, "error", err)
	}
}

// redactedJSON scrubs a tool input and renders it as compact JSON.
func redactedJSON(input map[string]interface{}) string {
	if input == nil {
		return "{}"
	}
	scrubbed := redact.Value(normalizeJSON(input))
	raw, err := json.Marshal(scrubbed)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
