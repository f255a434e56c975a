package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/internal/tracestore"
	"github.com/drosthq/drost/pkg/protocol"
)

// memTraceStore collects appended records in memory.
type memTraceStore struct {
	mu      sync.Mutex
	records []tracestore.Record
}

func (m *memTraceStore) Append(ctx context.Context, rec tracestore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memTraceStore) List(ctx context.Context, sessionID string, limit int) ([]tracestore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracestore.Record(nil), m.records...), nil
}

func (m *memTraceStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memTraceStore) Close() error { return nil }

func (m *memTraceStore) last(t *testing.T) tracestore.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("no trace records appended")
	}
	return m.records[len(m.records)-1]
}

func newTestRuntime(t *testing.T, tool Tool, policy Policy) (*Runtime, *memTraceStore, *[]bus.Event) {
	t.Helper()

	registry := NewRegistry()
	if tool != nil {
		registry.Register(tool)
	}

	broker := bus.NewBroker()
	var events []bus.Event
	broker.Subscribe("test", func(e bus.Event) { events = append(events, e) })

	traces := &memTraceStore{}
	rt := NewRuntime(RuntimeOptions{
		Registry:     registry,
		Policy:       policy,
		Events:       broker,
		Traces:       traces,
		WorkspaceDir: t.TempDir(),
	})
	return rt, traces, &events
}

// TestRunUnknownTool verifies lookup failure returns tool_not_found without
// emitting lifecycle events.
func TestRunUnknownTool(t *testing.T) {
	rt, _, events := newTestRuntime(t, nil, Policy{})

	out := rt.Run(context.Background(), RunRequest{SessionID: "s1", Tool: "ghost"})
	if out.Code != protocol.CodeToolNotFound {
		t.Errorf("Code = %q, want %q", out.Code, protocol.CodeToolNotFound)
	}
	if len(*events) != 0 {
		t.Errorf("expected no events for unknown tool, got %d", len(*events))
	}
}

// TestRunPolicyDenied verifies a denied tool emits tool.policy.denied and
// never executes.
func TestRunPolicyDenied(t *testing.T) {
	executed := false
	tool := &stubTool{
		name: "shell",
		run: func(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
			executed = true
			return "ran", nil
		},
	}
	rt, _, events := newTestRuntime(t, tool, Policy{Denied: []string{"shell"}})

	out := rt.Run(context.Background(), RunRequest{SessionID: "s1", Tool: "shell"})
	if out.Code != protocol.CodePolicyDenied {
		t.Errorf("Code = %q, want %q", out.Code, protocol.CodePolicyDenied)
	}
	if executed {
		t.Error("denied tool was executed")
	}
	if len(*events) != 1 || (*events)[0].Name != protocol.EventToolPolicyDenied {
		t.Fatalf("expected single %s event, got %+v", protocol.EventToolPolicyDenied, *events)
	}
}

// TestRunSuccessPipeline verifies the full happy path: started and completed
// events in order, the tool's output in the outcome, and a redacted trace
// record.
func TestRunSuccessPipeline(t *testing.T) {
	tool := &stubTool{
		name: "echo",
		run: func(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
			if tc.SessionID != "s1" {
				t.Errorf("ToolContext.SessionID = %q, want s1", tc.SessionID)
			}
			return "hello " + optionalString(input, "apiKey"), nil
		},
	}
	rt, traces, events := newTestRuntime(t, tool, Policy{})

	out := rt.Run(context.Background(), RunRequest{
		SessionID:  "s1",
		Tool:       "echo",
		Input:      map[string]interface{}{"apiKey": "sk-verysecretvalue12345"},
		ProviderID: "openai",
	})
	if !out.OK() {
		t.Fatalf("Run failed: %v", out.Err)
	}
	if out.CallID == "" {
		t.Error("expected a call id")
	}

	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*events))
	}
	if (*events)[0].Name != protocol.EventToolCallStarted {
		t.Errorf("first event = %q, want %q", (*events)[0].Name, protocol.EventToolCallStarted)
	}
	if (*events)[1].Name != protocol.EventToolCallCompleted {
		t.Errorf("second event = %q, want %q", (*events)[1].Name, protocol.EventToolCallCompleted)
	}

	rec := traces.last(t)
	if rec.Tool != "echo" || rec.SessionID != "s1" || rec.ProviderID != "openai" {
		t.Errorf("trace record fields wrong: %+v", rec)
	}
	if !rec.OK {
		t.Error("trace record should be ok")
	}
	if strings.Contains(rec.Input, "sk-verysecretvalue12345") {
		t.Errorf("secret leaked into trace input: %s", rec.Input)
	}
	if !strings.Contains(rec.Input, "[REDACTED]") {
		t.Errorf("expected redaction placeholder in trace input: %s", rec.Input)
	}
}

// TestRunValidationFailure verifies schema violations short-circuit
// execution but still emit a completed event and trace record.
func TestRunValidationFailure(t *testing.T) {
	executed := false
	tool := &stubTool{
		name: "strict",
		params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"n": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"n"},
		},
		run: func(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
			executed = true
			return "", nil
		},
	}
	rt, traces, events := newTestRuntime(t, tool, Policy{})

	out := rt.Run(context.Background(), RunRequest{SessionID: "s1", Tool: "strict"})
	if out.Code != protocol.CodeValidationError {
		t.Errorf("Code = %q, want %q", out.Code, protocol.CodeValidationError)
	}
	if executed {
		t.Error("tool executed despite failed validation")
	}

	if len(*events) != 2 {
		t.Fatalf("expected started+completed events, got %d", len(*events))
	}
	payload, ok := (*events)[1].Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("completed payload has wrong shape: %T", (*events)[1].Payload)
	}
	if payload["ok"] != false {
		t.Errorf("completed.ok = %v, want false", payload["ok"])
	}
	if payload["code"] != protocol.CodeValidationError {
		t.Errorf("completed.code = %v, want %q", payload["code"], protocol.CodeValidationError)
	}

	rec := traces.last(t)
	if rec.OK || rec.Code != protocol.CodeValidationError {
		t.Errorf("trace record = %+v, want failed validation", rec)
	}
}

// TestRunToolError verifies tool failures carry their code through outcome,
// event, and hook.
func TestRunToolError(t *testing.T) {
	tool := &stubTool{
		name: "flaky",
		run: func(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
			return "", protocol.E(protocol.CodeStaleRevision, "expected base abc but HEAD is def")
		},
	}
	rt, _, _ := newTestRuntime(t, tool, Policy{})

	var hooked Outcome
	rt.OnResult(func(sessionID string, outcome Outcome) { hooked = outcome })

	out := rt.Run(context.Background(), RunRequest{SessionID: "s1", Tool: "flaky"})
	if out.Code != protocol.CodeStaleRevision {
		t.Errorf("Code = %q, want %q", out.Code, protocol.CodeStaleRevision)
	}
	if hooked.CallID != out.CallID {
		t.Errorf("hook outcome = %+v, want call %s", hooked, out.CallID)
	}

	var perr *protocol.Error
	if !errors.As(out.Err, &perr) {
		t.Fatalf("outcome error is not a protocol error: %v", out.Err)
	}
}

// TestRunPerCallEventMirror verifies OnEvent receives the same events as the
// broadcast bus.
func TestRunPerCallEventMirror(t *testing.T) {
	tool := &stubTool{name: "echo"}
	rt, _, broadcast := newTestRuntime(t, tool, Policy{})

	var mirrored []bus.Event
	rt.Run(context.Background(), RunRequest{
		SessionID: "s1",
		Tool:      "echo",
		OnEvent:   func(e bus.Event) { mirrored = append(mirrored, e) },
	})

	if len(mirrored) != len(*broadcast) {
		t.Fatalf("mirror got %d events, broadcast got %d", len(mirrored), len(*broadcast))
	}
	for i := range mirrored {
		if mirrored[i].Name != (*broadcast)[i].Name {
			t.Errorf("event %d: mirror %q, broadcast %q", i, mirrored[i].Name, (*broadcast)[i].Name)
		}
	}
}
