package providers

import (
	"context"
	"sync"
	"time"

	"github.com/drosthq/drost/pkg/protocol"
)

// MockTurn scripts one RunTurn outcome for the mock adapter.
type MockTurn struct {
	Text            string
	NativeToolCalls []ToolCall
	Usage           *Usage
	FinishReason    string
	Err             error
	Delay           time.Duration // simulated latency, honors cancellation
}

// MockAdapter replays a scripted sequence of turn results. Tests drive the
// session manager with it, and profiles with adapterId "mock" let a gateway
// start without any credentials.
type MockAdapter struct {
	id     string
	native bool

	mu     sync.Mutex
	script []MockTurn
	next   int
	calls  []TurnRequest
}

// NewMockAdapter returns a mock with the given id and native tool-call
// support, replaying script in order. An exhausted script fails the turn.
func NewMockAdapter(id string, native bool, script ...MockTurn) *MockAdapter {
	return &MockAdapter{id: id, native: native, script: script}
}

func (m *MockAdapter) ID() string { return m.id }

func (m *MockAdapter) SupportsNativeToolCalls() bool { return m.native }

// Append adds turns to the end of the script.
func (m *MockAdapter) Append(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, turns...)
}

// Calls returns a copy of the requests RunTurn has received so far.
func (m *MockAdapter) Calls() []TurnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TurnRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockAdapter) Probe(ctx context.Context, req ProbeRequest) ProbeResult {
	if req.Profile.ID == "" {
		return ProbeResult{Code: ProbeMissingProfile, Detail: "profile needs an id"}
	}
	return ProbeResult{ProviderID: req.Profile.ID, Code: ProbeOK}
}

func (m *MockAdapter) RunTurn(ctx context.Context, req TurnRequest, onChunk func(StreamChunk)) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, req)
	if m.next >= len(m.script) {
		m.mu.Unlock()
		return nil, protocol.E(protocol.CodeInternal, "mock script exhausted after %d turns", len(m.script))
	}
	turn := m.script[m.next]
	m.next++
	m.mu.Unlock()

	if turn.Delay > 0 {
		t := time.NewTimer(turn.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	result := &TurnResult{
		Text:            turn.Text,
		NativeToolCalls: turn.NativeToolCalls,
		Usage:           turn.Usage,
		FinishReason:    turn.FinishReason,
	}
	if result.FinishReason == "" {
		if len(result.NativeToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		} else {
			result.FinishReason = "stop"
		}
	}
	emitWhole(result, onChunk)
	return result, nil
}
