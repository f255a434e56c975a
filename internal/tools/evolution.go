package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/pkg/protocol"
)

// EvolutionState is one self-modification transaction: a recorded sequence
// of code mutations inside the mutable roots, optionally ending in a
// restart.
type EvolutionState struct {
	TransactionID  string    `json:"transactionId"`
	SessionID      string    `json:"sessionId"`
	TotalSteps     int       `json:"totalSteps"`
	CompletedSteps int       `json:"completedSteps"`
	Summary        string    `json:"summary,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
}

// EvolutionManager owns the process's single in-flight transaction. A second
// Begin while one is active fails with busy.
type EvolutionManager struct {
	mu         sync.Mutex
	active     *EvolutionState
	events     bus.EventPublisher
	controller GatewayController
	now        func() time.Time
}

func NewEvolutionManager(events bus.EventPublisher, controller GatewayController) *EvolutionManager {
	return &EvolutionManager{
		events:     events,
		controller: controller,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Active returns a copy of the in-flight transaction, or nil.
func (m *EvolutionManager) Active() *EvolutionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	copied := *m.active
	return &copied
}

// Begin opens a transaction for sessionID planning totalSteps steps.
func (m *EvolutionManager) Begin(sessionID string, totalSteps int) (EvolutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return EvolutionState{}, protocol.E(protocol.CodeBusy,
			"evolution transaction %s already active", m.active.TransactionID)
	}
	if totalSteps < 1 {
		return EvolutionState{}, protocol.E(protocol.CodeValidationError, "steps must be at least 1")
	}

	m.active = &EvolutionState{
		TransactionID: uuid.NewString(),
		SessionID:     sessionID,
		TotalSteps:    totalSteps,
		StartedAt:     m.now(),
	}
	state := *m.active

	m.broadcast(bus.Event{
		Name:      protocol.EventEvolutionStarted,
		SessionID: sessionID,
		Payload: map[string]interface{}{
			"transactionId": state.TransactionID,
			"totalSteps":    state.TotalSteps,
		},
	})
	return state, nil
}

// Step records one completed step. transactionID may be empty to mean "the
// active transaction".
func (m *EvolutionManager) Step(transactionID, note string) (EvolutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.match(transactionID); err != nil {
		return EvolutionState{}, err
	}
	m.active.CompletedSteps++
	state := *m.active

	payload := map[string]interface{}{
		"transactionId":  state.TransactionID,
		"completedSteps": state.CompletedSteps,
		"totalSteps":     state.TotalSteps,
	}
	if note != "" {
		payload["note"] = note
	}
	m.broadcast(bus.Event{
		Name:      protocol.EventEvolutionStep,
		SessionID: state.SessionID,
		Payload:   payload,
	})
	return state, nil
}

// Commit closes the transaction. When restart is set the gateway is asked
// for a self_mod restart; a policy denial fails the commit so the caller
// sees the transaction still landed but the process stays up.
func (m *EvolutionManager) Commit(ctx context.Context, transactionID, summary string, restart bool) (EvolutionState, error) {
	m.mu.Lock()
	if err := m.match(transactionID); err != nil {
		m.mu.Unlock()
		return EvolutionState{}, err
	}
	m.active.Summary = summary
	state := *m.active
	m.active = nil
	m.mu.Unlock()

	m.broadcast(bus.Event{
		Name:      protocol.EventEvolutionFinished,
		SessionID: state.SessionID,
		Payload: map[string]interface{}{
			"transactionId":    state.TransactionID,
			"committed":        true,
			"completedSteps":   state.CompletedSteps,
			"totalSteps":       state.TotalSteps,
			"summary":          state.Summary,
			"restartRequested": restart,
		},
	})

	if restart && m.controller != nil {
		reason := summary
		if reason == "" {
			reason = fmt.Sprintf("evolution %s committed", state.TransactionID)
		}
		if err := m.controller.RequestRestart(ctx, "self_mod", reason); err != nil {
			return state, err
		}
	}
	return state, nil
}

// Abort discards the transaction.
func (m *EvolutionManager) Abort(transactionID, reason string) (EvolutionState, error) {
	m.mu.Lock()
	if err := m.match(transactionID); err != nil {
		m.mu.Unlock()
		return EvolutionState{}, err
	}
	state := *m.active
	m.active = nil
	m.mu.Unlock()

	payload := map[string]interface{}{
		"transactionId":  state.TransactionID,
		"committed":      false,
		"completedSteps": state.CompletedSteps,
		"totalSteps":     state.TotalSteps,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	m.broadcast(bus.Event{
		Name:      protocol.EventEvolutionFinished,
		SessionID: state.SessionID,
		Payload:   payload,
	})
	return state, nil
}

// match validates transactionID against the active transaction. Callers hold
// the mutex.
func (m *EvolutionManager) match(transactionID string) error {
	if m.active == nil {
		return protocol.E(protocol.CodeValidationError, "no active evolution transaction")
	}
	if transactionID != "" && transactionID != m.active.TransactionID {
		return protocol.E(protocol.CodeValidationError,
			"unknown evolution transaction: %s", transactionID)
	}
	return nil
}

func (m *EvolutionManager) broadcast(event bus.Event) {
	if m.events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = m.now()
	}
	m.events.Broadcast(event)
}

// EvolutionTools returns the evolution.* tool family bound to manager.
func EvolutionTools(manager *EvolutionManager) []Tool {
	return []Tool{
		&evolutionBeginTool{manager},
		&evolutionStepTool{manager},
		&evolutionCommitTool{manager},
		&evolutionAbortTool{manager},
	}
}

type evolutionBeginTool struct{ manager *EvolutionManager }

func (t *evolutionBeginTool) Name() string { return "evolution.begin" }

func (t *evolutionBeginTool) Description() string {
	return "Begin a self-modification transaction with a planned step count"
}

func (t *evolutionBeginTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"steps": map[string]interface{}{
				"type":        "number",
				"description": "Planned number of steps",
			},
		},
		"required": []interface{}{"steps"},
	}
}

func (t *evolutionBeginTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	state, err := t.manager.Begin(tc.SessionID, optionalInt(input, "steps"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Evolution transaction %s started (%d steps planned)",
		state.TransactionID, state.TotalSteps), nil
}

type evolutionStepTool struct{ manager *EvolutionManager }

func (t *evolutionStepTool) Name() string { return "evolution.step" }

func (t *evolutionStepTool) Description() string {
	return "Record one completed step of the active evolution transaction"
}

func (t *evolutionStepTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"transactionId": map[string]interface{}{
				"type":        "string",
				"description": "Transaction to advance, defaults to the active one",
			},
			"note": map[string]interface{}{
				"type":        "string",
				"description": "What this step changed",
			},
		},
	}
}

func (t *evolutionStepTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	state, err := t.manager.Step(optionalString(input, "transactionId"), optionalString(input, "note"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Step %d/%d recorded", state.CompletedSteps, state.TotalSteps), nil
}

type evolutionCommitTool struct{ manager *EvolutionManager }

func (t *evolutionCommitTool) Name() string { return "evolution.commit" }

func (t *evolutionCommitTool) Description() string {
	return "Commit the active evolution transaction, optionally restarting the gateway"
}

func (t *evolutionCommitTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"transactionId": map[string]interface{}{
				"type":        "string",
				"description": "Transaction to commit, defaults to the active one",
			},
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "What the transaction changed",
			},
			"restart": map[string]interface{}{
				"type":        "boolean",
				"description": "Request a self_mod gateway restart after commit",
			},
		},
	}
}

func (t *evolutionCommitTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	restart, _ := input["restart"].(bool)
	state, err := t.manager.Commit(ctx,
		optionalString(input, "transactionId"),
		optionalString(input, "summary"),
		restart)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Evolution transaction %s committed (%d/%d steps)",
		state.TransactionID, state.CompletedSteps, state.TotalSteps)
	if restart {
		msg += "; restart requested"
	}
	return msg, nil
}

type evolutionAbortTool struct{ manager *EvolutionManager }

func (t *evolutionAbortTool) Name() string { return "evolution.abort" }

func (t *evolutionAbortTool) Description() string {
	return "Abort the active evolution transaction"
}

func (t *evolutionAbortTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"transactionId": map[string]interface{}{
				"type":        "string",
				"description": "Transaction to abort, defaults to the active one",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why the transaction is being discarded",
			},
		},
	}
}

func (t *evolutionAbortTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	state, err := t.manager.Abort(optionalString(input, "transactionId"), optionalString(input, "reason"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Evolution transaction %s aborted", state.TransactionID), nil
}
