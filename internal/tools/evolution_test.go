package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/drosthq/drost/internal/bus"
	"github.com/drosthq/drost/pkg/protocol"
)

// fakeController records restart requests and can be told to deny them.
type fakeController struct {
	restarts []string
	denyWith error
}

func (f *fakeController) StatusSnapshot() map[string]interface{} {
	return map[string]interface{}{"state": "running"}
}

func (f *fakeController) RequestRestart(ctx context.Context, intent, reason string) error {
	if f.denyWith != nil {
		return f.denyWith
	}
	f.restarts = append(f.restarts, intent)
	return nil
}

func newEvolutionFixture() (*EvolutionManager, *fakeController, *[]bus.Event) {
	broker := bus.NewBroker()
	var events []bus.Event
	broker.Subscribe("test", func(e bus.Event) { events = append(events, e) })
	controller := &fakeController{}
	return NewEvolutionManager(broker, controller), controller, &events
}

// TestEvolutionLifecycle walks begin, two steps, and commit, checking the
// emitted event sequence and counters.
func TestEvolutionLifecycle(t *testing.T) {
	manager, controller, events := newEvolutionFixture()

	state, err := manager.Begin("s1", 2)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if state.TransactionID == "" || state.TotalSteps != 2 {
		t.Errorf("Begin state = %+v", state)
	}

	if _, err := manager.Step("", "edited config"); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	state, err = manager.Step(state.TransactionID, "edited loop")
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if state.CompletedSteps != 2 {
		t.Errorf("CompletedSteps = %d, want 2", state.CompletedSteps)
	}

	state, err = manager.Commit(context.Background(), "", "reworked turn loop", true)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if state.Summary != "reworked turn loop" {
		t.Errorf("Summary = %q", state.Summary)
	}
	if manager.Active() != nil {
		t.Error("transaction still active after commit")
	}
	if len(controller.restarts) != 1 || controller.restarts[0] != "self_mod" {
		t.Errorf("restarts = %v, want one self_mod", controller.restarts)
	}

	wantEvents := []string{
		protocol.EventEvolutionStarted,
		protocol.EventEvolutionStep,
		protocol.EventEvolutionStep,
		protocol.EventEvolutionFinished,
	}
	if len(*events) != len(wantEvents) {
		t.Fatalf("got %d events, want %d", len(*events), len(wantEvents))
	}
	for i, want := range wantEvents {
		if (*events)[i].Name != want {
			t.Errorf("event %d = %q, want %q", i, (*events)[i].Name, want)
		}
	}
}

// TestEvolutionSingleActive verifies a second Begin fails with busy until
// the first transaction finishes.
func TestEvolutionSingleActive(t *testing.T) {
	manager, _, _ := newEvolutionFixture()

	if _, err := manager.Begin("s1", 1); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	_, err := manager.Begin("s2", 1)
	if protocol.CodeOf(err) != protocol.CodeBusy {
		t.Errorf("second Begin code = %q, want %q", protocol.CodeOf(err), protocol.CodeBusy)
	}

	if _, err := manager.Abort("", "test over"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := manager.Begin("s2", 1); err != nil {
		t.Errorf("Begin after abort failed: %v", err)
	}
}

// TestEvolutionStepWithoutActive verifies step and commit require an open
// transaction.
func TestEvolutionStepWithoutActive(t *testing.T) {
	manager, _, _ := newEvolutionFixture()

	if _, err := manager.Step("", "x"); protocol.CodeOf(err) != protocol.CodeValidationError {
		t.Errorf("Step code = %q, want %q", protocol.CodeOf(err), protocol.CodeValidationError)
	}
	if _, err := manager.Commit(context.Background(), "", "", false); protocol.CodeOf(err) != protocol.CodeValidationError {
		t.Errorf("Commit code = %q, want %q", protocol.CodeOf(err), protocol.CodeValidationError)
	}
}

// TestEvolutionMismatchedID verifies an explicit transaction id must match
// the active transaction.
func TestEvolutionMismatchedID(t *testing.T) {
	manager, _, _ := newEvolutionFixture()
	if _, err := manager.Begin("s1", 1); err != nil {
		t.Fatal(err)
	}

	_, err := manager.Step("not-the-id", "")
	if protocol.CodeOf(err) != protocol.CodeValidationError {
		t.Errorf("code = %q, want %q", protocol.CodeOf(err), protocol.CodeValidationError)
	}
}

// TestEvolutionCommitRestartDenied verifies a policy-denied restart surfaces
// to the caller while the transaction still closes.
func TestEvolutionCommitRestartDenied(t *testing.T) {
	manager, controller, _ := newEvolutionFixture()
	controller.denyWith = protocol.E(protocol.CodePolicyDenied, "restart budget exhausted")

	if _, err := manager.Begin("s1", 1); err != nil {
		t.Fatal(err)
	}
	_, err := manager.Commit(context.Background(), "", "done", true)
	if err == nil {
		t.Fatal("expected restart denial to surface")
	}
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodePolicyDenied {
		t.Errorf("error = %v, want policy_denied", err)
	}
	if manager.Active() != nil {
		t.Error("transaction should be closed even when restart is denied")
	}
}

// TestEvolutionBeginTool verifies the tool surface reports the busy code
// through the shared error currency.
func TestEvolutionBeginTool(t *testing.T) {
	manager, _, _ := newEvolutionFixture()
	tool := &evolutionBeginTool{manager}
	tc := ToolContext{SessionID: "s1"}

	out, err := tool.Execute(context.Background(), map[string]interface{}{"steps": float64(3)}, tc)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out == "" {
		t.Error("expected confirmation output")
	}

	_, err = tool.Execute(context.Background(), map[string]interface{}{"steps": float64(1)}, tc)
	if protocol.CodeOf(err) != protocol.CodeBusy {
		t.Errorf("code = %q, want %q", protocol.CodeOf(err), protocol.CodeBusy)
	}
}
