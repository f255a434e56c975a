package tools

import (
	"context"
	"reflect"
	"testing"
)

// stubTool is a minimal Tool for registry and runtime tests.
type stubTool struct {
	name   string
	desc   string
	params map[string]interface{}
	run    func(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.desc }

func (s *stubTool) Parameters() map[string]interface{} {
	if s.params == nil {
		return map[string]interface{}{}
	}
	return s.params
}

func (s *stubTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	if s.run == nil {
		return "", nil
	}
	return s.run(ctx, input, tc)
}

// TestRegistryCollisionKeepsFirst verifies that registering a second tool
// under an existing name is skipped rather than replacing the original.
func TestRegistryCollisionKeepsFirst(t *testing.T) {
	reg := NewRegistry()
	first := &stubTool{name: "echo", desc: "first"}
	second := &stubTool{name: "echo", desc: "second"}

	reg.Register(first)
	reg.Register(second)

	got, ok := reg.Get("echo")
	if !ok {
		t.Fatal("expected echo to be registered")
	}
	if got.Description() != "first" {
		t.Errorf("collision replaced original: got %q, want %q", got.Description(), "first")
	}
}

// TestRegistryNamesSorted verifies Names returns a sorted list.
func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		reg.Register(&stubTool{name: name})
	}

	want := []string{"alpha", "mid", "zeta"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

// TestRegistryDefinitions verifies definitions carry name, description, and
// parameters in name order.
func TestRegistryDefinitions(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{
		name: "b", desc: "second tool",
		params: map[string]interface{}{"type": "object"},
	})
	reg.Register(&stubTool{name: "a", desc: "first tool"})

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "a" || defs[1].Name != "b" {
		t.Errorf("definitions out of order: %q, %q", defs[0].Name, defs[1].Name)
	}
	if defs[1].Description != "second tool" {
		t.Errorf("Description = %q, want %q", defs[1].Description, "second tool")
	}
	if defs[1].Parameters["type"] != "object" {
		t.Errorf("Parameters not carried through: %v", defs[1].Parameters)
	}
}

// TestRegistryStale verifies MarkStale flips the stale flag exactly once.
func TestRegistryStale(t *testing.T) {
	reg := NewRegistry()
	if reg.Stale() {
		t.Fatal("new registry must not be stale")
	}
	reg.MarkStale()
	if !reg.Stale() {
		t.Error("MarkStale did not take effect")
	}
}

// TestRegistryEmptyNameSkipped verifies tools without a name are rejected.
func TestRegistryEmptyNameSkipped(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{name: ""})
	if len(reg.Names()) != 0 {
		t.Errorf("empty-name tool was registered: %v", reg.Names())
	}
}
