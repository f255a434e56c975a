package tracestore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drosthq/drost/internal/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), config.TracesConfig{
		Backend:    "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "traces.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{ID: "t1", SessionID: "sess-a", Tool: "file", Input: `{"action":"read"}`, OK: true, DurationMs: 12, CreatedAt: base},
		{ID: "t2", SessionID: "sess-a", Tool: "shell", Input: `{"command":"ls"}`, Output: "ok", OK: true, DurationMs: 40, CreatedAt: base.Add(time.Second)},
		{ID: "t3", SessionID: "sess-b", Tool: "web", Input: `{"action":"search"}`, OK: false, Code: "validation_error", Error: "query: required", DurationMs: 1, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range recs {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append(%s): %v", rec.ID, err)
		}
	}

	got, err := s.List(ctx, "sess-a", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List(sess-a) returned %d records, want 2", len(got))
	}
	if got[0].ID != "t2" || got[1].ID != "t1" {
		t.Errorf("order = [%s %s], want newest first [t2 t1]", got[0].ID, got[1].ID)
	}

	all, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) returned %d records, want 3", len(all))
	}
	var failed *Record
	for i := range all {
		if all[i].ID == "t3" {
			failed = &all[i]
		}
	}
	if failed == nil {
		t.Fatal("t3 missing from List(all)")
	}
	if failed.OK || failed.Code != "validation_error" {
		t.Errorf("t3 = ok=%v code=%q, want ok=false code=validation_error", failed.OK, failed.Code)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old1", "old2", "new1"} {
		rec := Record{ID: id, SessionID: "s", Tool: "file", Input: "{}", OK: true, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}

	left, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 1 || left[0].ID != "new1" {
		t.Errorf("after prune left = %+v, want [new1]", left)
	}
}

func TestClampField(t *testing.T) {
	long := strings.Repeat("x", maxFieldBytes+100)
	got := clampField(long)
	if len(got) >= len(long) {
		t.Errorf("clampField did not shrink: len=%d", len(got))
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Errorf("clampField suffix missing: %q", got[len(got)-20:])
	}
	if clampField("short") != "short" {
		t.Error("clampField altered a short value")
	}
}
