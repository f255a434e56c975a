package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drosthq/drost/pkg/protocol"
)

func fileToolContext(t *testing.T) ToolContext {
	t.Helper()
	dir := t.TempDir()
	return ToolContext{WorkspaceDir: dir, MutableRoots: []string{dir}, SessionID: "s1"}
}

func runFile(t *testing.T, tc ToolContext, input map[string]interface{}) (string, error) {
	t.Helper()
	return NewFileTool().Execute(context.Background(), input, tc)
}

// TestFileWriteReadRoundTrip verifies write creates parents and read returns
// the written content.
func TestFileWriteReadRoundTrip(t *testing.T) {
	tc := fileToolContext(t)

	if _, err := runFile(t, tc, map[string]interface{}{
		"action": "write", "path": "notes/today.txt", "content": "first line\n",
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := runFile(t, tc, map[string]interface{}{"action": "read", "path": "notes/today.txt"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != "first line\n" {
		t.Errorf("read = %q, want %q", got, "first line\n")
	}
}

// TestFileAppend verifies append extends rather than truncates.
func TestFileAppend(t *testing.T) {
	tc := fileToolContext(t)

	for _, content := range []string{"a", "b"} {
		if _, err := runFile(t, tc, map[string]interface{}{
			"action": "append", "path": "log.txt", "content": content,
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	got, err := runFile(t, tc, map[string]interface{}{"action": "read", "path": "log.txt"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != "ab" {
		t.Errorf("appended content = %q, want %q", got, "ab")
	}
}

// TestFileList verifies directory listing marks directories and sorts names.
func TestFileList(t *testing.T) {
	tc := fileToolContext(t)
	if err := os.MkdirAll(filepath.Join(tc.WorkspaceDir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tc.WorkspaceDir, "b.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tc.WorkspaceDir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := runFile(t, tc, map[string]interface{}{"action": "list", "path": "."})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := "a.txt\nb.txt\nsub/"
	if got != want {
		t.Errorf("list = %q, want %q", got, want)
	}
}

// TestFileEdit verifies exact replacement and the not-found failure.
func TestFileEdit(t *testing.T) {
	tc := fileToolContext(t)
	path := filepath.Join(tc.WorkspaceDir, "code.go")
	if err := os.WriteFile(path, []byte("x := old()\ny := old()\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runFile(t, tc, map[string]interface{}{
		"action": "edit", "path": "code.go", "old": "old()", "new": "new()",
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if !strings.Contains(out, "2 occurrence") {
		t.Errorf("edit output = %q, want occurrence count 2", out)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "x := new()\ny := new()\n" {
		t.Errorf("file after edit = %q", data)
	}

	_, err = runFile(t, tc, map[string]interface{}{
		"action": "edit", "path": "code.go", "old": "missing()", "new": "x",
	})
	if protocol.CodeOf(err) != protocol.CodeValidationError {
		t.Errorf("edit of absent text: code = %q, want %q", protocol.CodeOf(err), protocol.CodeValidationError)
	}
}

// TestFileEscapeDenied verifies traversal outside the mutable roots fails
// with path_outside_roots and names the requested path.
func TestFileEscapeDenied(t *testing.T) {
	tc := fileToolContext(t)

	tests := []string{
		"../outside.txt",
		"/etc/passwd",
		"sub/../../escape.txt",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			_, err := runFile(t, tc, map[string]interface{}{
				"action": "write", "path": path, "content": "x",
			})
			if protocol.CodeOf(err) != protocol.CodePathOutsideRoots {
				t.Fatalf("code = %q, want %q (err=%v)", protocol.CodeOf(err), protocol.CodePathOutsideRoots, err)
			}
			if !strings.Contains(err.Error(), path) {
				t.Errorf("error %q does not name requested path %q", err.Error(), path)
			}
		})
	}
}

// TestFileSymlinkEscapeDenied verifies a symlink pointing outside the roots
// is caught even though the link itself sits inside.
func TestFileSymlinkEscapeDenied(t *testing.T) {
	tc := fileToolContext(t)
	outside := t.TempDir()
	target := filepath.Join(outside, "target.txt")
	if err := os.WriteFile(target, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(tc.WorkspaceDir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := runFile(t, tc, map[string]interface{}{"action": "read", "path": "link.txt"})
	if protocol.CodeOf(err) != protocol.CodePathOutsideRoots {
		t.Errorf("code = %q, want %q", protocol.CodeOf(err), protocol.CodePathOutsideRoots)
	}
}

// TestFileUnknownAction verifies an unsupported action is a validation error.
func TestFileUnknownAction(t *testing.T) {
	tc := fileToolContext(t)
	_, err := runFile(t, tc, map[string]interface{}{"action": "truncate", "path": "x.txt"})
	if protocol.CodeOf(err) != protocol.CodeValidationError {
		t.Errorf("code = %q, want %q", protocol.CodeOf(err), protocol.CodeValidationError)
	}
}
