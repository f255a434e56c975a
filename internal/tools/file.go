package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drosthq/drost/internal/pathpolicy"
	"github.com/drosthq/drost/pkg/protocol"
)

// FileTool is the built-in filesystem tool. One tool, five actions; every
// caller-supplied path is canonicalized and asserted against the mutable
// roots before it is touched.
type FileTool struct{}

func NewFileTool() *FileTool { return &FileTool{} }

func (t *FileTool) Name() string { return "file" }

func (t *FileTool) Description() string {
	return "Read, write, append, list, or edit files inside the workspace"
}

func (t *FileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"read", "write", "append", "list", "edit"},
				"description": "Operation to perform",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File or directory path, absolute or workspace-relative",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content for write and append",
			},
			"old": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace (edit)",
			},
			"new": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text (edit)",
			},
		},
		"required": []interface{}{"action", "path"},
	}
}

func (t *FileTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	action, err := requiredString(input, "action")
	if err != nil {
		return "", err
	}
	path, err := requiredString(input, "path")
	if err != nil {
		return "", err
	}

	resolved, err := pathpolicy.AssertInMutableRoots(path, tc.WorkspaceDir, tc.MutableRoots)
	if err != nil {
		return "", pathError(err)
	}

	switch action {
	case "read":
		return t.read(resolved)
	case "write":
		return t.write(resolved, input, false)
	case "append":
		return t.write(resolved, input, true)
	case "list":
		return t.list(resolved)
	case "edit":
		return t.edit(resolved, input)
	default:
		return "", protocol.E(protocol.CodeValidationError, "unknown file action: %s", action)
	}
}

func (t *FileTool) read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to read file: %v", err)
	}
	return string(data), nil
}

func (t *FileTool) write(path string, input map[string]interface{}, appendMode bool) (string, error) {
	content := optionalString(input, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to create parent directory: %v", err)
	}

	if appendMode {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", protocol.E(protocol.CodeInternal, "failed to open file: %v", err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return "", protocol.E(protocol.CodeInternal, "failed to append to file: %v", err)
		}
		return fmt.Sprintf("Appended %d bytes to %s", len(content), path), nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to write file: %v", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (t *FileTool) list(path string) (string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to list directory: %v", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty directory)", nil
	}
	return strings.Join(names, "\n"), nil
}

// edit replaces exact prior text with new text. old must occur in the file
// at least once; every occurrence is replaced.
func (t *FileTool) edit(path string, input map[string]interface{}) (string, error) {
	old, err := requiredString(input, "old")
	if err != nil {
		return "", err
	}
	replacement := optionalString(input, "new")

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to read file: %v", rerr)
	}
	text := string(data)

	count := strings.Count(text, old)
	if count == 0 {
		return "", protocol.E(protocol.CodeValidationError, "text to replace not found in %s", path)
	}
	updated := strings.ReplaceAll(text, old, replacement)
	if werr := os.WriteFile(path, []byte(updated), 0o644); werr != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to write file: %v", werr)
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", count, path), nil
}

// pathError maps a pathpolicy failure onto the tool error currency, keeping
// the policy's own message.
func pathError(err error) error {
	return protocol.E(protocol.CodePathOutsideRoots, "%s", err.Error())
}
