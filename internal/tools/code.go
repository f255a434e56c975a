package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/drosthq/drost/internal/pathpolicy"
	"github.com/drosthq/drost/pkg/protocol"
)

const gitTimeout = 30 * time.Second

// CodeTools returns the git-backed code.* tool family. They all run git in
// the workspace; mutation refuses to touch anything outside the mutable
// roots.
func CodeTools() []Tool {
	return []Tool{
		&codeStatusTool{},
		&codeDiffTool{},
		&codePatchTool{},
		&codeSearchTool{},
		&codeReadContextTool{},
	}
}

// runGit executes one git command in the workspace and returns combined
// trimmed output. Non-zero exit comes back as an error carrying stderr.
func runGit(ctx context.Context, workspace string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", protocol.E(protocol.CodeInternal, "git %s: %s", args[0], msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// gitHead returns the current HEAD commit, or "" in an unborn repository.
func gitHead(ctx context.Context, workspace string) (string, error) {
	head, err := runGit(ctx, workspace, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") ||
			strings.Contains(err.Error(), "ambiguous argument") {
			return "", nil
		}
		return "", err
	}
	return head, nil
}

// --- code.status ---

type codeStatusTool struct{}

func (t *codeStatusTool) Name() string        { return "code.status" }
func (t *codeStatusTool) Description() string { return "Show git branch, HEAD, and working tree status" }

func (t *codeStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *codeStatusTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	branch, err := runGit(ctx, tc.WorkspaceDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	head, err := gitHead(ctx, tc.WorkspaceDir)
	if err != nil {
		return "", err
	}
	status, err := runGit(ctx, tc.WorkspaceDir, "status", "--porcelain")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Branch: %s\n", branch)
	fmt.Fprintf(&sb, "HEAD: %s\n", head)
	if status == "" {
		sb.WriteString("Working tree clean")
	} else {
		sb.WriteString("Changes:\n")
		sb.WriteString(status)
	}
	return sb.String(), nil
}

// --- code.diff ---

type codeDiffTool struct{}

func (t *codeDiffTool) Name() string        { return "code.diff" }
func (t *codeDiffTool) Description() string { return "Show the working tree diff, optionally staged or scoped to a path" }

func (t *codeDiffTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Limit the diff to this path",
			},
			"staged": map[string]interface{}{
				"type":        "boolean",
				"description": "Diff the index instead of the working tree",
			},
		},
	}
}

func (t *codeDiffTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	args := []string{"diff"}
	if staged, _ := input["staged"].(bool); staged {
		args = append(args, "--cached")
	}
	if path := optionalString(input, "path"); path != "" {
		if _, err := pathpolicy.AssertInMutableRoots(path, tc.WorkspaceDir, tc.MutableRoots); err != nil {
			return "", pathError(err)
		}
		args = append(args, "--", path)
	}

	diff, err := runGit(ctx, tc.WorkspaceDir, args...)
	if err != nil {
		return "", err
	}
	if diff == "" {
		return "(no changes)", nil
	}
	return diff, nil
}

// --- code.patch ---

type codePatchTool struct{}

func (t *codePatchTool) Name() string { return "code.patch" }

func (t *codePatchTool) Description() string {
	return "Apply a unified diff to the working tree, guarded by the expected base revision"
}

func (t *codePatchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"patch": map[string]interface{}{
				"type":        "string",
				"description": "Unified diff to apply",
			},
			"expectedBase": map[string]interface{}{
				"type":        "object",
				"description": "Revision guard; git_head must match current HEAD",
				"properties": map[string]interface{}{
					"git_head": map[string]interface{}{"type": "string"},
				},
			},
		},
		"required": []interface{}{"patch"},
	}
}

func (t *codePatchTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	patch, err := requiredString(input, "patch")
	if err != nil {
		return "", err
	}

	if base, ok := input["expectedBase"].(map[string]interface{}); ok {
		expected, _ := base["git_head"].(string)
		if expected != "" {
			head, herr := gitHead(ctx, tc.WorkspaceDir)
			if herr != nil {
				return "", herr
			}
			if head != expected {
				return "", protocol.E(protocol.CodeStaleRevision,
					"expected base %s but HEAD is %s", expected, head)
			}
		}
	}

	// Every file the patch touches must sit inside a mutable root.
	for _, target := range patchTargets(patch) {
		if _, perr := pathpolicy.AssertInMutableRoots(target, tc.WorkspaceDir, tc.MutableRoots); perr != nil {
			return "", pathError(perr)
		}
	}

	tmp, err := os.CreateTemp("", "drost-patch-*.diff")
	if err != nil {
		return "", protocol.E(protocol.CodeInternal, "stage patch: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return "", protocol.E(protocol.CodeInternal, "stage patch: %v", err)
	}
	tmp.Close()

	if _, err := runGit(ctx, tc.WorkspaceDir, "apply", "--whitespace=nowarn", tmp.Name()); err != nil {
		return "", err
	}
	return fmt.Sprintf("Applied patch touching %d file(s)", len(patchTargets(patch))), nil
}

// patchTargets extracts the post-image paths from a unified diff.
func patchTargets(patch string) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(patch, "\n") {
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		target := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
		target = strings.TrimPrefix(target, "b/")
		if tab := strings.IndexByte(target, '\t'); tab != -1 {
			target = target[:tab]
		}
		if target == "" || target == "/dev/null" || seen[target] {
			continue
		}
		seen[target] = true
		targets = append(targets, target)
	}
	return targets
}

// --- code.search ---

type codeSearchTool struct{}

func (t *codeSearchTool) Name() string        { return "code.search" }
func (t *codeSearchTool) Description() string { return "Search tracked files with git grep" }

func (t *codeSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Limit the search to this path",
			},
		},
		"required": []interface{}{"pattern"},
	}
}

func (t *codeSearchTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	pattern, err := requiredString(input, "pattern")
	if err != nil {
		return "", err
	}

	args := []string{"grep", "-n", "-I", "-e", pattern}
	if path := optionalString(input, "path"); path != "" {
		if _, perr := pathpolicy.AssertInMutableRoots(path, tc.WorkspaceDir, tc.MutableRoots); perr != nil {
			return "", pathError(perr)
		}
		args = append(args, "--", path)
	}

	matches, err := runGit(ctx, tc.WorkspaceDir, args...)
	if err != nil {
		// git grep exits 1 on no matches; that's an answer, not a failure.
		if strings.Contains(err.Error(), "exit status 1") {
			return "(no matches)", nil
		}
		return "", err
	}
	return matches, nil
}

// --- code.read_context ---

type codeReadContextTool struct{}

func (t *codeReadContextTool) Name() string { return "code.read_context" }

func (t *codeReadContextTool) Description() string {
	return "Read a file region with line numbers, centered on a line"
}

func (t *codeReadContextTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File to read",
			},
			"line": map[string]interface{}{
				"type":        "number",
				"description": "Line to center on (1-based); whole file when omitted",
			},
			"contextLines": map[string]interface{}{
				"type":        "number",
				"description": "Lines of context on each side, default 20",
			},
		},
		"required": []interface{}{"path"},
	}
}

func (t *codeReadContextTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	path, err := requiredString(input, "path")
	if err != nil {
		return "", err
	}
	resolved, perr := pathpolicy.AssertInMutableRoots(path, tc.WorkspaceDir, tc.MutableRoots)
	if perr != nil {
		return "", pathError(perr)
	}

	data, rerr := os.ReadFile(resolved)
	if rerr != nil {
		return "", protocol.E(protocol.CodeInternal, "failed to read file: %v", rerr)
	}
	lines := strings.Split(string(data), "\n")

	start, end := 1, len(lines)
	if center := optionalInt(input, "line"); center > 0 {
		radius := optionalInt(input, "contextLines")
		if radius <= 0 {
			radius = 20
		}
		start = center - radius
		if start < 1 {
			start = 1
		}
		end = center + radius
		if end > len(lines) {
			end = len(lines)
		}
	}

	var sb strings.Builder
	width := len(strconv.Itoa(end))
	for i := start; i <= end; i++ {
		fmt.Fprintf(&sb, "%*d | %s\n", width, i, lines[i-1])
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
