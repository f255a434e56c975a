package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/drosthq/drost/internal/config"
	"github.com/drosthq/drost/internal/pathpolicy"
	"github.com/drosthq/drost/pkg/protocol"
)

const (
	defaultShellTimeout = 60 * time.Second
	defaultShellBuffer  = 1 << 20
)

// ShellTool runs commands on the host through `sh -c`. Admission is prefix
// based: an explicit deny list wins, then a non-empty allow list gates
// everything else.
type ShellTool struct {
	allowPrefixes []string
	denyPrefixes  []string
	timeout       time.Duration
	maxBuffer     int
}

func NewShellTool(cfg config.ShellToolConfig) *ShellTool {
	timeout := defaultShellTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	maxBuffer := defaultShellBuffer
	if cfg.MaxBufferBytes > 0 {
		maxBuffer = cfg.MaxBufferBytes
	}
	return &ShellTool{
		allowPrefixes: cfg.AllowCommandPrefixes,
		denyPrefixes:  cfg.DenyCommandPrefixes,
		timeout:       timeout,
		maxBuffer:     maxBuffer,
	}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Execute a shell command and return its output"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"workingDir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, must be inside a mutable root",
			},
		},
		"required": []interface{}{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	command, err := requiredString(input, "command")
	if err != nil {
		return "", err
	}

	if err := t.admit(command); err != nil {
		return "", err
	}

	cwd := tc.WorkspaceDir
	if wd := optionalString(input, "workingDir"); wd != "" {
		resolved, perr := pathpolicy.AssertInMutableRoots(wd, tc.WorkspaceDir, tc.MutableRoots)
		if perr != nil {
			return "", pathError(perr)
		}
		cwd = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}
	output = t.clamp(output)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", protocol.E(protocol.CodeProviderTimeout, "command timed out after %s", t.timeout)
		}
		if output == "" {
			output = runErr.Error()
		}
		return "", protocol.E(protocol.CodeInternal, "%s", output)
	}

	if output == "" {
		output = "(command completed with no output)"
	}
	return output, nil
}

// admit checks the command's leading token sequence against the configured
// prefix lists. Deny wins over allow.
func (t *ShellTool) admit(command string) error {
	trimmed := strings.TrimSpace(command)
	for _, prefix := range t.denyPrefixes {
		if hasCommandPrefix(trimmed, prefix) {
			return protocol.E(protocol.CodePolicyDenied, "command denied by prefix: %s", prefix)
		}
	}
	if len(t.allowPrefixes) == 0 {
		return nil
	}
	for _, prefix := range t.allowPrefixes {
		if hasCommandPrefix(trimmed, prefix) {
			return nil
		}
	}
	return protocol.E(protocol.CodePolicyDenied, "command does not match any allowed prefix")
}

// hasCommandPrefix reports whether command starts with prefix on a token
// boundary, so "git" matches "git status" but not "gitk".
func hasCommandPrefix(command, prefix string) bool {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(command, prefix) {
		return false
	}
	rest := command[len(prefix):]
	return rest == "" || strings.HasPrefix(rest, " ") || strings.HasPrefix(rest, "\t")
}

func (t *ShellTool) clamp(output string) string {
	if len(output) <= t.maxBuffer {
		return output
	}
	return output[:t.maxBuffer] + fmt.Sprintf("\n... (output truncated at %d bytes)", t.maxBuffer)
}
