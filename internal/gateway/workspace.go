package gateway

import (
	_ "embed"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/AGENT.md
var agentTemplate string

// agentFilename is the operator-editable system prompt at the workspace
// root. Config takes precedence; this file fills in when the config does
// not set a prompt.
const agentFilename = "AGENT.md"

// ensureWorkspaceAgent seeds AGENT.md into the workspace when absent and
// returns its contents. An existing file is never overwritten.
func ensureWorkspaceAgent(workspace string) (string, error) {
	if workspace == "" {
		return "", nil
	}
	path := filepath.Join(workspace, agentFilename)
	raw, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.WriteFile(path, []byte(agentTemplate), 0o644); err != nil {
		return "", err
	}
	slog.Info("gateway.workspace_seeded", "file", agentFilename)
	return strings.TrimSpace(agentTemplate), nil
}
