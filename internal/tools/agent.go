package tools

import (
	"context"
	"encoding/json"

	"github.com/drosthq/drost/pkg/protocol"
)

// GatewayController is the gateway surface the agent and evolution tools
// drive. Restart requests go through the gateway's restart policy; a denied
// request comes back as an error naming the reason.
type GatewayController interface {
	StatusSnapshot() map[string]interface{}
	RequestRestart(ctx context.Context, intent, reason string) error
}

// AgentTool lets the model inspect its own gateway and ask for a restart.
type AgentTool struct {
	controller GatewayController
}

func NewAgentTool(controller GatewayController) *AgentTool {
	return &AgentTool{controller: controller}
}

func (t *AgentTool) Name() string { return "agent" }

func (t *AgentTool) Description() string {
	return "Inspect gateway status or request a gateway restart"
}

func (t *AgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"status", "restart"},
				"description": "Operation to perform",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Why a restart is needed (restart)",
			},
		},
		"required": []interface{}{"action"},
	}
}

func (t *AgentTool) Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error) {
	action, err := requiredString(input, "action")
	if err != nil {
		return "", err
	}

	switch action {
	case "status":
		raw, merr := json.MarshalIndent(t.controller.StatusSnapshot(), "", "  ")
		if merr != nil {
			return "", protocol.E(protocol.CodeInternal, "encode status: %v", merr)
		}
		return string(raw), nil

	case "restart":
		reason := optionalString(input, "reason")
		if err := t.controller.RequestRestart(ctx, "manual", reason); err != nil {
			return "", err
		}
		return "Restart requested; the gateway will exit for its supervisor to respawn.", nil

	default:
		return "", protocol.E(protocol.CodeValidationError, "unknown agent action: %s", action)
	}
}
