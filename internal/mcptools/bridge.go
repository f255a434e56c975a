package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/drosthq/drost/internal/tools"
	"github.com/drosthq/drost/pkg/protocol"
)

// toolCaller is the slice of the MCP client a bridge tool needs.
type toolCaller interface {
	CallTool(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// bridgeTool exposes one remote MCP tool through the registry.
type bridgeTool struct {
	server     string
	remoteName string
	name       string
	desc       string
	params     map[string]interface{}
	caller     toolCaller
	timeout    time.Duration
	connected  *atomic.Bool
}

func newBridgeTool(server string, remote mcpgo.Tool, caller toolCaller, timeoutSec int, connected *atomic.Bool) *bridgeTool {
	if timeoutSec <= 0 {
		timeoutSec = defaultCallTimeout
	}
	return &bridgeTool{
		server:     server,
		remoteName: remote.Name,
		name:       server + "." + remote.Name,
		desc:       describeRemoteTool(server, remote.Name, remote.Description),
		params:     schemaToMap(remote),
		caller:     caller,
		timeout:    time.Duration(timeoutSec) * time.Second,
		connected:  connected,
	}
}

func (b *bridgeTool) Name() string { return b.name }

func (b *bridgeTool) Description() string { return b.desc }

func (b *bridgeTool) Parameters() map[string]interface{} { return b.params }

func (b *bridgeTool) Execute(ctx context.Context, input map[string]interface{}, _ tools.ToolContext) (string, error) {
	if b.connected != nil && !b.connected.Load() {
		return "", protocol.E(protocol.CodeInternal, "MCP server %q is not connected", b.server)
	}

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.remoteName
	req.Params.Arguments = input

	result, err := b.caller.CallTool(cctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", protocol.E(protocol.CodeProviderTimeout, "MCP tool %s timed out after %s", b.name, b.timeout)
		}
		return "", protocol.E(protocol.CodeInternal, "MCP tool %s: %v", b.name, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", protocol.E(protocol.CodeInternal, "%s", text)
	}
	return text, nil
}

// describeRemoteTool prefixes descriptions with the server so models can
// tell same-named tools from different servers apart.
func describeRemoteTool(server, name, desc string) string {
	d := strings.TrimSpace(desc)
	if d == "" {
		return fmt.Sprintf("MCP tool %s.%s", server, name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", server, name, d)
}

// schemaToMap converts the remote input schema into the map shape the
// registry validates against. Anything unusable collapses to a permissive
// object schema.
func schemaToMap(remote mcpgo.Tool) map[string]interface{} {
	raw, err := json.Marshal(remote.InputSchema)
	if err == nil {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil && len(m) > 0 {
			if _, ok := m["type"]; !ok {
				m["type"] = "object"
			}
			return m
		}
	}
	return map[string]interface{}{"type": "object"}
}

// flattenContent joins MCP content items into a single string. Text items
// dominate; anything else is summarized or JSON-encoded.
func flattenContent(items []mcpgo.Content) string {
	var parts []string
	for _, item := range items {
		if tc, ok := mcpgo.AsTextContent(item); ok {
			if tc.Text != "" {
				parts = append(parts, tc.Text)
			}
			continue
		}
		if ic, ok := mcpgo.AsImageContent(item); ok {
			parts = append(parts, fmt.Sprintf("[image: %s]", ic.MIMEType))
			continue
		}
		if raw, err := json.Marshal(item); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}
