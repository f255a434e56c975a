package session

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/drosthq/drost/internal/providers"
	"github.com/drosthq/drost/internal/tools"
)

// Text-protocol token and the stable envelopes recorded in session history.
const (
	toolCallToken     = "TOOL_CALL"
	nativeCallsPrefix = "TOOL_NATIVE_CALLS "
	toolResultPrefix  = "TOOL_RESULT "
)

// parseToolCall scans assistant text for a TOOL_CALL directive. The JSON may
// follow the token bare, after prefix text on an earlier line, or inside a
// Markdown fence; the first occurrence that parses wins.
func parseToolCall(text string) (name string, input map[string]interface{}, ok bool) {
	rest := text
	for {
		i := strings.Index(rest, toolCallToken)
		if i < 0 {
			return "", nil, false
		}
		after := rest[i+len(toolCallToken):]
		if n, in, parsed := parseDirective(after); parsed {
			return n, in, true
		}
		rest = after
	}
}

// parseDirective expects a JSON object shortly after the token, allowing
// whitespace and fence garnish in between.
func parseDirective(after string) (string, map[string]interface{}, bool) {
	j := strings.IndexByte(after, '{')
	if j < 0 || j > 16 || !benignGap(after[:j]) {
		return "", nil, false
	}
	raw, ok := matchBraces(after[j:])
	if !ok {
		return "", nil, false
	}

	var directive struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal([]byte(raw), &directive); err != nil || directive.Name == "" {
		return "", nil, false
	}
	return directive.Name, decodeInput(directive.Input), true
}

// benignGap reports whether the text between the token and the opening brace
// is only whitespace or fence garnish (backticks, a "json" info string).
func benignGap(s string) bool {
	for _, r := range s {
		if unicode.IsSpace(r) || r == '`' || strings.ContainsRune("json", r) {
			continue
		}
		return false
	}
	return true
}

// matchBraces returns the balanced JSON object at the start of s, honoring
// string literals and escapes.
func matchBraces(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// decodeInput accepts any JSON value for "input". Non-object values are
// wrapped so the tool runtime always receives a map.
func decodeInput(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err == nil {
		if asMap == nil {
			return map[string]interface{}{}
		}
		return asMap
	}
	var any interface{}
	if err := json.Unmarshal(raw, &any); err != nil || any == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"value": any}
}

// encodeNativeCalls renders the stable TOOL_NATIVE_CALLS envelope recorded
// in history when a provider returns structured calls.
func encodeNativeCalls(calls []providers.ToolCall) string {
	type record struct {
		ID    string                 `json:"id,omitempty"`
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	}
	records := make([]record, len(calls))
	for i, c := range calls {
		in := c.Arguments
		if in == nil {
			in = map[string]interface{}{}
		}
		records[i] = record{ID: c.ID, Name: c.Name, Input: in}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nativeCallsPrefix + "[]"
	}
	return nativeCallsPrefix + string(data)
}

// encodeToolResult renders the stable TOOL_RESULT envelope for one outcome.
func encodeToolResult(out tools.Outcome) string {
	record := struct {
		Name   string `json:"name"`
		CallID string `json:"callId,omitempty"`
		OK     bool   `json:"ok"`
		Output string `json:"output,omitempty"`
		Error  string `json:"error,omitempty"`
	}{
		Name:   out.Tool,
		CallID: out.CallID,
		OK:     out.OK(),
		Output: out.Output,
	}
	if out.Err != nil {
		record.Error = out.Err.Error()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return toolResultPrefix + `{"ok":false}`
	}
	return toolResultPrefix + string(data)
}

// callSignature fingerprints a (name, input) pair for the repeated-failure
// detector. encoding/json sorts map keys, so equal inputs hash equal.
func callSignature(name string, input map[string]interface{}) string {
	data, err := json.Marshal(input)
	if err != nil {
		data = []byte("{}")
	}
	return name + "\x00" + string(data)
}
