package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/drosthq/drost/pkg/protocol"
)

var schemaCache sync.Map // schema JSON → *jsonschema.Schema

// validateInput checks input against the tool's declared parameter schema.
// Tools without a schema accept anything. Failures come back as a
// validation_error carrying one issue per leaf cause.
func validateInput(t Tool, input map[string]interface{}) error {
	params := t.Parameters()
	if len(params) == 0 {
		return nil
	}

	schema, err := compileSchema(params)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}

	var doc interface{} = map[string]interface{}{}
	if input != nil {
		doc = normalizeJSON(input)
	}

	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		issues := []protocol.Issue{{Path: "", Message: err.Error()}}
		if ok := asValidationError(err, &verr); ok {
			issues = flattenIssues(verr)
		}
		return protocol.EIssues(protocol.CodeValidationError,
			fmt.Sprintf("invalid input for tool %s", t.Name()), issues)
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		*target = verr
		return true
	}
	return false
}

// compileSchema compiles and caches a parameter schema keyed by its JSON
// form. Tool schemas are static, so the cache never invalidates.
func compileSchema(params map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// normalizeJSON round-trips v through encoding/json so the validator sees
// only the canonical interface{} shapes (float64 numbers, map[string]...).
func normalizeJSON(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// flattenIssues converts the validator's cause tree into flat issues, one
// per leaf, with instance locations as slash paths ("/query").
func flattenIssues(verr *jsonschema.ValidationError) []protocol.Issue {
	var out []protocol.Issue
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			path := v.InstanceLocation
			if path == "" {
				path = "/"
			}
			out = append(out, protocol.Issue{
				Path:    path,
				Message: v.Message,
			})
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)

	// Dedupe identical leaves; anyOf branches often repeat a message.
	seen := make(map[string]bool, len(out))
	deduped := out[:0]
	for _, issue := range out {
		key := issue.Path + "\x00" + issue.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, issue)
	}
	return deduped
}

// requiredString pulls a non-empty string field out of tool input.
func requiredString(input map[string]interface{}, key string) (string, error) {
	v, _ := input[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", protocol.EIssues(protocol.CodeValidationError,
			fmt.Sprintf("%s is required", key),
			[]protocol.Issue{{Path: "/" + key, Message: "required"}})
	}
	return v, nil
}

// optionalString pulls a string field, empty when absent.
func optionalString(input map[string]interface{}, key string) string {
	v, _ := input[key].(string)
	return v
}

// optionalInt pulls a numeric field, 0 when absent. JSON numbers arrive as
// float64.
func optionalInt(input map[string]interface{}, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
