// Package redact scrubs secret material out of arbitrary JSON-shaped values
// before they reach tool traces, logs, or the control plane. The walk is
// pure: inputs are never mutated, scrubbed copies come back.
package redact

import "strings"

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// secretKeys is the key-name denylist. Matching is case-insensitive on the
// normalized key (dashes and underscores stripped), so "api_key", "apiKey"
// and "API-Key" all hit the "apikey" entry.
var secretKeys = map[string]bool{
	"token":         true,
	"accesstoken":   true,
	"refreshtoken":  true,
	"password":      true,
	"passwd":        true,
	"authorization": true,
	"apikey":        true,
	"apisecret":     true,
	"secret":        true,
	"secretkey":     true,
	"auth":          true,
	"authkey":       true,
	"credential":    true,
	"credentials":   true,
	"privatekey":    true,
	"sessiontoken":  true,
	"cookie":        true,
	"setcookie":     true,
}

// secretValuePrefixes flags values that look like credentials regardless of
// their key: provider API keys, bearer headers, JWTs, workspace bot tokens,
// personal access tokens.
var secretValuePrefixes = []string{
	"sk-",
	"Bearer ",
	"eyJ",
	"xoxp-",
	"xoxb-",
	"xoxa-",
	"xoxr-",
	"ghp_",
}

const minSecretValueLen = 20

// SecretKey reports whether key is on the denylist.
func SecretKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	return secretKeys[normalized]
}

// SecretValue reports whether v matches the value-shape heuristic:
// at least 20 chars with a known credential prefix.
func SecretValue(v string) bool {
	if len(v) < minSecretValueLen {
		return false
	}
	for _, prefix := range secretValuePrefixes {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

// Value returns a scrubbed copy of v. Maps and slices are walked
// recursively; strings under a secret key or matching the value heuristic
// become Placeholder; everything else passes through unchanged.
func Value(v interface{}) interface{} {
	return walk(v, false)
}

// String scrubs a single string by the value heuristic only.
func String(s string) string {
	if SecretValue(s) {
		return Placeholder
	}
	return s
}

func walk(v interface{}, underSecretKey bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			out[k] = walk(child, SecretKey(k))
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = walk(child, underSecretKey)
		}
		return out
	case string:
		if underSecretKey && t != "" {
			return Placeholder
		}
		if SecretValue(t) {
			return Placeholder
		}
		return t
	default:
		// Non-string under a secret key still leaks shape, not content.
		return v
	}
}
