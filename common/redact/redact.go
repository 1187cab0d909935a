// Package redact strips sensitive values from log output and audit payloads
// before they leave the process boundary.
//
// # Threat model
//
// Secrets (credential values, OAuth tokens, the sandbox API key) must never
// appear in:
//   - Log lines emitted by the management plane or the sandbox
//   - Activity or execution log rows (except as encrypted blobs)
//   - MCP responses returned to remote clients
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms. It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
	"unicode/utf8"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Args returns a shallow copy of tool-call arguments with values replaced by
// [REDACTED] for every key whose name suggests it carries a secret. Non-string
// values are left unchanged; nested objects are walked recursively.
func Args(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			if isSensitiveKey(k) && t != "" {
				out[k] = placeholder
				continue
			}
			out[k] = v
		case map[string]any:
			out[k] = Args(t)
		default:
			out[k] = v
		}
	}
	return out
}

// Truncate caps s at max bytes, appending a marker when content was dropped.
// The cut never splits a UTF-8 sequence. Execution log results and captured
// stdout pass through this before persistence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…[truncated]"
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
