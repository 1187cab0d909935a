package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SignCanonical computes the hex HMAC-SHA256 of the canonical JSON encoding
// of payload under the given key. Canonical means: object keys sorted
// lexicographically at every depth, no insignificant whitespace. The export
// file format signs everything except the signature itself and the export
// timestamp, so re-exports of identical content verify against each other.
func SignCanonical(key []byte, payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyCanonical checks a hex HMAC-SHA256 signature produced by
// SignCanonical in constant time.
func VerifyCanonical(key []byte, payload any, signature string) (bool, error) {
	want, err := SignCanonical(key, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(signature)), nil
}

// CanonicalJSON marshals v into deterministic JSON: sorted keys, compact.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through encoding/json to get a generic value tree, then
	// re-encode it with sorted keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("reparse payload: %w", err)
	}
	return appendCanonical(nil, tree)
}

func appendCanonical(dst []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dst = append(dst, '{')
		for i, k := range keys {
			if i > 0 {
				dst = append(dst, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			dst = append(dst, kb...)
			dst = append(dst, ':')
			dst, err = appendCanonical(dst, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(dst, '}'), nil
	case []any:
		dst = append(dst, '[')
		for i, e := range t {
			if i > 0 {
				dst = append(dst, ',')
			}
			var err error
			dst, err = appendCanonical(dst, e)
			if err != nil {
				return nil, err
			}
		}
		return append(dst, ']'), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(dst, b...), nil
	}
}
