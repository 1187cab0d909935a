package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrAllZerosKey is returned by ParseMasterKey for the 64-zeros test key when
// the process is not running under CI.
var ErrAllZerosKey = errors.New("encryption key is all zeros; generate one with: openssl rand -hex 32")

// ParseMasterKey decodes a 64-character hex string (32 bytes / 256 bits) into
// a raw key suitable for use with the AES-GCM helpers in this package.
//
// The all-zeros key is rejected so a placeholder value from an example env
// file cannot silently protect production secrets. CI=true downgrades that
// rejection to a pass, because integration tests legitimately run with a
// well-known key.
func ParseMasterKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("master key is empty")
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in master key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}

	if bytes.Equal(key, make([]byte, KeySize)) && os.Getenv("CI") != "true" {
		return nil, ErrAllZerosKey
	}

	return key, nil
}

// DistinctSecrets reports whether every non-empty value in the given set is
// unique. The startup sequence warns when the encryption key, the JWT secret,
// and the sandbox API key are not pairwise distinct.
func DistinctSecrets(values ...string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			return false
		}
		seen[v] = struct{}{}
	}
	return true
}
