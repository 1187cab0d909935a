package crypto_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/common/crypto"
)

func TestParseMasterKey_Valid(t *testing.T) {
	key, err := crypto.ParseMasterKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length = %d, want %d", len(key), crypto.KeySize)
	}
}

func TestParseMasterKey_Invalid(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not hex", strings.Repeat("zz", 32)},
		{"too short", "abcd"},
		{"too long", strings.Repeat("ab", 40)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := crypto.ParseMasterKey(tc.in); err == nil {
				t.Errorf("ParseMasterKey(%q) succeeded, want error", tc.in)
			}
		})
	}
}

func TestParseMasterKey_AllZeros(t *testing.T) {
	zeros := strings.Repeat("00", 32)

	t.Setenv("CI", "")
	if _, err := crypto.ParseMasterKey(zeros); !errors.Is(err, crypto.ErrAllZerosKey) {
		t.Errorf("got %v, want ErrAllZerosKey", err)
	}

	t.Setenv("CI", "true")
	if _, err := crypto.ParseMasterKey(zeros); err != nil {
		t.Errorf("under CI=true: %v, want nil", err)
	}
}

func TestDistinctSecrets(t *testing.T) {
	if !crypto.DistinctSecrets("a", "b", "c") {
		t.Error("distinct values reported as duplicates")
	}
	if crypto.DistinctSecrets("a", "b", "a") {
		t.Error("duplicate values reported as distinct")
	}
	// Empty values are ignored.
	if !crypto.DistinctSecrets("", "", "a") {
		t.Error("empty values should not count as duplicates")
	}
}
