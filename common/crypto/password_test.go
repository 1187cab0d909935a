package crypto_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/common/crypto"
)

func TestHashVerifyPassword(t *testing.T) {
	hash, err := crypto.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=4$") {
		t.Errorf("unexpected hash format: %s", hash)
	}

	if err := crypto.VerifyPassword(hash, "correct horse battery staple"); err != nil {
		t.Errorf("verify correct password: %v", err)
	}
	if err := crypto.VerifyPassword(hash, "wrong"); !errors.Is(err, crypto.ErrPasswordMismatch) {
		t.Errorf("verify wrong password: got %v, want ErrPasswordMismatch", err)
	}
}

func TestHashPassword_Salted(t *testing.T) {
	h1, err := crypto.HashPassword("same")
	if err != nil {
		t.Fatalf("first hash: %v", err)
	}
	h2, err := crypto.HashPassword("same")
	if err != nil {
		t.Fatalf("second hash: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password are identical (salt not random)")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	for _, h := range []string{"", "plaintext", "$bcrypt$whatever", "$argon2id$v=19$m=65536$x$y"} {
		if err := crypto.VerifyPassword(h, "pw"); err == nil {
			t.Errorf("VerifyPassword(%q) succeeded, want error", h)
		}
	}
}

func TestDummyHash_Verifiable(t *testing.T) {
	// The dummy hash only needs to be well-formed so verification burns the
	// normal Argon2 cost for unknown users.
	if err := crypto.VerifyPassword(crypto.DummyHash(), "any password"); !errors.Is(err, crypto.ErrPasswordMismatch) {
		t.Errorf("got %v, want ErrPasswordMismatch", err)
	}
}
