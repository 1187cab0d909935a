// Package crypto provides the AES-GCM, HMAC, and password-hashing primitives
// used for secrets at rest, export signatures, and admin authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32
	// TagSize is the GCM authentication tag length (16 bytes).
	TagSize = 16
)

var (
	ErrInvalidKeySize     = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrDecrypt is returned when authentication fails during decryption.
	// A mismatched key and a mismatched AAD both surface as this error; the
	// two cases are deliberately indistinguishable to callers.
	ErrDecrypt = errors.New("decryption failed")
)

// EncryptWithAAD encrypts plaintext with AES-256-GCM, binding the given
// associated data into the authentication tag. The AAD is the identity of the
// field being encrypted ("api_key", "service_token", ...) so that a
// ciphertext lifted from one column cannot be replayed into another.
//
// Output layout: IV(12) || ciphertext || tag(16).
func EncryptWithAAD(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// DecryptWithAAD reverses EncryptWithAAD. Decryption fails with ErrDecrypt
// unless both the key and the AAD match the ones used at encryption time.
func DecryptWithAAD(key, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, data := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptStringB64 encrypts a string field and wraps the result in standard
// base64, for tables whose encrypted columns are TEXT rather than BLOB.
func EncryptStringB64(key []byte, plaintext, aad string) (string, error) {
	ct, err := EncryptWithAAD(key, []byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptStringB64 reverses EncryptStringB64.
func DecryptStringB64(key []byte, encoded, aad string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	pt, err := DecryptWithAAD(key, ct, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
