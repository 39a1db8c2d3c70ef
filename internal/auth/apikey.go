// Package auth verifies the static pre-shared API key that guards every
// data endpoint.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Verifier checks presented bearer tokens against the configured key.
// Exactly one of key or keyHash is used; keyHash wins when both are set.
type Verifier struct {
	key     []byte
	keyHash []byte
}

// NewVerifier builds a verifier from a plaintext key and/or a bcrypt hash
// of the key. At least one must be non-empty.
func NewVerifier(key, keyHash string) (*Verifier, error) {
	if key == "" && keyHash == "" {
		return nil, errors.New("no API key configured")
	}
	if keyHash != "" {
		// Validate the hash shape up front so a typo fails at startup,
		// not on the first request.
		if _, err := bcrypt.Cost([]byte(keyHash)); err != nil {
			return nil, errors.New("API key hash is not a valid bcrypt hash")
		}
	}
	return &Verifier{key: []byte(key), keyHash: []byte(keyHash)}, nil
}

// Verify reports whether the presented token matches the configured key.
// Comparison is constant-time in both modes.
func (v *Verifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	if len(v.keyHash) > 0 {
		return bcrypt.CompareHashAndPassword(v.keyHash, []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare(v.key, []byte(token)) == 1
}
