// Package auth verifies the shared access secret and signs the session
// tokens that identify a browser or API client between requests.
package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Scheme identifies how the configured secret digest was produced.
type Scheme string

const (
	SchemeBcrypt Scheme = "bcrypt"
	SchemeSHA256 Scheme = "sha256"
	SchemeMD5    Scheme = "md5" // legacy, kept for existing deployments
)

// Verifier checks a presented credential against a fixed digest of the
// shared secret. It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	scheme Scheme
	bcrypt []byte
	hex    []byte
}

// NewVerifier parses digest and returns a Verifier for it. Accepted forms
// are a bcrypt hash ($2a$, $2b$ or $2y$), a 64-char hex SHA-256 digest,
// or a 32-char hex MD5 digest.
func NewVerifier(digest string) (*Verifier, error) {
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return nil, fmt.Errorf("secret digest is empty")
	}

	if strings.HasPrefix(digest, "$2") {
		if _, err := bcrypt.Cost([]byte(digest)); err != nil {
			return nil, fmt.Errorf("parse bcrypt digest: %w", err)
		}
		return &Verifier{scheme: SchemeBcrypt, bcrypt: []byte(digest)}, nil
	}

	raw, err := hex.DecodeString(strings.ToLower(digest))
	if err != nil {
		return nil, fmt.Errorf("secret digest is neither bcrypt nor hex: %w", err)
	}
	switch len(raw) {
	case sha256.Size:
		return &Verifier{scheme: SchemeSHA256, hex: raw}, nil
	case md5.Size:
		return &Verifier{scheme: SchemeMD5, hex: raw}, nil
	default:
		return nil, fmt.Errorf("unsupported hex digest length %d", len(raw))
	}
}

// Scheme reports the digest scheme in use.
func (v *Verifier) Scheme() Scheme {
	return v.scheme
}

// Verify reports whether credential matches the configured digest.
// Empty or malformed input simply fails.
func (v *Verifier) Verify(credential string) bool {
	switch v.scheme {
	case SchemeBcrypt:
		// bcrypt cannot hash more than 72 bytes, so no longer secret can match.
		if len(credential) > 72 {
			return false
		}
		return bcrypt.CompareHashAndPassword(v.bcrypt, []byte(credential)) == nil
	case SchemeSHA256:
		sum := sha256.Sum256([]byte(credential))
		return subtle.ConstantTimeCompare(sum[:], v.hex) == 1
	case SchemeMD5:
		sum := md5.Sum([]byte(credential))
		return subtle.ConstantTimeCompare(sum[:], v.hex) == 1
	}
	return false
}

// HashSecret returns a bcrypt digest of secret suitable for TOKEN_HASH.
func HashSecret(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hashed), nil
}
