// Package secret generates and digests the opaque secrets the subsystem
// hands out. Tokens are digested with a plain sha256 (no per-token salt):
// they carry their own entropy and must be looked up by exact hash.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const resetSecretSize = 32

// HashToken returns the hex-encoded sha256 digest of a raw token. This is
// the only form of a token that may be persisted or cached.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewResetToken returns a fresh random reset token and its digest. The raw
// value is base64url without padding, safe to embed in a link.
func NewResetToken() (raw, digest string, err error) {
	var buf [resetSecretSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(buf[:])
	return raw, HashToken(raw), nil
}
