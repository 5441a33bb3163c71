// Package byoc bridges externally-hosted ("bring your own compute") CI
// runners into the run queue: claiming the next queued BYOC-mode run,
// streaming logs and outputs back, and reporting terminal status — all
// authenticated with a brce_-prefixed callback token scoped to one run.
package byoc

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/butlerdotdev/butler-registry/internal/reqctx"
)

const (
	// PrefixRegistry marks a breg_ bearer token used for the main API surface.
	PrefixRegistry = "breg_"
	// PrefixCallback marks a brce_ bearer token scoped to one BYOC run.
	PrefixCallback = "brce_"
)

// GenerateToken mints a fresh cleartext token with the given prefix and
// returns it alongside its SHA-256 hash. Only the hash is ever persisted —
// the cleartext is shown to the caller exactly once.
func GenerateToken(prefix string) (token string, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating token entropy: %w", err)
	}
	token = prefix + base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a cleartext token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken reports whether token hashes to the stored hash, comparing in
// constant time so a callback endpoint's response latency can't be used to
// binary-search a valid token one byte at a time.
func VerifyToken(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// KindOf classifies a bearer token by its prefix. A token presented to the
// wrong endpoint family (a breg_ registry token at a BYOC callback endpoint,
// or vice versa) is rejected on prefix alone, before any hash lookup.
func KindOf(token string) (reqctx.TokenKind, bool) {
	switch {
	case strings.HasPrefix(token, PrefixRegistry):
		return reqctx.TokenKindRegistry, true
	case strings.HasPrefix(token, PrefixCallback):
		return reqctx.TokenKindCallback, true
	default:
		return "", false
	}
}
