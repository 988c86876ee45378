package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// TokenHasher produces peppered one-way hashes of refresh tokens. The pepper is a
// server-side secret, so a leaked sessions table cannot be turned into usable
// credentials. The raw token is never stored.
type TokenHasher struct {
	pepper []byte
}

// NewTokenHasher returns a TokenHasher using the given pepper.
func NewTokenHasher(pepper []byte) *TokenHasher {
	return &TokenHasher{pepper: pepper}
}

// Hash returns the HMAC-SHA256 of the refresh token under the pepper, hex-encoded.
func (h *TokenHasher) Hash(token string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal performs constant-time comparison of the provided token's hash with the
// stored hash. Returns true only if they match.
func (h *TokenHasher) Equal(providedToken, storedHash string) bool {
	providedHash := h.Hash(providedToken)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
