package domain

import "time"

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	// KeyStatusActive marks the single key used for minting new tokens.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetired marks a previously active key still valid for verification.
	KeyStatusRetired KeyStatus = "retired"
	// KeyStatusRevoked marks a key purged from the public key set.
	KeyStatusRevoked KeyStatus = "revoked"
)

// SigningKey represents an asymmetric token-signing key and its lifecycle state.
// Rows are never deleted: retired keys keep verifying tokens minted before the
// last rotation, revoked keys are kept for audit.
type SigningKey struct {
	KID              string
	Algorithm        string // RS256 or ES256
	PrivateKeySealed []byte // AES-256-GCM sealed PKCS#8 PEM
	PublicKeyPEM     string
	Status           KeyStatus
	RevokeReason     string
	CreatedAt        time.Time
	RetiredAt        *time.Time // nil unless retired
	RevokedAt        *time.Time // nil unless revoked
}
