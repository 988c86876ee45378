package domain

import "time"

// Session is the durable record backing one issued refresh token. Every session
// except a family root points at its predecessor via RotatedFrom, forming a
// linear chain; FamilyID is shared by every session descended from one login.
// Rows are never deleted: consumed and revoked rows are what makes replayed
// refresh tokens detectable.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string // peppered hash of the exact refresh token last issued for this row
	FamilyID         string
	RotatedFrom      string // empty for the family root
	UserAgent        string
	IP               string
	CreatedAt        time.Time
	LastUsed         *time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time // nil when not revoked
}

// Revoked reports whether the session is terminal by revocation
// (rotation-consumption, logout, or family revocation).
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}

// Expired reports whether the session is terminal by TTL.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
