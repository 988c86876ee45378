// Package service implements the refresh-token rotation engine: single-use
// refresh credentials, reuse detection, and family-wide revocation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/security"
	sessiondomain "marketplace-auth/internal/session/domain"
	sessionrepo "marketplace-auth/internal/session/repository"
	"marketplace-auth/internal/telemetry"
)

// Sentinel errors for the rotation engine; the handler maps all of them to a
// single unauthenticated response. Callers must not retry a failed rotation
// with the same refresh credential, since a retry is indistinguishable from an
// attack replay.
var (
	// ErrInvalidRefreshToken covers signature, expiry, type, and binding failures.
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	// ErrSessionExpired is the soft rejection: missing row, TTL expiry, or logout.
	// No family action is taken.
	ErrSessionExpired = errors.New("session expired or missing")
	// ErrReuseDetected means a superseded refresh token was replayed; the whole
	// session family has been revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected; session family revoked")
)

// SessionRepo is the minimal session repository needed by the rotation engine.
type SessionRepo interface {
	Create(ctx context.Context, s *sessiondomain.Session) error
	GetByIDAndUser(ctx context.Context, id, userID string) (*sessiondomain.Session, error)
	MarkRevoked(ctx context.Context, id string, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) error
	HasSuccessor(ctx context.Context, id string) (bool, error)
	ConsumeAndReplace(ctx context.Context, oldID string, consumedAt time.Time, next *sessiondomain.Session) error
}

// UserDirectory supplies the profile claims embedded in access tokens. The user
// model itself lives outside this core; a nil directory yields access tokens
// with subject only.
type UserDirectory interface {
	UserClaims(ctx context.Context, userID string) (email string, roles []string, err error)
}

// AuthResult holds the outcome of Login or Refresh.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	UserID           string
	SessionID        string
	FamilyID         string
}

// RotationEngine issues refresh-token families on login and rotates or rejects
// presented refresh credentials. It is the only component that writes session
// state transitions.
type RotationEngine struct {
	sessions  SessionRepo
	codec     *security.TokenCodec
	hasher    *security.TokenHasher
	directory UserDirectory
	audit     audit.AuditLogger
	metrics   *telemetry.Counters
}

// NewRotationEngine returns a RotationEngine with the given dependencies.
// directory, auditLogger, and metrics may be nil.
func NewRotationEngine(
	sessions SessionRepo,
	codec *security.TokenCodec,
	hasher *security.TokenHasher,
	directory UserDirectory,
	auditLogger audit.AuditLogger,
	metrics *telemetry.Counters,
) *RotationEngine {
	return &RotationEngine{
		sessions:  sessions,
		codec:     codec,
		hasher:    hasher,
		directory: directory,
		audit:     auditLogger,
		metrics:   metrics,
	}
}

// Login creates a new session family root for an already-authenticated user and
// returns its token pair. Credential verification is the caller's concern.
func (e *RotationEngine) Login(ctx context.Context, userID, email string, roles []string, userAgent, ip string) (*AuthResult, error) {
	sessionID := uuid.New().String()
	familyID := uuid.New().String()
	now := time.Now().UTC()

	refreshToken, refreshExp, err := e.codec.MintRefresh(ctx, userID, sessionID, familyID)
	if err != nil {
		return nil, err
	}
	accessToken, accessExp, err := e.codec.MintAccess(ctx, userID, email, roles)
	if err != nil {
		return nil, err
	}

	sess := &sessiondomain.Session{
		ID:               sessionID,
		UserID:           userID,
		RefreshTokenHash: e.hasher.Hash(refreshToken),
		FamilyID:         familyID,
		UserAgent:        userAgent,
		IP:               ip,
		CreatedAt:        now,
		ExpiresAt:        refreshExp,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	e.logEvent(ctx, userID, audit.ActionLogin, "session:"+sessionID, fmt.Sprintf(`{"family_id":%q}`, familyID))
	e.metrics.Login(ctx)
	return &AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		UserID:           userID,
		SessionID:        sessionID,
		FamilyID:         familyID,
	}, nil
}

// Refresh verifies the presented refresh token and runs the rotation protocol.
// It returns a rotated token pair, or an error forcing full re-authentication.
func (e *RotationEngine) Refresh(ctx context.Context, refreshToken, userAgent, ip string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := e.codec.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		e.metrics.Refresh(ctx, telemetry.OutcomeRejected)
		return nil, ErrInvalidRefreshToken
	}
	return e.RotateOrReject(ctx, claims.Subject, refreshToken, claims.SessionID, claims.FamilyID, userAgent, ip)
}

// RotateOrReject executes the rotation state machine for a verified refresh
// credential. Exactly one call per credential succeeds; replays of a consumed
// credential revoke the whole family. Persistence failures abort the operation
// without issuing tokens and never leave a half-rotated state.
func (e *RotationEngine) RotateOrReject(ctx context.Context, userID, providedRefresh, sessionID, familyID, userAgent, ip string) (*AuthResult, error) {
	now := time.Now().UTC()

	sess, err := e.sessions.GetByIDAndUser(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Expired(now) || sess.FamilyID != familyID {
		e.metrics.Refresh(ctx, telemetry.OutcomeRejected)
		return nil, ErrSessionExpired
	}

	if sess.Revoked() {
		// The row was consumed by a prior rotation or revoked by logout/family
		// revocation. Replaying the credential that consumed row was issued for
		// is the reuse signal; a revoked row without a successor is just a
		// logged-out session.
		superseded, err := e.sessions.HasSuccessor(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if superseded && e.hasher.Equal(providedRefresh, sess.RefreshTokenHash) {
			return nil, e.handleReuse(ctx, sess, userAgent, ip)
		}
		e.metrics.Refresh(ctx, telemetry.OutcomeRejected)
		return nil, ErrSessionExpired
	}

	// A hash mismatch on an active, unexpired row means the presented credential
	// was superseded while the row still looks current: replay or theft. This
	// intentionally fails closed even when the mismatch could be a benign
	// client retry.
	if !e.hasher.Equal(providedRefresh, sess.RefreshTokenHash) {
		return nil, e.handleReuse(ctx, sess, userAgent, ip)
	}

	newID := uuid.New().String()
	newRefresh, refreshExp, err := e.codec.MintRefresh(ctx, userID, newID, familyID)
	if err != nil {
		return nil, err
	}
	var email string
	var roles []string
	if e.directory != nil {
		email, roles, err = e.directory.UserClaims(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	accessToken, accessExp, err := e.codec.MintAccess(ctx, userID, email, roles)
	if err != nil {
		return nil, err
	}
	next := &sessiondomain.Session{
		ID:               newID,
		UserID:           userID,
		RefreshTokenHash: e.hasher.Hash(newRefresh),
		FamilyID:         familyID,
		RotatedFrom:      sess.ID,
		UserAgent:        userAgent,
		IP:               ip,
		CreatedAt:        now,
		ExpiresAt:        refreshExp,
	}
	if err := e.sessions.ConsumeAndReplace(ctx, sess.ID, now, next); err != nil {
		if errors.Is(err, sessionrepo.ErrSessionConsumed) {
			// Lost the race against a concurrent call with the same credential:
			// the other caller rotated first, so this presentation is a double use.
			return nil, e.handleReuse(ctx, sess, userAgent, ip)
		}
		return nil, err
	}

	e.logEvent(ctx, userID, audit.ActionRefresh, "session:"+newID,
		fmt.Sprintf(`{"family_id":%q,"rotated_from":%q}`, familyID, sess.ID))
	e.metrics.Refresh(ctx, telemetry.OutcomeRotated)
	return &AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     newRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		UserID:           userID,
		SessionID:        newID,
		FamilyID:         familyID,
	}, nil
}

// handleReuse revokes the whole family and records the security event.
func (e *RotationEngine) handleReuse(ctx context.Context, sess *sessiondomain.Session, userAgent, ip string) error {
	if err := e.sessions.RevokeFamily(ctx, sess.FamilyID, time.Now().UTC()); err != nil {
		// Fail closed either way, but a family left un-revoked is worth surfacing.
		return fmt.Errorf("revoke family %s: %w", sess.FamilyID, err)
	}
	e.logEvent(ctx, sess.UserID, audit.ActionReuseDetected, "session:"+sess.ID,
		fmt.Sprintf(`{"family_id":%q,"ip":%q,"user_agent":%q}`, sess.FamilyID, ip, userAgent))
	e.metrics.Refresh(ctx, telemetry.OutcomeReuseDetected)
	e.metrics.ReuseDetected(ctx)
	return ErrReuseDetected
}

// Logout revokes the session identified by the refresh token. Invalid tokens
// are ignored: logout is idempotent and never an oracle.
func (e *RotationEngine) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	claims, err := e.codec.VerifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil
	}
	if err := e.sessions.MarkRevoked(ctx, claims.SessionID, time.Now().UTC()); err != nil {
		return err
	}
	e.logEvent(ctx, claims.Subject, audit.ActionLogout, "session:"+claims.SessionID, "")
	return nil
}

// RevokeFamily revokes every session in the family, e.g. for "log out
// everywhere" or operator response to a reported theft.
func (e *RotationEngine) RevokeFamily(ctx context.Context, userID, familyID string) error {
	if err := e.sessions.RevokeFamily(ctx, familyID, time.Now().UTC()); err != nil {
		return err
	}
	e.logEvent(ctx, userID, audit.ActionFamilyRevoked, "family:"+familyID, "")
	return nil
}

// VerifyAccess validates an access token for the boundary middleware.
func (e *RotationEngine) VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error) {
	return e.codec.VerifyAccess(ctx, accessToken)
}

func (e *RotationEngine) logEvent(ctx context.Context, userID, action, resource, metadata string) {
	if e.audit == nil {
		return
	}
	e.audit.LogEvent(ctx, userID, action, resource, metadata)
}
