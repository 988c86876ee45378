package repository

import (
	"context"
	"errors"
	"time"

	"marketplace-auth/internal/session/domain"
)

// ErrSessionConsumed is returned by ConsumeAndReplace when the target row was
// already consumed or revoked. The rotation engine maps it to the reuse path.
var ErrSessionConsumed = errors.New("session already consumed")

// Repository defines persistence for sessions. It carries no rotation logic;
// every protocol invariant is enforced by the rotation engine.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByIDAndUser(ctx context.Context, id, userID string) (*domain.Session, error)
	MarkRevoked(ctx context.Context, id string, at time.Time) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) error
	// HasSuccessor reports whether any session was rotated from id.
	HasSuccessor(ctx context.Context, id string) (bool, error)
	// ConsumeAndReplace marks the session revoked (consumed) and inserts its
	// replacement in one transaction. Exactly one of two concurrent callers
	// presenting the same session succeeds; the loser gets ErrSessionConsumed.
	ConsumeAndReplace(ctx context.Context, oldID string, consumedAt time.Time, next *domain.Session) error
}
