package repository

import (
	"context"
	"time"

	"marketplace-auth/internal/keys/domain"
)

// Repository defines persistence for signing keys. It carries no lifecycle
// logic; state transitions are decided by the key service.
type Repository interface {
	GetActive(ctx context.Context) (*domain.SigningKey, error)
	GetByKID(ctx context.Context, kid string) (*domain.SigningKey, error)
	ListAll(ctx context.Context) ([]*domain.SigningKey, error)
	Insert(ctx context.Context, k *domain.SigningKey) error
	// ReplaceActive retires the current active key and inserts newKey as active in
	// one transaction, so readers never observe zero or two active keys.
	ReplaceActive(ctx context.Context, newKey *domain.SigningKey, retiredAt time.Time) error
	// MarkRevoked transitions the key to revoked with the given reason.
	MarkRevoked(ctx context.Context, kid, reason string, at time.Time) error
}
