package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-auth/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, user_id, refresh_token_hash, family_id, rotated_from, user_agent, ip, created_at, last_used, expires_at, revoked_at`

// Create persists the session. The session must have ID and FamilyID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	const q = `INSERT INTO sessions (` + sessionColumns + `)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.UserID, s.RefreshTokenHash, s.FamilyID, nullString(s.RotatedFrom),
		s.UserAgent, s.IP, s.CreatedAt, nullTime(s.LastUsed), s.ExpiresAt, nullTime(s.RevokedAt))
	return err
}

// GetByIDAndUser returns the session for (id, userID), or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByIDAndUser(ctx context.Context, id, userID string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND user_id = $2`, id, userID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// MarkRevoked sets revoked_at on the session if it is not already set.
func (r *PostgresRepository) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	return err
}

// RevokeFamily sets revoked_at on every non-revoked session sharing familyID.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE family_id = $1 AND revoked_at IS NULL`, familyID, at)
	return err
}

// HasSuccessor reports whether any session was rotated from id.
func (r *PostgresRepository) HasSuccessor(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE rotated_from = $1)`, id).Scan(&exists)
	return exists, err
}

// ConsumeAndReplace marks the old session revoked and inserts next inside one
// transaction. The guarded UPDATE on revoked_at IS NULL is the consumed marker:
// under two concurrent calls exactly one update wins; the loser observes zero
// affected rows and gets ErrSessionConsumed. A failed insert rolls back the
// consume, so a half-rotated state is never visible.
func (r *PostgresRepository) ConsumeAndReplace(ctx context.Context, oldID string, consumedAt time.Time, next *domain.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2, last_used = $2 WHERE id = $1 AND revoked_at IS NULL`,
		oldID, consumedAt)
	if err != nil {
		return fmt.Errorf("consume session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionConsumed
	}

	const ins = `INSERT INTO sessions (` + sessionColumns + `)
	             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := tx.ExecContext(ctx, ins,
		next.ID, next.UserID, next.RefreshTokenHash, next.FamilyID, nullString(next.RotatedFrom),
		next.UserAgent, next.IP, next.CreatedAt, nullTime(next.LastUsed), next.ExpiresAt, nullTime(next.RevokedAt)); err != nil {
		return fmt.Errorf("insert rotated session: %w", err)
	}
	return tx.Commit()
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var (
		s           domain.Session
		rotatedFrom sql.NullString
		lastUsed    sql.NullTime
		revokedAt   sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.RefreshTokenHash, &s.FamilyID, &rotatedFrom,
		&s.UserAgent, &s.IP, &s.CreatedAt, &lastUsed, &s.ExpiresAt, &revokedAt); err != nil {
		return nil, err
	}
	if rotatedFrom.Valid {
		s.RotatedFrom = rotatedFrom.String
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		s.LastUsed = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
