package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-auth/internal/keys/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a signing-key repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const keyColumns = `kid, algorithm, private_key_sealed, public_key_pem, status, revoke_reason, created_at, retired_at, revoked_at`

// GetActive returns the single active key, or nil if none exists.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetActive(ctx context.Context) (*domain.SigningKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE status = 'active'`)
	return scanKey(row)
}

// GetByKID returns the key for kid regardless of status, or nil if not found.
func (r *PostgresRepository) GetByKID(ctx context.Context, kid string) (*domain.SigningKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE kid = $1`, kid)
	return scanKey(row)
}

// ListAll returns every key ordered by creation time, newest first.
func (r *PostgresRepository) ListAll(ctx context.Context) ([]*domain.SigningKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SigningKey
	for rows.Next() {
		k, err := scanKeyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Insert persists a new key row. The partial unique index on status rejects a
// second active key.
func (r *PostgresRepository) Insert(ctx context.Context, k *domain.SigningKey) error {
	const q = `INSERT INTO signing_keys (` + keyColumns + `)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, q,
		k.KID, k.Algorithm, k.PrivateKeySealed, k.PublicKeyPEM, string(k.Status),
		nullString(k.RevokeReason), k.CreatedAt, nullTime(k.RetiredAt), nullTime(k.RevokedAt))
	return err
}

// ReplaceActive retires the current active key and inserts newKey as active inside
// one transaction. Concurrent readers observe either the old active key or the new
// one, never zero or two.
func (r *PostgresRepository) ReplaceActive(ctx context.Context, newKey *domain.SigningKey, retiredAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE signing_keys SET status = 'retired', retired_at = $1 WHERE status = 'active'`,
		retiredAt); err != nil {
		return fmt.Errorf("retire active key: %w", err)
	}
	const ins = `INSERT INTO signing_keys (` + keyColumns + `)
	             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.ExecContext(ctx, ins,
		newKey.KID, newKey.Algorithm, newKey.PrivateKeySealed, newKey.PublicKeyPEM, string(newKey.Status),
		nullString(newKey.RevokeReason), newKey.CreatedAt, nullTime(newKey.RetiredAt), nullTime(newKey.RevokedAt)); err != nil {
		return fmt.Errorf("insert new active key: %w", err)
	}
	return tx.Commit()
}

// MarkRevoked transitions the key to revoked with the given reason.
// Returns sql.ErrNoRows if no such key exists or it is already revoked.
func (r *PostgresRepository) MarkRevoked(ctx context.Context, kid, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE signing_keys SET status = 'revoked', revoke_reason = $2, revoked_at = $3, retired_at = COALESCE(retired_at, $3)
		 WHERE kid = $1 AND status <> 'revoked'`,
		kid, reason, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row *sql.Row) (*domain.SigningKey, error) {
	k, err := scanKeyRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return k, nil
}

func scanKeyRows(s rowScanner) (*domain.SigningKey, error) {
	var (
		k       domain.SigningKey
		status  string
		reason  sql.NullString
		retired sql.NullTime
		revoked sql.NullTime
	)
	if err := s.Scan(&k.KID, &k.Algorithm, &k.PrivateKeySealed, &k.PublicKeyPEM, &status,
		&reason, &k.CreatedAt, &retired, &revoked); err != nil {
		return nil, err
	}
	k.Status = domain.KeyStatus(status)
	if reason.Valid {
		k.RevokeReason = reason.String
	}
	if retired.Valid {
		t := retired.Time
		k.RetiredAt = &t
	}
	if revoked.Valid {
		t := revoked.Time
		k.RevokedAt = &t
	}
	return &k, nil
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
