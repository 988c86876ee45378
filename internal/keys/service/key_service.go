package service

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/keys/domain"
	keysrepo "marketplace-auth/internal/keys/repository"
	"marketplace-auth/internal/security"
	"marketplace-auth/internal/telemetry"
)

const rsaKeyBits = 2048

// Sentinel errors reported to the operator; never retried automatically.
var (
	ErrAlreadyInitialized = errors.New("signing key already initialized")
	ErrNotInitialized     = errors.New("no active signing key")
	ErrKeyNotFound        = errors.New("signing key not found")
)

// KeyService owns the signing-key lifecycle: bootstrap, rotation, emergency
// revocation, and the public JWKS view. It also implements security.KeyResolver,
// so the token codec picks up rotations without restart.
type KeyService struct {
	repo    keysrepo.Repository
	wrapper *security.KeyWrapper
	audit   audit.AuditLogger
	metrics *telemetry.Counters
}

// NewKeyService returns a KeyService persisting through repo and sealing private
// material with wrapper. auditLogger and metrics may be nil.
func NewKeyService(repo keysrepo.Repository, wrapper *security.KeyWrapper, auditLogger audit.AuditLogger, metrics *telemetry.Counters) *KeyService {
	return &KeyService{repo: repo, wrapper: wrapper, audit: auditLogger, metrics: metrics}
}

// Initialize bootstraps the very first signing key. Fails with
// ErrAlreadyInitialized if an active key already exists.
func (s *KeyService) Initialize(ctx context.Context) (*domain.SigningKey, error) {
	current, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, ErrAlreadyInitialized
	}
	key, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, key); err != nil {
		return nil, fmt.Errorf("insert initial key: %w", err)
	}
	s.logEvent(ctx, audit.ActionKeyInitialized, key.KID, "")
	return key, nil
}

// Rotate atomically generates a new key pair, retires the previous active key,
// and activates the new one. At no observable point are there zero or two
// active keys. Fails with ErrNotInitialized if no active key exists.
func (s *KeyService) Rotate(ctx context.Context) (*domain.SigningKey, error) {
	current, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotInitialized
	}
	key, err := s.generateKey()
	if err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceActive(ctx, key, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("rotate keys: %w", err)
	}
	s.logEvent(ctx, audit.ActionKeyRotated, key.KID, fmt.Sprintf(`{"retired_kid":%q}`, current.KID))
	s.metrics.KeyRotation(ctx)
	return key, nil
}

// EmergencyRevoke transitions any non-revoked key to revoked immediately,
// regardless of outstanding token lifetimes. Tokens signed with it become
// unverifiable, forcing re-authentication; that trade-off is deliberate.
// The reason is recorded for audit. Fails with ErrKeyNotFound for unknown or
// already-revoked kids.
func (s *KeyService) EmergencyRevoke(ctx context.Context, kid, reason string) error {
	if err := s.repo.MarkRevoked(ctx, kid, reason, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("revoke key %s: %w", kid, err)
	}
	s.logEvent(ctx, audit.ActionKeyRevoked, kid, fmt.Sprintf(`{"reason":%q}`, reason))
	return nil
}

// CurrentKey returns the single active key, or nil if uninitialized.
func (s *KeyService) CurrentKey(ctx context.Context) (*domain.SigningKey, error) {
	return s.repo.GetActive(ctx)
}

// KeyByKID returns the key for kid, or nil for unknown or revoked keys.
func (s *KeyService) KeyByKID(ctx context.Context, kid string) (*domain.SigningKey, error) {
	key, err := s.repo.GetByKID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key == nil || key.Status == domain.KeyStatusRevoked {
		return nil, nil
	}
	return key, nil
}

// ListAll returns every key with its status, newest first. Operator use only.
func (s *KeyService) ListAll(ctx context.Context) ([]*domain.SigningKey, error) {
	return s.repo.ListAll(ctx)
}

// SigningKey implements security.KeyResolver: it unseals the active key's
// private material for minting.
func (s *KeyService) SigningKey(ctx context.Context) (string, crypto.Signer, error) {
	key, err := s.repo.GetActive(ctx)
	if err != nil {
		return "", nil, err
	}
	if key == nil {
		return "", nil, ErrNotInitialized
	}
	pemBytes, err := s.wrapper.Open(key.PrivateKeySealed)
	if err != nil {
		return "", nil, fmt.Errorf("unseal key %s: %w", key.KID, err)
	}
	signer, err := security.ParsePrivateKey(pemBytes)
	if err != nil {
		return "", nil, fmt.Errorf("parse key %s: %w", key.KID, err)
	}
	return key.KID, signer, nil
}

// VerificationKey implements security.KeyResolver: public key lookup by kid.
// Unknown and revoked kids both fail.
func (s *KeyService) VerificationKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, err := s.KeyByKID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, security.ErrInvalidToken
	}
	return security.ParsePublicKey([]byte(key.PublicKeyPEM))
}

// Health reports whether the stored key set is internally consistent.
type Health struct {
	Initialized bool
	ActiveCount int
	Healthy     bool
}

// HealthCheck reports whether a current key exists and whether exactly one key
// is active. Zero active keys (e.g. after an emergency revocation of the active
// key) is unhealthy until an operator rotates.
func (s *KeyService) HealthCheck(ctx context.Context) (*Health, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{}
	for _, k := range all {
		if k.Status == domain.KeyStatusActive {
			h.ActiveCount++
		}
	}
	h.Initialized = len(all) > 0
	h.Healthy = h.ActiveCount == 1
	return h, nil
}

func (s *KeyService) generateKey() (*domain.SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	privPEM, err := security.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := security.MarshalPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	sealed, err := s.wrapper.Seal(privPEM)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}
	return &domain.SigningKey{
		KID:              uuid.New().String(),
		Algorithm:        security.KeyAlg(priv.Public()),
		PrivateKeySealed: sealed,
		PublicKeyPEM:     string(pubPEM),
		Status:           domain.KeyStatusActive,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (s *KeyService) logEvent(ctx context.Context, action, kid, metadata string) {
	if s.audit == nil {
		return
	}
	s.audit.LogEvent(ctx, "", action, "signing_key:"+kid, metadata)
}
