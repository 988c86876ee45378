package security

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for every verification failure: bad signature,
	// expired, wrong type, unknown or revoked kid, malformed structure. Callers
	// must not distinguish these cases to avoid building an oracle.
	ErrInvalidToken = errors.New("invalid token")
)

// Token type discriminators carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"type"`
}

// RefreshClaims holds JWT claims for the refresh token. SessionID and FamilyID
// bind the token to one session row and its rotation family.
type RefreshClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	FamilyID  string `json:"fid"`
	TokenType string `json:"type"`
}

// KeyResolver supplies signing material by lifecycle state: the single active key
// for minting, and key lookup by kid for verification. Unknown and revoked kids
// must both resolve to an error.
type KeyResolver interface {
	SigningKey(ctx context.Context) (kid string, key crypto.Signer, err error)
	VerificationKey(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// TokenCodec mints and verifies signed access and refresh tokens. Signing material
// is resolved per call through the KeyResolver, so key rotation takes effect
// without restarting the process.
type TokenCodec struct {
	keys       KeyResolver
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenCodec returns a TokenCodec that signs with the resolver's active key
// (RS256 or ES256) and stamps the given issuer and audience on every token.
func NewTokenCodec(keys KeyResolver, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenCodec {
	return &TokenCodec{
		keys:       keys,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// AccessTTL returns the access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (c *TokenCodec) RefreshTTL() time.Duration { return c.refreshTTL }

// MintAccess issues a short-lived access JWT for the given user.
// Returns the token string and its expiration time.
func (c *TokenCodec) MintAccess(ctx context.Context, userID, email string, roles []string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(c.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:     email,
		Roles:     roles,
		TokenType: TokenTypeAccess,
	}
	token, err = c.sign(ctx, claims)
	return token, expiresAt, err
}

// MintRefresh issues a refresh JWT bound to a specific session id and family id.
// Returns the token string and its expiration time. The caller must store the
// peppered hash of the token on the session row.
func (c *TokenCodec) MintRefresh(ctx context.Context, userID, sessionID, familyID string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(c.refreshTTL)
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		FamilyID:  familyID,
		TokenType: TokenTypeRefresh,
	}
	token, err = c.sign(ctx, claims)
	return token, expiresAt, err
}

func (c *TokenCodec) sign(ctx context.Context, claims jwt.Claims) (string, error) {
	kid, key, err := c.keys.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	var method jwt.SigningMethod
	switch key.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = kid
	return t.SignedString(key)
}

// VerifyAccess parses and validates an access token (signature via kid lookup,
// exp, iss, aud, type). Returns ErrInvalidToken on any failure.
func (c *TokenCodec) VerifyAccess(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.verify(ctx, tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh parses and validates a refresh token (signature via kid lookup,
// exp, iss, aud, type). Returns ErrInvalidToken on any failure. A valid result
// only proves the token was minted by us; its single-use state lives on the
// session row and is checked by the rotation engine.
func (c *TokenCodec) VerifyRefresh(ctx context.Context, tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.verify(ctx, tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *TokenCodec) verify(ctx context.Context, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		default:
			return nil, ErrInvalidToken
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, ErrInvalidToken
		}
		pub, err := c.keys.VerificationKey(ctx, kid)
		if err != nil || pub == nil {
			return nil, ErrInvalidToken
		}
		return pub, nil
	},
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
