package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"marketplace-auth/internal/keys/domain"
	"marketplace-auth/internal/security"
)

// JWK is one public key entry in the published key set. Only public material is
// ever exposed.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is the published set of public signing keys.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicJWKS returns the public material of every active or retired key. Revoked
// keys are never included. Retired keys stay in the set so tokens minted before
// the most recent rotation keep verifying until they expire.
func (s *KeyService) PublicJWKS(ctx context.Context) (*JWKS, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	set := &JWKS{Keys: []JWK{}}
	for _, k := range all {
		if k.Status == domain.KeyStatusRevoked {
			continue
		}
		jwk, err := publicJWK(k)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

func publicJWK(k *domain.SigningKey) (JWK, error) {
	pub, err := security.ParsePublicKey([]byte(k.PublicKeyPEM))
	if err != nil {
		return JWK{}, fmt.Errorf("parse public key %s: %w", k.KID, err)
	}
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		return JWK{
			Kty: "RSA",
			Kid: k.KID,
			Alg: k.Algorithm,
			Use: "sig",
			N:   b64(pub.N.Bytes()),
			E:   b64(big.NewInt(int64(pub.E)).Bytes()),
		}, nil
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		return JWK{
			Kty: "EC",
			Kid: k.KID,
			Alg: k.Algorithm,
			Use: "sig",
			Crv: pub.Curve.Params().Name,
			X:   b64(pub.X.FillBytes(make([]byte, size))),
			Y:   b64(pub.Y.FillBytes(make([]byte, size))),
		}, nil
	default:
		return JWK{}, fmt.Errorf("unsupported key type for %s", k.KID)
	}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
