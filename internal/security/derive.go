package security

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Secrets holds the per-purpose secrets derived from the master secret.
type Secrets struct {
	// Pepper is mixed into refresh-token hashes before storage.
	Pepper []byte
	// WrapKey seals private signing-key material at rest (AES-256-GCM).
	WrapKey []byte
}

// DeriveSecrets expands the master secret into independent 32-byte secrets via
// HKDF-SHA256 with distinct info labels, so neither secret reveals the other.
func DeriveSecrets(master []byte) (*Secrets, error) {
	if len(master) < 32 {
		return nil, errors.New("security: master secret must be at least 32 bytes")
	}
	pepper, err := derive(master, "refresh-token-pepper")
	if err != nil {
		return nil, err
	}
	wrapKey, err := derive(master, "signing-key-wrap")
	if err != nil {
		return nil, err
	}
	return &Secrets{Pepper: pepper, WrapKey: wrapKey}, nil
}

func derive(master []byte, label string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
