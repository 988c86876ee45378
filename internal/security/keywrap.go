package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

// ErrSealedKey is returned when sealed key material cannot be opened.
var ErrSealedKey = errors.New("invalid sealed key material")

// KeyWrapper seals and opens private signing-key PEM with AES-256-GCM so key
// material is never stored in the clear. The nonce is prepended to the ciphertext.
type KeyWrapper struct {
	aead cipher.AEAD
}

// NewKeyWrapper returns a KeyWrapper using the given 32-byte key.
func NewKeyWrapper(key []byte) (*KeyWrapper, error) {
	if len(key) != 32 {
		return nil, errors.New("security: wrap key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &KeyWrapper{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (w *KeyWrapper) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return w.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce||ciphertext produced by Seal.
func (w *KeyWrapper) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < w.aead.NonceSize() {
		return nil, ErrSealedKey
	}
	nonce, ciphertext := sealed[:w.aead.NonceSize()], sealed[w.aead.NonceSize():]
	plaintext, err := w.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealedKey
	}
	return plaintext, nil
}
