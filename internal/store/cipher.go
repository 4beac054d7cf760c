package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCiphertextTooShort means stored content is shorter than a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher seals memory content at rest with XChaCha20-Poly1305.
// A nil *Cipher passes data through unchanged.
type Cipher struct {
	key []byte
}

// NewCipher takes a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: append([]byte(nil), key...)}, nil
}

// NewCipherFromBase64 decodes a standard base64 key.
func NewCipherFromBase64(s string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encryption key: %w", err)
	}
	return NewCipher(key)
}

// Seal returns nonce || ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if c == nil {
		return sealed, nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt memory: %w", err)
	}
	return pt, nil
}
