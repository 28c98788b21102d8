// Package tokencipher encrypts provider access tokens before they reach storage.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var ErrCrypto = errors.New("token cipher failure")

// EncryptedToken is a ciphertext with the IV it was sealed under.
type EncryptedToken struct {
	Ciphertext []byte
	IV         []byte
}

// Cipher seals and opens tokens with AES-GCM under one process-wide key.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// New builds a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCrypto, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrCrypto, err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// NewFromBase64 decodes a standard base64 key, as provisioned in configuration.
func NewFromBase64(encoded string) (*Cipher, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: key is empty", ErrCrypto)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid base64", ErrCrypto)
	}
	return New(key)
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (EncryptedToken, error) {
	if c == nil || c.aead == nil {
		return EncryptedToken{}, fmt.Errorf("%w: cipher is not configured", ErrCrypto)
	}

	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return EncryptedToken{}, fmt.Errorf("%w: read iv: %v", ErrCrypto, err)
	}

	return EncryptedToken{
		Ciphertext: c.aead.Seal(nil, iv, []byte(plaintext), nil),
		IV:         iv,
	}, nil
}

// Decrypt opens a token sealed by Encrypt. The IV must be the one it was sealed with.
func (c *Cipher) Decrypt(token EncryptedToken) (string, error) {
	if c == nil || c.aead == nil {
		return "", fmt.Errorf("%w: cipher is not configured", ErrCrypto)
	}
	if len(token.IV) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: iv must be %d bytes, got %d", ErrCrypto, c.aead.NonceSize(), len(token.IV))
	}
	if len(token.Ciphertext) < c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext is too short", ErrCrypto)
	}

	plaintext, err := c.aead.Open(nil, token.IV, token.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: integrity check failed", ErrCrypto)
	}
	return string(plaintext), nil
}
