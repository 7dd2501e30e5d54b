// Package securestore encrypts profile and device columns at rest.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const keySize = 32

var (
	ErrInvalidKey         = errors.New("invalid field key")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// FieldCrypto seals column values with AES-GCM. The column name is bound as
// additional data so a value sealed for one column does not open in another.
type FieldCrypto struct {
	aead cipher.AEAD
	key  []byte
}

func NewFieldCrypto(key []byte) (*FieldCrypto, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	k := make([]byte, keySize)
	copy(k, key)
	return &FieldCrypto{aead: aead, key: k}, nil
}

// Seal encrypts plaintext for column. Empty input stays empty.
func (c *FieldCrypto) Seal(column, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(column))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *FieldCrypto) Open(column, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrCiphertextTooShort
	}
	pt, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(column))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(pt), nil
}

// LookupHash returns a keyed hash usable as an equality index for a value
// that is never stored in plaintext.
func (c *FieldCrypto) LookupHash(purpose, value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write([]byte(purpose))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
