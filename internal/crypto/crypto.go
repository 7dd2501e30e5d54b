// Package crypto holds the primitives behind device-trust login: X25519 key
// agreement, HKDF-SHA256 key derivation and AES-256-GCM sealing of the
// master key, plus helpers for opaque bearer secrets.
//
// The server only validates public keys and hashes bearer secrets. Sealing
// and opening happen on the requesting and approving devices.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	NonceSize = 12
	KeySize   = 32
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid key")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
)

var deviceTrustInfo = []byte("sigil-device-trust-v1")

type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair creates an ephemeral X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

func (kp *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Public.Bytes())
}

// ParsePublicKey decodes a base64 X25519 public key. All-zero and other
// low-order points are rejected by the ECDH step, so callers that only need
// validation should use ValidatePublicKey.
func ParsePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// ValidatePublicKey reports whether encoded is a usable X25519 public key.
func ValidatePublicKey(encoded string) error {
	pub, err := ParsePublicKey(encoded)
	if err != nil {
		return err
	}
	probe, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("probe key: %w", err)
	}
	if _, err := probe.ECDH(pub); err != nil {
		return fmt.Errorf("%w: low order point", ErrInvalidKey)
	}
	return nil
}

// deriveKey runs X25519 and stretches the shared secret with HKDF-SHA256.
// The request id is used as salt so a sealed key only opens for the login
// request it was produced for.
func deriveKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, requestID string) ([]byte, error) {
	if priv == nil || peer == nil {
		return nil, ErrInvalidKey
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh exchange: %w", err)
	}
	r := hkdf.New(sha256.New, shared, []byte(requestID), deviceTrustInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm cipher: %w", err)
	}
	return gcm, nil
}

// SealMasterKey is run by the approving device. It encrypts masterKey to the
// requester's ephemeral public key and returns base64 ciphertext.
func SealMasterKey(approver *ecdh.PrivateKey, requester *ecdh.PublicKey, requestID string, masterKey []byte) (string, error) {
	key, err := deriveKey(approver, requester, requestID)
	if err != nil {
		return "", err
	}
	ct, err := seal(key, masterKey, []byte(requestID))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenMasterKey is run by the requesting device with its ephemeral private
// key and the approver's public key returned by the status poll.
func OpenMasterKey(requester *ecdh.PrivateKey, approver *ecdh.PublicKey, requestID, encoded string) ([]byte, error) {
	key, err := deriveKey(requester, approver, requestID)
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidCiphertext, err)
	}
	return open(key, ct, []byte(requestID))
}

// SealWithKey encrypts with a raw 32-byte key. Used for app keys and PRF
// wrapped master keys.
func SealWithKey(key, plaintext []byte) (string, error) {
	ct, err := seal(key, plaintext, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func OpenWithKey(key []byte, encoded string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidCiphertext, err)
	}
	return open(key, ct, nil)
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the hex SHA-256 of a high-entropy bearer secret. Bearer
// secrets are stored and looked up only by this hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
