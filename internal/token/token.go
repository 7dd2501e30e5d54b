// Package token signs identity tokens and resource access tokens with the
// server's RSA key and publishes the verification key as a JWKS.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const minKeyBits = 2048

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid signing key")
)

type Signer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	now      func() time.Time
}

func NewSigner(key *rsa.PrivateKey, kid, issuer, audience string) (*Signer, error) {
	if key == nil || key.N.BitLen() < minKeyBits {
		return nil, ErrInvalidKey
	}
	if kid == "" || issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: kid, issuer and audience are required", ErrInvalidKey)
	}
	return &Signer{key: key, kid: kid, issuer: issuer, audience: audience, now: time.Now}, nil
}

// LoadSigner reads a PEM encoded RSA private key (PKCS#1 or PKCS#8).
func LoadSigner(path, kid, issuer, audience string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewSigner(key, kid, issuer, audience)
}

// GenerateKeyPEM returns a new PKCS#8 PEM encoded RSA key.
func GenerateKeyPEM(bits int) ([]byte, error) {
	if bits < minKeyBits {
		bits = minKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func (s *Signer) Issuer() string   { return s.issuer }
func (s *Signer) Audience() string { return s.audience }
func (s *Signer) KeyID() string    { return s.kid }

// JWKS publishes the public half of the signing key.
func (s *Signer) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}

// IDClaims describe an identity token. Profile and email claims are only
// emitted when the matching scope was granted.
type IDClaims struct {
	Subject           string
	ClientID          string
	Nonce             string
	AuthTime          time.Time
	TTL               time.Duration
	Name              string
	PreferredUsername string
	Picture           string
	Email             string
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce             string `json:"nonce,omitempty"`
	AuthTime          int64  `json:"auth_time,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Picture           string `json:"picture,omitempty"`
	Email             string `json:"email,omitempty"`
}

func (s *Signer) IDToken(c IDClaims) (string, error) {
	if c.Subject == "" || c.ClientID == "" || c.TTL <= 0 {
		return "", fmt.Errorf("%w: subject, client and ttl are required", ErrInvalidToken)
	}
	now := s.now()
	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   c.Subject,
			Audience:  jwt.ClaimStrings{c.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL)),
		},
		Nonce:             c.Nonce,
		Name:              c.Name,
		PreferredUsername: c.PreferredUsername,
		Picture:           c.Picture,
		Email:             c.Email,
	}
	if !c.AuthTime.IsZero() {
		claims.AuthTime = c.AuthTime.Unix()
	}
	return s.sign(claims)
}

// ResourceClaims describe an access token for resource servers.
type ResourceClaims struct {
	Subject  string
	UserID   string
	ClientID string
	Scopes   []string
	TTL      time.Duration
}

type resourceTokenClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	UserID   string `json:"uid,omitempty"`
}

func (s *Signer) ResourceToken(c ResourceClaims) (string, error) {
	if c.Subject == "" || c.ClientID == "" || c.TTL <= 0 {
		return "", fmt.Errorf("%w: subject, client and ttl are required", ErrInvalidToken)
	}
	now := s.now()
	return s.sign(resourceTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   c.Subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.TTL)),
			ID:        uuid.NewString(),
		},
		Scope:    strings.Join(c.Scopes, " "),
		ClientID: c.ClientID,
		UserID:   c.UserID,
	})
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyResource checks signature, issuer, audience and expiry of a
// resource token and returns its claims.
func (s *Signer) VerifyResource(raw string) (ResourceClaims, time.Time, error) {
	var claims resourceTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.kid {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return &s.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return ResourceClaims{}, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var scopes []string
	if claims.Scope != "" {
		scopes = strings.Fields(claims.Scope)
	}
	return ResourceClaims{
		Subject:  claims.Subject,
		UserID:   claims.UserID,
		ClientID: claims.ClientID,
		Scopes:   scopes,
	}, claims.ExpiresAt.Time, nil
}
