// Package oauth is the OAuth2/OIDC authorization server: authorization code
// with PKCE, refresh token rotation with reuse detection, userinfo and
// discovery metadata.
package oauth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/Avicted/sigil/internal/user"
)

const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"

	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

var SupportedScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

var ErrNotFound = errors.New("not found")

// Error is an OAuth protocol error. Errors compare equal under errors.Is
// when their codes match.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e *Error) with(description string) *Error {
	return &Error{Code: e.Code, Description: description, Status: e.Status}
}

var (
	ErrInvalidRequest       = &Error{Code: "invalid_request", Status: http.StatusBadRequest}
	ErrInvalidClient        = &Error{Code: "invalid_client", Status: http.StatusUnauthorized}
	ErrInvalidGrant         = &Error{Code: "invalid_grant", Status: http.StatusBadRequest}
	ErrInvalidScope         = &Error{Code: "invalid_scope", Status: http.StatusBadRequest}
	ErrInvalidRedirect      = &Error{Code: "invalid_redirect", Status: http.StatusBadRequest}
	ErrUnsupportedGrantType = &Error{Code: "unsupported_grant_type", Status: http.StatusBadRequest}
	ErrAccessDenied         = &Error{Code: "access_denied", Status: http.StatusForbidden}
	ErrInvalidToken         = &Error{Code: "invalid_token", Status: http.StatusUnauthorized}
)

type App struct {
	ID               string
	ClientID         string
	ClientSecretHash string
	Name             string
	RedirectURIs     []string
	AllowedScopes    []string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	RequiresE2EE     bool
	CreatedAt        time.Time
}

// Confidential reports whether the app authenticates with a client secret.
func (a App) Confidential() bool {
	return a.ClientSecretHash != ""
}

func (a App) AllowsRedirect(uri string) bool {
	return slices.Contains(a.RedirectURIs, uri)
}

func (a App) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(a.AllowedScopes, s) {
			return false
		}
	}
	return true
}

// Authorization records that a user granted an app access to one identity.
type Authorization struct {
	ID              string
	UserID          user.ID
	AppID           string
	IdentityID      string
	Scopes          []string
	EncryptedAppKey string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuthorizationCode lives only in the ephemeral store, keyed by the hash of
// the code handed to the client.
type AuthorizationCode struct {
	UserID              user.ID   `json:"user_id"`
	AppID               string    `json:"app_id"`
	IdentityID          string    `json:"identity_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	EncryptedAppKey     string    `json:"encrypted_app_key,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessGrant backs an opaque access token in the ephemeral store.
type AccessGrant struct {
	UserID     user.ID   `json:"user_id"`
	IdentityID string    `json:"identity_id"`
	AppID      string    `json:"app_id"`
	ClientID   string    `json:"client_id"`
	Scopes     []string  `json:"scopes"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type RefreshToken struct {
	ID              string
	TokenHash       string
	AppID           string
	UserID          user.ID
	IdentityID      string
	Scopes          []string
	FamilyID        string
	RotatedFromID   string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	ReuseDetectedAt *time.Time
}

// Redeemable reports whether the token may still be rotated.
func (t RefreshToken) Redeemable() bool {
	return t.RevokedAt == nil && t.ReuseDetectedAt == nil
}

type Repository interface {
	CreateApp(ctx context.Context, app App) error
	GetAppByClientID(ctx context.Context, clientID string) (App, error)

	GetAuthorization(ctx context.Context, userID user.ID, appID, identityID string) (Authorization, error)
	UpsertAuthorization(ctx context.Context, a Authorization) error

	CreateRefreshToken(ctx context.Context, t RefreshToken) error
	// GetRefreshTokenForUpdate locks the row for the rest of the transaction.
	GetRefreshTokenForUpdate(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) error
	// MarkFamilyReused flags and revokes every token of a rotation family.
	MarkFamilyReused(ctx context.Context, familyID string, at time.Time) (int64, error)
}
