package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/metrics"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/token"
	"github.com/Avicted/sigil/internal/user"
)

type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

type TokenResponse struct {
	AccessToken     string  `json:"access_token"`
	TokenType       string  `json:"token_type"`
	ExpiresIn       int64   `json:"expires_in"`
	Scope           string  `json:"scope"`
	RefreshToken    string  `json:"refresh_token,omitempty"`
	IDToken         string  `json:"id_token,omitempty"`
	AccessTokenJWT  string  `json:"access_token_jwt"`
	UserID          user.ID `json:"user_id"`
	EncryptedAppKey string  `json:"encrypted_app_key,omitempty"`
}

// grant redeems one grant type for an already identified client.
type grant interface {
	redeem(ctx context.Context, s *Service, app App, req TokenRequest) (TokenResponse, error)
}

func grantFor(grantType string) (grant, error) {
	switch grantType {
	case GrantAuthorizationCode:
		return authorizationCodeGrant{}, nil
	case GrantRefreshToken:
		return refreshTokenGrant{}, nil
	case "":
		return nil, ErrInvalidRequest.with("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType.with(fmt.Sprintf("grant type %q is not supported", grantType))
	}
}

// Exchange is the token endpoint.
func (s *Service) Exchange(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	g, err := grantFor(req.GrantType)
	if err != nil {
		return TokenResponse{}, err
	}
	app, err := s.lookupApp(ctx, req.ClientID)
	if err != nil {
		return TokenResponse{}, err
	}
	resp, err := g.redeem(ctx, s, app, req)
	if err != nil {
		return TokenResponse{}, err
	}
	metrics.TokensIssuedTotal.WithLabelValues(req.GrantType).Inc()
	return resp, nil
}

// subject is what every token minted by a grant describes.
type subject struct {
	UserID          user.ID
	IdentityID      string
	Scopes          []string
	Nonce           string
	AuthTime        time.Time
	EncryptedAppKey string
}

type authorizationCodeGrant struct{}

func (authorizationCodeGrant) redeem(ctx context.Context, s *Service, app App, req TokenRequest) (TokenResponse, error) {
	if req.Code == "" {
		return TokenResponse{}, ErrInvalidRequest.with("code is required")
	}
	var code AuthorizationCode
	err := ephemeral.TakeJSON(ctx, s.store, ephemeral.NamespaceOAuthCode, crypto.HashToken(req.Code), &code)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return TokenResponse{}, ErrInvalidGrant.with("authorization code is invalid or already used")
	}
	if err != nil {
		return TokenResponse{}, fmt.Errorf("load authorization code: %w", err)
	}
	if !s.now().Before(code.ExpiresAt) {
		return TokenResponse{}, ErrInvalidGrant.with("authorization code expired")
	}
	if code.AppID != app.ID {
		return TokenResponse{}, ErrInvalidGrant.with("authorization code was issued to another client")
	}
	if req.RedirectURI != code.RedirectURI {
		return TokenResponse{}, ErrInvalidGrant.with("redirect_uri does not match")
	}

	if code.CodeChallenge != "" {
		if !verifyPKCE(code.CodeChallengeMethod, code.CodeChallenge, req.CodeVerifier) {
			return TokenResponse{}, ErrInvalidGrant.with("code_verifier does not match")
		}
		if req.ClientSecret != "" {
			if err := checkClientSecret(app, req.ClientSecret); err != nil {
				return TokenResponse{}, err
			}
		}
	} else if err := checkClientSecret(app, req.ClientSecret); err != nil {
		return TokenResponse{}, err
	}

	if !app.AllowsScopes(code.Scopes) {
		return TokenResponse{}, ErrInvalidScope.with("granted scope is no longer allowed for this client")
	}

	sub := subject{
		UserID:          code.UserID,
		IdentityID:      code.IdentityID,
		Scopes:          code.Scopes,
		Nonce:           code.Nonce,
		AuthTime:        code.AuthTime,
		EncryptedAppKey: code.EncryptedAppKey,
	}
	var refresh string
	if slices.Contains(code.Scopes, ScopeOfflineAccess) {
		refresh, err = s.mintRefresh(ctx, app, sub, uuid.NewString(), "")
		if err != nil {
			return TokenResponse{}, err
		}
	}
	return s.issue(ctx, app, sub, refresh)
}

type refreshTokenGrant struct{}

func (refreshTokenGrant) redeem(ctx context.Context, s *Service, app App, req TokenRequest) (TokenResponse, error) {
	if req.RefreshToken == "" {
		return TokenResponse{}, ErrInvalidRequest.with("refresh_token is required")
	}
	if app.Confidential() {
		if err := checkClientSecret(app, req.ClientSecret); err != nil {
			return TokenResponse{}, err
		}
	}

	var (
		current   RefreshToken
		successor string
		reused    bool
	)
	now := s.now()
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetRefreshTokenForUpdate(ctx, crypto.HashToken(req.RefreshToken))
		// Reuse detection is scoped to a known family. A hash that matches no
		// stored row has no chain to revoke, so it is only logged.
		if errors.Is(err, ErrNotFound) {
			securelog.Security("refresh_token_unknown", "client_id", app.ClientID)
			return ErrInvalidGrant.with("refresh token is invalid")
		}
		if err != nil {
			return fmt.Errorf("load refresh token: %w", err)
		}
		if t.AppID != app.ID {
			return ErrInvalidGrant.with("refresh token was issued to another client")
		}
		if !t.Redeemable() {
			n, err := s.repo.MarkFamilyReused(ctx, t.FamilyID, now)
			if err != nil {
				return fmt.Errorf("revoke refresh family: %w", err)
			}
			metrics.RefreshReuseDetectedTotal.Inc()
			securelog.Security("refresh_token_reuse",
				"family_id", t.FamilyID,
				"client_id", app.ClientID,
				"user_id", string(t.UserID),
				"revoked", n,
			)
			reused = true
			return nil
		}
		if !now.Before(t.ExpiresAt) {
			return ErrInvalidGrant.with("refresh token expired")
		}
		if !app.AllowsScopes(t.Scopes) {
			return ErrInvalidScope.with("granted scope is no longer allowed for this client")
		}
		if err := s.repo.RevokeRefreshToken(ctx, t.ID, now); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
		successor, err = s.mintRefresh(ctx, app, subject{
			UserID:     t.UserID,
			IdentityID: t.IdentityID,
			Scopes:     t.Scopes,
		}, t.FamilyID, t.ID)
		if err != nil {
			return err
		}
		current = t
		return nil
	})
	if err != nil {
		return TokenResponse{}, err
	}
	// The family revocation above must commit, so reuse is reported only
	// after the transaction.
	if reused {
		return TokenResponse{}, ErrInvalidGrant.with("refresh token has already been used")
	}

	sub := subject{
		UserID:     current.UserID,
		IdentityID: current.IdentityID,
		Scopes:     current.Scopes,
	}
	auth, err := s.repo.GetAuthorization(ctx, current.UserID, app.ID, current.IdentityID)
	switch {
	case err == nil:
		sub.EncryptedAppKey = auth.EncryptedAppKey
	case !errors.Is(err, ErrNotFound):
		return TokenResponse{}, fmt.Errorf("load authorization: %w", err)
	}
	return s.issue(ctx, app, sub, successor)
}

// mintRefresh persists a new refresh token in family and returns its
// plaintext.
func (s *Service) mintRefresh(ctx context.Context, app App, sub subject, familyID, rotatedFrom string) (string, error) {
	raw, err := crypto.RandomToken(refreshTokenBytes)
	if err != nil {
		return "", err
	}
	now := s.now()
	err = s.repo.CreateRefreshToken(ctx, RefreshToken{
		ID:            uuid.NewString(),
		TokenHash:     crypto.HashToken(raw),
		AppID:         app.ID,
		UserID:        sub.UserID,
		IdentityID:    sub.IdentityID,
		Scopes:        sub.Scopes,
		FamilyID:      familyID,
		RotatedFromID: rotatedFrom,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.refreshTTL(app)),
	})
	if err != nil {
		return "", fmt.Errorf("create refresh token: %w", err)
	}
	return raw, nil
}

// issue mints the opaque access token, the resource JWT and, with openid,
// the identity token.
func (s *Service) issue(ctx context.Context, app App, sub subject, refresh string) (TokenResponse, error) {
	ttl := s.accessTTL(app)
	now := s.now()

	access, err := crypto.RandomToken(accessTokenBytes)
	if err != nil {
		return TokenResponse{}, err
	}
	record := AccessGrant{
		UserID:     sub.UserID,
		IdentityID: sub.IdentityID,
		AppID:      app.ID,
		ClientID:   app.ClientID,
		Scopes:     sub.Scopes,
		ExpiresAt:  now.Add(ttl),
	}
	if err := ephemeral.PutJSON(ctx, s.store, ephemeral.NamespaceOAuthAccess, crypto.HashToken(access), record, ttl); err != nil {
		return TokenResponse{}, fmt.Errorf("store access token: %w", err)
	}

	resourceJWT, err := s.signer.ResourceToken(token.ResourceClaims{
		Subject:  sub.IdentityID,
		UserID:   string(sub.UserID),
		ClientID: app.ClientID,
		Scopes:   sub.Scopes,
		TTL:      ttl,
	})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	resp := TokenResponse{
		AccessToken:     access,
		TokenType:       "Bearer",
		ExpiresIn:       int64(ttl / time.Second),
		Scope:           strings.Join(sub.Scopes, " "),
		RefreshToken:    refresh,
		AccessTokenJWT:  resourceJWT,
		UserID:          sub.UserID,
		EncryptedAppKey: sub.EncryptedAppKey,
	}

	if slices.Contains(sub.Scopes, ScopeOpenID) {
		identity, err := s.identities.GetIdentity(ctx, sub.IdentityID)
		if err != nil {
			return TokenResponse{}, fmt.Errorf("load identity: %w", err)
		}
		c := scopedClaims(identity, sub.Scopes)
		resp.IDToken, err = s.signer.IDToken(token.IDClaims{
			Subject:           identity.ID,
			ClientID:          app.ClientID,
			Nonce:             sub.Nonce,
			AuthTime:          sub.AuthTime,
			TTL:               ttl,
			Name:              c.Name,
			PreferredUsername: c.PreferredUsername,
			Picture:           c.Picture,
			Email:             c.Email,
		})
		if err != nil {
			return TokenResponse{}, fmt.Errorf("sign id token: %w", err)
		}
	}
	return resp, nil
}
