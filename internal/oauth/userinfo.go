package oauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/user"
)

// UserInfo is the OIDC userinfo document. Only sub is unconditional.
type UserInfo struct {
	Subject           string `json:"sub"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Picture           string `json:"picture,omitempty"`
	Email             string `json:"email,omitempty"`
}

func scopedClaims(identity user.Identity, scopes []string) UserInfo {
	info := UserInfo{Subject: identity.ID}
	if slices.Contains(scopes, ScopeProfile) {
		info.Name = identity.DisplayName
		info.PreferredUsername = identity.Handle
		info.Picture = identity.AvatarURL
	}
	if slices.Contains(scopes, ScopeEmail) {
		info.Email = identity.Email
	}
	return info
}

// UserInfo accepts either an opaque access token or a signed resource token.
func (s *Service) UserInfo(ctx context.Context, bearer string) (UserInfo, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return UserInfo{}, ErrInvalidToken.with("missing bearer token")
	}

	var (
		identityID string
		scopes     []string
	)
	if strings.Count(bearer, ".") == 2 {
		claims, _, err := s.signer.VerifyResource(bearer)
		if err != nil {
			return UserInfo{}, ErrInvalidToken.with("access token is invalid or expired")
		}
		identityID, scopes = claims.Subject, claims.Scopes
	} else {
		var record AccessGrant
		err := ephemeral.GetJSON(ctx, s.store, ephemeral.NamespaceOAuthAccess, crypto.HashToken(bearer), &record)
		if errors.Is(err, ephemeral.ErrNotFound) {
			return UserInfo{}, ErrInvalidToken.with("access token is invalid or expired")
		}
		if err != nil {
			return UserInfo{}, fmt.Errorf("load access token: %w", err)
		}
		if !s.now().Before(record.ExpiresAt) {
			return UserInfo{}, ErrInvalidToken.with("access token is invalid or expired")
		}
		identityID, scopes = record.IdentityID, record.Scopes
	}

	identity, err := s.identities.GetIdentity(ctx, identityID)
	if errors.Is(err, user.ErrNotFound) {
		return UserInfo{}, ErrInvalidToken.with("identity no longer exists")
	}
	if err != nil {
		return UserInfo{}, fmt.Errorf("load identity: %w", err)
	}
	return scopedClaims(identity, scopes), nil
}

type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery returns the OpenID provider metadata rooted at the signer's
// issuer.
func (s *Service) Discovery() Discovery {
	issuer := strings.TrimRight(s.signer.Issuer(), "/")
	return Discovery{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		UserInfoEndpoint:                  issuer + "/oauth/userinfo",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantAuthorizationCode, GrantRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   slices.Clone(SupportedScopes),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic", "none"},
		CodeChallengeMethodsSupported:     []string{MethodS256, MethodPlain},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "name", "preferred_username", "picture", "email"},
	}
}
