package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/token"
	"github.com/Avicted/sigil/internal/user"
)

const (
	DefaultCodeTTL    = 10 * time.Minute
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour

	codeBytes         = 32
	accessTokenBytes  = 32
	refreshTokenBytes = 48
	clientIDBytes     = 16
	clientSecretBytes = 32
	maxAppKeyLen      = 4096
)

type Identities interface {
	IdentityOf(ctx context.Context, userID user.ID, identityID string) (user.Identity, error)
	GetIdentity(ctx context.Context, identityID string) (user.Identity, error)
}

type Config struct {
	CodeTTL           time.Duration
	DefaultAccessTTL  time.Duration
	DefaultRefreshTTL time.Duration
}

type Service struct {
	repo       Repository
	store      ephemeral.Store
	signer     *token.Signer
	identities Identities
	tx         dbx.TxRunner
	cfg        Config
	now        func() time.Time
}

func NewService(repo Repository, store ephemeral.Store, signer *token.Signer, identities Identities, tx dbx.TxRunner, cfg Config) *Service {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.DefaultAccessTTL <= 0 {
		cfg.DefaultAccessTTL = DefaultAccessTTL
	}
	if cfg.DefaultRefreshTTL <= 0 {
		cfg.DefaultRefreshTTL = DefaultRefreshTTL
	}
	return &Service{
		repo:       repo,
		store:      store,
		signer:     signer,
		identities: identities,
		tx:         tx,
		cfg:        cfg,
		now:        time.Now,
	}
}

type AuthorizeRequest struct {
	UserID              user.ID
	ClientID            string
	RedirectURI         string
	Scope               string
	IdentityID          string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	EncryptedAppKey     string
	AuthTime            time.Time
}

// Authorize records the user's consent and returns the client redirect URL
// carrying a fresh single-use authorization code.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	app, err := s.lookupApp(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if req.RedirectURI == "" || !app.AllowsRedirect(req.RedirectURI) {
		return "", ErrInvalidRedirect.with("redirect_uri is not registered for this client")
	}
	scopes := parseScopes(req.Scope)
	if len(scopes) == 0 {
		return "", ErrInvalidScope.with("scope is required")
	}
	if !app.AllowsScopes(scopes) {
		return "", ErrInvalidScope.with("requested scope is not allowed for this client")
	}

	if _, err := s.identities.IdentityOf(ctx, req.UserID, req.IdentityID); err != nil {
		if errors.Is(err, user.ErrInvalidInput) {
			return "", ErrInvalidRequest.with("identity_id is required")
		}
		if errors.Is(err, user.ErrNotFound) {
			return "", ErrAccessDenied.with("identity does not belong to the caller")
		}
		return "", fmt.Errorf("load identity: %w", err)
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" {
		if method == "" {
			method = MethodPlain
		}
		if !validChallengeMethod(method) {
			return "", ErrInvalidRequest.with("unsupported code_challenge_method")
		}
	} else {
		method = ""
		if !app.Confidential() {
			return "", ErrInvalidRequest.with("code_challenge is required for public clients")
		}
	}
	if len(req.EncryptedAppKey) > maxAppKeyLen {
		return "", ErrInvalidRequest.with("encrypted_app_key is too large")
	}

	now := s.now()
	appKey := req.EncryptedAppKey
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetAuthorization(ctx, req.UserID, app.ID, req.IdentityID)
		switch {
		case errors.Is(err, ErrNotFound):
			existing = Authorization{
				ID:         uuid.NewString(),
				UserID:     req.UserID,
				AppID:      app.ID,
				IdentityID: req.IdentityID,
				CreatedAt:  now,
			}
		case err != nil:
			return fmt.Errorf("load authorization: %w", err)
		}
		if appKey == "" {
			appKey = existing.EncryptedAppKey
		}
		if app.RequiresE2EE && appKey == "" {
			return ErrInvalidRequest.with("encrypted_app_key is required for this client")
		}
		existing.Scopes = scopes
		existing.EncryptedAppKey = appKey
		existing.UpdatedAt = now
		if err := s.repo.UpsertAuthorization(ctx, existing); err != nil {
			return fmt.Errorf("save authorization: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	code, err := crypto.RandomToken(codeBytes)
	if err != nil {
		return "", err
	}
	record := AuthorizationCode{
		UserID:              req.UserID,
		AppID:               app.ID,
		IdentityID:          req.IdentityID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               req.Nonce,
		EncryptedAppKey:     appKey,
		AuthTime:            req.AuthTime,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
	}
	if err := ephemeral.PutJSON(ctx, s.store, ephemeral.NamespaceOAuthCode, crypto.HashToken(code), record, s.cfg.CodeTTL); err != nil {
		return "", fmt.Errorf("store authorization code: %w", err)
	}

	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", ErrInvalidRedirect.with("redirect_uri is malformed")
	}
	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

func (s *Service) lookupApp(ctx context.Context, clientID string) (App, error) {
	if clientID == "" {
		return App{}, ErrInvalidClient.with("client_id is required")
	}
	app, err := s.repo.GetAppByClientID(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return App{}, ErrInvalidClient.with("unknown client")
	}
	if err != nil {
		return App{}, fmt.Errorf("load client: %w", err)
	}
	return app, nil
}

func (s *Service) accessTTL(app App) time.Duration {
	if app.AccessTokenTTL > 0 {
		return app.AccessTokenTTL
	}
	return s.cfg.DefaultAccessTTL
}

func (s *Service) refreshTTL(app App) time.Duration {
	if app.RefreshTokenTTL > 0 {
		return app.RefreshTokenTTL
	}
	return s.cfg.DefaultRefreshTTL
}

func parseScopes(raw string) []string {
	var out []string
	for _, s := range strings.Fields(raw) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

type NewApp struct {
	Name            string
	RedirectURIs    []string
	Scopes          []string
	Confidential    bool
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	RequiresE2EE    bool
}

// CreateApp registers a client. The plaintext secret is returned once and
// is empty for public clients.
func (s *Service) CreateApp(ctx context.Context, in NewApp) (App, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return App{}, "", ErrInvalidRequest.with("name is required")
	}
	if len(in.RedirectURIs) == 0 {
		return App{}, "", ErrInvalidRequest.with("at least one redirect uri is required")
	}
	for _, raw := range in.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Fragment != "" || (u.Host == "" && u.Opaque == "" && u.Path == "") {
			return App{}, "", ErrInvalidRedirect.with(fmt.Sprintf("invalid redirect uri %q", raw))
		}
	}
	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeOpenID, ScopeProfile}
	}
	for _, sc := range scopes {
		if !slices.Contains(SupportedScopes, sc) {
			return App{}, "", ErrInvalidScope.with(fmt.Sprintf("unsupported scope %q", sc))
		}
	}

	clientID, err := crypto.RandomToken(clientIDBytes)
	if err != nil {
		return App{}, "", err
	}
	app := App{
		ID:              uuid.NewString(),
		ClientID:        clientID,
		Name:            name,
		RedirectURIs:    slices.Clone(in.RedirectURIs),
		AllowedScopes:   slices.Clone(scopes),
		AccessTokenTTL:  in.AccessTokenTTL,
		RefreshTokenTTL: in.RefreshTokenTTL,
		RequiresE2EE:    in.RequiresE2EE,
		CreatedAt:       s.now(),
	}

	var secret string
	if in.Confidential {
		secret, err = crypto.RandomToken(clientSecretBytes)
		if err != nil {
			return App{}, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return App{}, "", fmt.Errorf("hash client secret: %w", err)
		}
		app.ClientSecretHash = string(hash)
	}

	if err := s.repo.CreateApp(ctx, app); err != nil {
		return App{}, "", fmt.Errorf("create app: %w", err)
	}
	return app, secret, nil
}

func checkClientSecret(app App, secret string) error {
	if !app.Confidential() {
		return ErrInvalidClient.with("client has no secret")
	}
	if secret == "" {
		return ErrInvalidClient.with("client_secret is required")
	}
	if bcrypt.CompareHashAndPassword([]byte(app.ClientSecretHash), []byte(secret)) != nil {
		return ErrInvalidClient.with("client authentication failed")
	}
	return nil
}
