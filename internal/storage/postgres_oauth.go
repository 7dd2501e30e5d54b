package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/user"
)

// textArray scans a Postgres text[] column through pgx's type map. A fresh
// map per scan keeps repositories safe for concurrent use.
func textArray(dst *[]string) sql.Scanner {
	return pgtype.NewMap().SQLScanner(dst)
}

type oauthRepo struct {
	run *dbx.Runner
}

const appColumns = `id, client_id, client_secret_hash, name, redirect_uris, allowed_scopes,
	access_token_ttl_seconds, refresh_token_ttl_seconds, requires_e2ee, created_at`

func (r *oauthRepo) CreateApp(ctx context.Context, app oauth.App) error {
	if app.ID == "" || app.ClientID == "" || app.Name == "" {
		return fmt.Errorf("app id, client_id and name are required")
	}
	_, err := r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO oauth_apps (`+appColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		app.ID, app.ClientID, app.ClientSecretHash, app.Name, app.RedirectURIs, app.AllowedScopes,
		int64(app.AccessTokenTTL/time.Second), int64(app.RefreshTokenTTL/time.Second), app.RequiresE2EE, app.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert oauth app: %w", err)
	}
	return nil
}

func (r *oauthRepo) GetAppByClientID(ctx context.Context, clientID string) (oauth.App, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT `+appColumns+` FROM oauth_apps WHERE client_id = $1`, clientID)
	var app oauth.App
	var accessTTL, refreshTTL int64
	err := row.Scan(&app.ID, &app.ClientID, &app.ClientSecretHash, &app.Name,
		textArray(&app.RedirectURIs), textArray(&app.AllowedScopes),
		&accessTTL, &refreshTTL, &app.RequiresE2EE, &app.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.App{}, oauth.ErrNotFound
	}
	if err != nil {
		return oauth.App{}, fmt.Errorf("select oauth app: %w", err)
	}
	app.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	app.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	return app, nil
}

func (r *oauthRepo) GetAuthorization(ctx context.Context, userID user.ID, appID, identityID string) (oauth.Authorization, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT id, user_id, app_id, identity_id, scopes, encrypted_app_key, created_at, updated_at
		FROM oauth_authorizations WHERE user_id = $1 AND app_id = $2 AND identity_id = $3`, userID, appID, identityID)
	var a oauth.Authorization
	err := row.Scan(&a.ID, &a.UserID, &a.AppID, &a.IdentityID, textArray(&a.Scopes), &a.EncryptedAppKey, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.Authorization{}, oauth.ErrNotFound
	}
	if err != nil {
		return oauth.Authorization{}, fmt.Errorf("select oauth authorization: %w", err)
	}
	return a, nil
}

func (r *oauthRepo) UpsertAuthorization(ctx context.Context, a oauth.Authorization) error {
	_, err := r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO oauth_authorizations
		(id, user_id, app_id, identity_id, scopes, encrypted_app_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, app_id, identity_id)
		DO UPDATE SET scopes = EXCLUDED.scopes, encrypted_app_key = EXCLUDED.encrypted_app_key, updated_at = EXCLUDED.updated_at`,
		a.ID, a.UserID, a.AppID, a.IdentityID, a.Scopes, a.EncryptedAppKey, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert oauth authorization: %w", err)
	}
	return nil
}

func (r *oauthRepo) CreateRefreshToken(ctx context.Context, t oauth.RefreshToken) error {
	if t.ID == "" || t.TokenHash == "" || t.FamilyID == "" {
		return fmt.Errorf("refresh token id, hash and family are required")
	}
	_, err := r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO oauth_refresh_tokens
		(id, token_hash, app_id, user_id, identity_id, scopes, family_id, rotated_from_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TokenHash, t.AppID, t.UserID, t.IdentityID, t.Scopes, t.FamilyID, t.RotatedFromID, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *oauthRepo) GetRefreshTokenForUpdate(ctx context.Context, tokenHash string) (oauth.RefreshToken, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT id, token_hash, app_id, user_id, identity_id, scopes,
		family_id, rotated_from_id, created_at, expires_at, revoked_at, reuse_detected_at
		FROM oauth_refresh_tokens WHERE token_hash = $1 FOR UPDATE`, tokenHash)
	var t oauth.RefreshToken
	var revoked, reused sql.NullTime
	err := row.Scan(&t.ID, &t.TokenHash, &t.AppID, &t.UserID, &t.IdentityID, textArray(&t.Scopes),
		&t.FamilyID, &t.RotatedFromID, &t.CreatedAt, &t.ExpiresAt, &revoked, &reused)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.RefreshToken{}, oauth.ErrNotFound
	}
	if err != nil {
		return oauth.RefreshToken{}, fmt.Errorf("select refresh token: %w", err)
	}
	t.RevokedAt = timePtr(revoked)
	t.ReuseDetectedAt = timePtr(reused)
	return t, nil
}

func (r *oauthRepo) RevokeRefreshToken(ctx context.Context, id string, at time.Time) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE oauth_refresh_tokens SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return affectedOne(res, oauth.ErrNotFound)
}

func (r *oauthRepo) MarkFamilyReused(ctx context.Context, familyID string, at time.Time) (int64, error) {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE oauth_refresh_tokens
		SET reuse_detected_at = COALESCE(reuse_detected_at, $2), revoked_at = COALESCE(revoked_at, $2)
		WHERE family_id = $1`, familyID, at)
	if err != nil {
		return 0, fmt.Errorf("mark refresh family reused: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
