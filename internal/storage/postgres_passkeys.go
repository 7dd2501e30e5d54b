package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/securestore"
	"github.com/Avicted/sigil/internal/user"
)

type passkeyRepo struct {
	run *dbx.Runner
}

const passkeyColumns = `id, user_id, credential_id, credential_json, name, prf_encrypted_master_key, created_at, last_used_at`

func (r *passkeyRepo) Create(ctx context.Context, pk passkey.Passkey) error {
	if pk.ID == "" || pk.UserID == "" || pk.CredentialID == "" || pk.CreatedAt.IsZero() {
		return fmt.Errorf("passkey id, user_id, credential_id and created_at are required")
	}
	cred, err := json.Marshal(pk.Credential)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	_, err = r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO passkeys
		(id, user_id, credential_id, credential_json, sign_count, name, prf_encrypted_master_key, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pk.ID, pk.UserID, pk.CredentialID, string(cred), int64(pk.SignCount()), pk.Name, pk.PRFEncryptedMasterKey,
		pk.CreatedAt, nullTime(pk.LastUsedAt))
	if err != nil {
		return fmt.Errorf("insert passkey: %w", err)
	}
	return nil
}

func scanPasskey(row rowScanner) (passkey.Passkey, error) {
	var pk passkey.Passkey
	var cred []byte
	var lastUsed sql.NullTime
	if err := row.Scan(&pk.ID, &pk.UserID, &pk.CredentialID, &cred, &pk.Name, &pk.PRFEncryptedMasterKey, &pk.CreatedAt, &lastUsed); err != nil {
		return passkey.Passkey{}, err
	}
	if err := json.Unmarshal(cred, &pk.Credential); err != nil {
		return passkey.Passkey{}, fmt.Errorf("decode credential: %w", err)
	}
	pk.LastUsedAt = timePtr(lastUsed)
	return pk, nil
}

func (r *passkeyRepo) GetByCredentialID(ctx context.Context, credentialID string) (passkey.Passkey, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT `+passkeyColumns+` FROM passkeys WHERE credential_id = $1`, credentialID)
	pk, err := scanPasskey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return passkey.Passkey{}, passkey.ErrNotFound
	}
	if err != nil {
		return passkey.Passkey{}, fmt.Errorf("select passkey: %w", err)
	}
	return pk, nil
}

func (r *passkeyRepo) ListByUser(ctx context.Context, userID user.ID) ([]passkey.Passkey, error) {
	rows, err := r.run.Conn(ctx).QueryContext(ctx, `SELECT `+passkeyColumns+`
		FROM passkeys WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	var out []passkey.Passkey
	for rows.Next() {
		pk, err := scanPasskey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		out = append(out, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkeys: %w", err)
	}
	return out, nil
}

func (r *passkeyRepo) CountByUser(ctx context.Context, userID user.ID) (int, error) {
	var n int
	if err := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM passkeys WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count passkeys: %w", err)
	}
	return n, nil
}

func (r *passkeyRepo) UpdateAfterLogin(ctx context.Context, id string, cred webauthn.Credential, usedAt time.Time) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE passkeys
		SET credential_json = $2, sign_count = $3, last_used_at = $4
		WHERE id = $1`, id, string(raw), int64(cred.Authenticator.SignCount), usedAt)
	if err != nil {
		return fmt.Errorf("update passkey: %w", err)
	}
	return affectedOne(res, passkey.ErrNotFound)
}

func (r *passkeyRepo) Delete(ctx context.Context, userID user.ID, id string) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `DELETE FROM passkeys WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("delete passkey: %w", err)
	}
	return affectedOne(res, passkey.ErrNotFound)
}

type loginRequestRepo struct {
	run    *dbx.Runner
	crypto *securestore.FieldCrypto
}

const loginRequestColumns = `id, user_id, requester_public_key, device_fingerprint_enc, device_name_enc, device_platform,
	status, encrypted_master_key, approver_public_key, approved_by_device, created_at, expires_at`

func (r *loginRequestRepo) Create(ctx context.Context, req loginrequest.LoginRequest) error {
	if req.ID == "" || req.UserID == "" || req.RequesterPublicKey == "" || req.ExpiresAt.IsZero() {
		return fmt.Errorf("login request id, user_id, public key and expires_at are required")
	}
	fingerprint, err := r.crypto.Seal(colRequestFingerprint, req.Device.Fingerprint)
	if err != nil {
		return fmt.Errorf("encrypt fingerprint: %w", err)
	}
	name, err := r.crypto.Seal(colRequestDeviceName, req.Device.Name)
	if err != nil {
		return fmt.Errorf("encrypt device name: %w", err)
	}
	_, err = r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO login_requests (`+loginRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.UserID, req.RequesterPublicKey, fingerprint, name, req.Device.Platform,
		string(req.Status), req.EncryptedMasterKey, req.ApproverPublicKey, string(req.ApprovedByDevice),
		req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert login request: %w", err)
	}
	return nil
}

func (r *loginRequestRepo) scan(row rowScanner) (loginrequest.LoginRequest, error) {
	var req loginrequest.LoginRequest
	var fingerprint, name, status, approvedBy string
	err := row.Scan(&req.ID, &req.UserID, &req.RequesterPublicKey, &fingerprint, &name,
		&req.Device.Platform, &status, &req.EncryptedMasterKey, &req.ApproverPublicKey, &approvedBy,
		&req.CreatedAt, &req.ExpiresAt)
	if err != nil {
		return loginrequest.LoginRequest{}, err
	}
	if req.Device.Fingerprint, err = r.crypto.Open(colRequestFingerprint, fingerprint); err != nil {
		return loginrequest.LoginRequest{}, fmt.Errorf("decrypt fingerprint: %w", err)
	}
	if req.Device.Name, err = r.crypto.Open(colRequestDeviceName, name); err != nil {
		return loginrequest.LoginRequest{}, fmt.Errorf("decrypt device name: %w", err)
	}
	req.Status = loginrequest.Status(status)
	req.ApprovedByDevice = device.ID(approvedBy)
	return req, nil
}

func (r *loginRequestRepo) Get(ctx context.Context, id string) (loginrequest.LoginRequest, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT `+loginRequestColumns+` FROM login_requests WHERE id = $1`, id)
	req, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loginrequest.LoginRequest{}, loginrequest.ErrNotFound
	}
	if err != nil {
		return loginrequest.LoginRequest{}, fmt.Errorf("select login request: %w", err)
	}
	return req, nil
}

func (r *loginRequestRepo) ListPendingByUser(ctx context.Context, userID user.ID, now time.Time) ([]loginrequest.LoginRequest, error) {
	rows, err := r.run.Conn(ctx).QueryContext(ctx, `SELECT `+loginRequestColumns+` FROM login_requests
		WHERE user_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at, id`, userID, string(loginrequest.StatusPending), now)
	if err != nil {
		return nil, fmt.Errorf("list login requests: %w", err)
	}
	defer rows.Close()

	var out []loginrequest.LoginRequest
	for rows.Next() {
		req, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan login request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login requests: %w", err)
	}
	return out, nil
}

func (r *loginRequestRepo) Approve(ctx context.Context, a loginrequest.Approval) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE login_requests
		SET status = $2, encrypted_master_key = $3, approver_public_key = $4, approved_by_device = $5
		WHERE id = $1 AND status = $6`,
		a.ID, string(loginrequest.StatusApproved), a.EncryptedMasterKey, a.ApproverPublicKey, string(a.ApprovedBy),
		string(loginrequest.StatusPending))
	if err != nil {
		return fmt.Errorf("approve login request: %w", err)
	}
	return affectedOne(res, loginrequest.ErrAlreadyHandled)
}

func (r *loginRequestRepo) DeletePending(ctx context.Context, id string) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `DELETE FROM login_requests WHERE id = $1 AND status = $2`,
		id, string(loginrequest.StatusPending))
	if err != nil {
		return fmt.Errorf("delete pending login request: %w", err)
	}
	return affectedOne(res, loginrequest.ErrAlreadyHandled)
}

func (r *loginRequestRepo) Delete(ctx context.Context, id string) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `DELETE FROM login_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete login request: %w", err)
	}
	return affectedOne(res, loginrequest.ErrNotFound)
}
