package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/securestore"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Column names double as the AEAD additional data for sealed fields.
const (
	colDisplayName        = "identities.display_name"
	colEmail              = "identities.email"
	colAvatarURL          = "identities.avatar_url"
	colFingerprint        = "devices.fingerprint"
	colDeviceName         = "devices.name"
	colPushSubscription   = "devices.push_subscription"
	colRequestFingerprint = "login_requests.device_fingerprint"
	colRequestDeviceName  = "login_requests.device_name"

	purposeFingerprint = "device_fingerprint"
)

type userRepo struct {
	run    *dbx.Runner
	crypto *securestore.FieldCrypto
}

func (r *userRepo) CreateUser(ctx context.Context, u user.User) error {
	if u.ID == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("user id and created_at are required")
	}
	_, err := r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO users (id, encrypted_master_key_backup, created_at)
		VALUES ($1, $2, $3)`, u.ID, u.EncryptedMasterKeyBackup, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepo) GetUser(ctx context.Context, id user.ID) (user.User, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT id, encrypted_master_key_backup, created_at
		FROM users WHERE id = $1`, id)
	var u user.User
	if err := row.Scan(&u.ID, &u.EncryptedMasterKeyBackup, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (r *userRepo) SetMasterKeyBackup(ctx context.Context, id user.ID, blob string) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE users SET encrypted_master_key_backup = $2 WHERE id = $1`, id, blob)
	if err != nil {
		return fmt.Errorf("update master key backup: %w", err)
	}
	return affectedOne(res, user.ErrNotFound)
}

func (r *userRepo) CreateIdentity(ctx context.Context, i user.Identity) error {
	if i.ID == "" || i.UserID == "" || i.Handle == "" || i.CreatedAt.IsZero() {
		return fmt.Errorf("identity id, user_id, handle and created_at are required")
	}
	displayName, err := r.crypto.Seal(colDisplayName, i.DisplayName)
	if err != nil {
		return fmt.Errorf("encrypt display name: %w", err)
	}
	email, err := r.crypto.Seal(colEmail, i.Email)
	if err != nil {
		return fmt.Errorf("encrypt email: %w", err)
	}
	avatar, err := r.crypto.Seal(colAvatarURL, i.AvatarURL)
	if err != nil {
		return fmt.Errorf("encrypt avatar url: %w", err)
	}

	_, err = r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO identities
		(id, user_id, handle, display_name_enc, email_enc, avatar_url_enc, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		i.ID, i.UserID, i.Handle, displayName, email, avatar, i.IsPrimary, i.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return user.ErrHandleTaken
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

const identityColumns = `id, user_id, handle, display_name_enc, email_enc, avatar_url_enc, is_primary, created_at`

func (r *userRepo) scanIdentity(row rowScanner) (user.Identity, error) {
	var i user.Identity
	var displayName, email, avatar string
	if err := row.Scan(&i.ID, &i.UserID, &i.Handle, &displayName, &email, &avatar, &i.IsPrimary, &i.CreatedAt); err != nil {
		return user.Identity{}, err
	}
	var err error
	if i.DisplayName, err = r.crypto.Open(colDisplayName, displayName); err != nil {
		return user.Identity{}, fmt.Errorf("decrypt display name: %w", err)
	}
	if i.Email, err = r.crypto.Open(colEmail, email); err != nil {
		return user.Identity{}, fmt.Errorf("decrypt email: %w", err)
	}
	if i.AvatarURL, err = r.crypto.Open(colAvatarURL, avatar); err != nil {
		return user.Identity{}, fmt.Errorf("decrypt avatar url: %w", err)
	}
	return i, nil
}

func (r *userRepo) getIdentityWhere(ctx context.Context, where string, arg any) (user.Identity, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE `+where, arg)
	i, err := r.scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return user.Identity{}, user.ErrNotFound
	}
	if err != nil {
		return user.Identity{}, fmt.Errorf("select identity: %w", err)
	}
	return i, nil
}

func (r *userRepo) GetIdentity(ctx context.Context, id string) (user.Identity, error) {
	return r.getIdentityWhere(ctx, `id = $1`, id)
}

func (r *userRepo) GetIdentityByHandle(ctx context.Context, handle string) (user.Identity, error) {
	return r.getIdentityWhere(ctx, `handle = $1`, handle)
}

func (r *userRepo) ListIdentities(ctx context.Context, userID user.ID) ([]user.Identity, error) {
	rows, err := r.run.Conn(ctx).QueryContext(ctx, `SELECT `+identityColumns+`
		FROM identities WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []user.Identity
	for rows.Next() {
		i, err := r.scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// SetPrimaryIdentity clears the old primary before marking the new one; the
// partial unique index would reject the opposite order.
func (r *userRepo) SetPrimaryIdentity(ctx context.Context, userID user.ID, identityID string) error {
	return r.run.WithinTx(ctx, func(ctx context.Context) error {
		conn := r.run.Conn(ctx)
		if _, err := conn.ExecContext(ctx, `UPDATE identities SET is_primary = FALSE
			WHERE user_id = $1 AND is_primary AND id <> $2`, userID, identityID); err != nil {
			return fmt.Errorf("clear primary identity: %w", err)
		}
		res, err := conn.ExecContext(ctx, `UPDATE identities SET is_primary = TRUE
			WHERE user_id = $1 AND id = $2`, userID, identityID)
		if err != nil {
			return fmt.Errorf("set primary identity: %w", err)
		}
		return affectedOne(res, user.ErrNotFound)
	})
}

func (r *userRepo) DeleteIdentity(ctx context.Context, userID user.ID, identityID string) error {
	res, err := r.run.Conn(ctx).ExecContext(ctx, `DELETE FROM identities WHERE user_id = $1 AND id = $2`, userID, identityID)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return affectedOne(res, user.ErrNotFound)
}

type deviceRepo struct {
	run    *dbx.Runner
	crypto *securestore.FieldCrypto
}

const deviceColumns = `id, user_id, fingerprint_enc, name_enc, platform, push_subscription_enc, created_at, last_seen_at`

func (r *deviceRepo) Create(ctx context.Context, d device.Device) error {
	if d.ID == "" || d.UserID == "" || d.Fingerprint == "" || d.CreatedAt.IsZero() {
		return fmt.Errorf("device id, user_id, fingerprint and created_at are required")
	}
	fingerprint, err := r.crypto.Seal(colFingerprint, d.Fingerprint)
	if err != nil {
		return fmt.Errorf("encrypt fingerprint: %w", err)
	}
	name, err := r.crypto.Seal(colDeviceName, d.Name)
	if err != nil {
		return fmt.Errorf("encrypt device name: %w", err)
	}
	push, err := r.crypto.Seal(colPushSubscription, d.PushSubscription)
	if err != nil {
		return fmt.Errorf("encrypt push subscription: %w", err)
	}

	_, err = r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO devices
		(id, user_id, fingerprint_hash, fingerprint_enc, name_enc, platform, push_subscription_enc, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.UserID, r.crypto.LookupHash(purposeFingerprint, d.Fingerprint), fingerprint, name, d.Platform, push,
		d.CreatedAt, nullTime(d.LastSeenAt))
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (r *deviceRepo) scanDevice(row rowScanner) (device.Device, error) {
	var d device.Device
	var fingerprint, name, push string
	var lastSeen sql.NullTime
	if err := row.Scan(&d.ID, &d.UserID, &fingerprint, &name, &d.Platform, &push, &d.CreatedAt, &lastSeen); err != nil {
		return device.Device{}, err
	}
	var err error
	if d.Fingerprint, err = r.crypto.Open(colFingerprint, fingerprint); err != nil {
		return device.Device{}, fmt.Errorf("decrypt fingerprint: %w", err)
	}
	if d.Name, err = r.crypto.Open(colDeviceName, name); err != nil {
		return device.Device{}, fmt.Errorf("decrypt device name: %w", err)
	}
	if d.PushSubscription, err = r.crypto.Open(colPushSubscription, push); err != nil {
		return device.Device{}, fmt.Errorf("decrypt push subscription: %w", err)
	}
	d.LastSeenAt = timePtr(lastSeen)
	return d, nil
}

func (r *deviceRepo) getWhere(ctx context.Context, where string, args ...any) (device.Device, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE `+where, args...)
	d, err := r.scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Device{}, device.ErrNotFound
	}
	if err != nil {
		return device.Device{}, fmt.Errorf("select device: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) GetByID(ctx context.Context, id device.ID) (device.Device, error) {
	return r.getWhere(ctx, `id = $1`, id)
}

func (r *deviceRepo) GetByFingerprint(ctx context.Context, userID user.ID, fingerprint string) (device.Device, error) {
	return r.getWhere(ctx, `user_id = $1 AND fingerprint_hash = $2`, userID, r.crypto.LookupHash(purposeFingerprint, fingerprint))
}

func (r *deviceRepo) Update(ctx context.Context, d device.Device) error {
	name, err := r.crypto.Seal(colDeviceName, d.Name)
	if err != nil {
		return fmt.Errorf("encrypt device name: %w", err)
	}
	push, err := r.crypto.Seal(colPushSubscription, d.PushSubscription)
	if err != nil {
		return fmt.Errorf("encrypt push subscription: %w", err)
	}
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE devices
		SET name_enc = $2, platform = $3, push_subscription_enc = $4, last_seen_at = $5
		WHERE id = $1`, d.ID, name, d.Platform, push, nullTime(d.LastSeenAt))
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return affectedOne(res, device.ErrNotFound)
}

func (r *deviceRepo) list(ctx context.Context, query string, args ...any) ([]device.Device, error) {
	rows, err := r.run.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		d, err := r.scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

func (r *deviceRepo) ListByUser(ctx context.Context, userID user.ID) ([]device.Device, error) {
	return r.list(ctx, `SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (r *deviceRepo) ListActive(ctx context.Context, userID user.ID, now time.Time) ([]device.Device, error) {
	return r.list(ctx, `SELECT `+deviceColumns+` FROM devices d
		WHERE d.user_id = $1 AND EXISTS (
			SELECT 1 FROM sessions s WHERE s.device_id = d.id AND s.expires_at > $2
		)
		ORDER BY d.created_at, d.id`, userID, now)
}

func (r *deviceRepo) SetPushSubscription(ctx context.Context, id device.ID, subscription string) error {
	push, err := r.crypto.Seal(colPushSubscription, subscription)
	if err != nil {
		return fmt.Errorf("encrypt push subscription: %w", err)
	}
	res, err := r.run.Conn(ctx).ExecContext(ctx, `UPDATE devices SET push_subscription_enc = $2 WHERE id = $1`, id, push)
	if err != nil {
		return fmt.Errorf("update push subscription: %w", err)
	}
	return affectedOne(res, device.ErrNotFound)
}

type sessionRepo struct {
	run *dbx.Runner
}

func (r *sessionRepo) Create(ctx context.Context, rec auth.SessionRecord) error {
	if rec.ID == "" || rec.UserID == "" || rec.TokenHash == "" {
		return fmt.Errorf("session id, user_id and token hash are required")
	}
	var deviceID any
	if rec.DeviceID != "" {
		deviceID = rec.DeviceID
	}
	_, err := r.run.Conn(ctx).ExecContext(ctx, `INSERT INTO sessions (id, user_id, device_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, rec.ID, rec.UserID, deviceID, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (auth.SessionRecord, error) {
	row := r.run.Conn(ctx).QueryRowContext(ctx, `SELECT id, user_id, device_id, token_hash, created_at, expires_at
		FROM sessions WHERE token_hash = $1`, tokenHash)
	var rec auth.SessionRecord
	var deviceID sql.NullString
	if err := row.Scan(&rec.ID, &rec.UserID, &deviceID, &rec.TokenHash, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.SessionRecord{}, auth.ErrSessionNotFound
		}
		return auth.SessionRecord{}, fmt.Errorf("select session: %w", err)
	}
	rec.DeviceID = device.ID(deviceID.String)
	return rec, nil
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.run.Conn(ctx).ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type trustCodeRepo struct {
	run *dbx.Runner
}

func (r *trustCodeRepo) ListByUser(ctx context.Context, userID string) ([]trustcode.Code, error) {
	rows, err := r.run.Conn(ctx).QueryContext(ctx, `SELECT id, user_id, code_hash, created_at
		FROM trust_codes WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trust codes: %w", err)
	}
	defer rows.Close()

	var out []trustcode.Code
	for rows.Next() {
		var c trustcode.Code
		if err := rows.Scan(&c.ID, &c.UserID, &c.Hash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trust code: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trust codes: %w", err)
	}
	return out, nil
}

func (r *trustCodeRepo) ReplaceForUser(ctx context.Context, userID string, hashes []string) error {
	return r.run.WithinTx(ctx, func(ctx context.Context) error {
		conn := r.run.Conn(ctx)
		if _, err := conn.ExecContext(ctx, `DELETE FROM trust_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete trust codes: %w", err)
		}
		now := time.Now().UTC()
		for _, h := range hashes {
			if _, err := conn.ExecContext(ctx, `INSERT INTO trust_codes (id, user_id, code_hash, created_at)
				VALUES ($1, $2, $3, $4)`, uuid.NewString(), userID, h, now); err != nil {
				return fmt.Errorf("insert trust code: %w", err)
			}
		}
		return nil
	})
}
