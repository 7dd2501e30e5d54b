package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidTrustCode = errors.New("invalid trust code")
	ErrNoBackup         = errors.New("no master key backup")
)

const sessionTokenBytes = 32

type trustCodes interface {
	Issue(ctx context.Context, userID string, n int) ([]string, error)
	Check(ctx context.Context, userID, code string) (bool, error)
	Decoy(code string)
}

type Service struct {
	users    *user.Service
	devices  *device.Service
	codes    trustCodes
	sessions SessionRepository
	tx       dbx.TxRunner
	now      func() time.Time
	idGen    func() string
	ttl      time.Duration
}

func NewService(users *user.Service, devices *device.Service, codes *trustcode.Service, sessions SessionRepository, tx dbx.TxRunner, ttl time.Duration) *Service {
	return &Service{
		users:    users,
		devices:  devices,
		codes:    codes,
		sessions: sessions,
		tx:       tx,
		now:      time.Now,
		idGen:    uuid.NewString,
		ttl:      ttl,
	}
}

type RegisterInput struct {
	Identity user.NewIdentity
	Device   device.Info
}

type RegisterResult struct {
	User       user.User
	Identity   user.Identity
	Device     device.Device
	Session    Session
	TrustCodes []string
}

// Register creates the account, its primary identity, the registering
// device and a session, and issues the initial trust codes. The client
// wraps its master key under the returned codes and uploads the backup.
func (s *Service) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	if err := device.ValidateInfo(in.Device); err != nil {
		return RegisterResult{}, ErrInvalidInput
	}
	var res RegisterResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		u, identity, err := s.users.Register(ctx, in.Identity)
		if err != nil {
			return err
		}
		session, d, err := s.Issue(ctx, u.ID, in.Device)
		if err != nil {
			return err
		}
		codes, err := s.codes.Issue(ctx, string(u.ID), trustcode.DefaultSize)
		if err != nil {
			return err
		}
		res = RegisterResult{User: u, Identity: identity, Device: d, Session: session, TrustCodes: codes}
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}
	return res, nil
}

// Issue resolves the device by fingerprint and opens a session on it.
func (s *Service) Issue(ctx context.Context, userID user.ID, info device.Info) (Session, device.Device, error) {
	d, err := s.devices.Resolve(ctx, userID, info)
	if err != nil {
		return Session{}, device.Device{}, fmt.Errorf("resolve device: %w", err)
	}
	token, err := crypto.RandomToken(sessionTokenBytes)
	if err != nil {
		return Session{}, device.Device{}, err
	}
	now := s.now().UTC()
	rec := SessionRecord{
		ID:        s.idGen(),
		TokenHash: crypto.HashToken(token),
		UserID:    userID,
		DeviceID:  d.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.sessions.Create(ctx, rec); err != nil {
		return Session{}, device.Device{}, fmt.Errorf("create session: %w", err)
	}
	return Session{
		ID:        rec.ID,
		Token:     token,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, d, nil
}

func (s *Service) ValidateToken(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrUnauthorized
	}
	rec, err := s.sessions.GetByTokenHash(ctx, crypto.HashToken(token))
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	if !s.now().Before(rec.ExpiresAt) {
		_ = s.sessions.Delete(ctx, rec.ID)
		return Session{}, ErrTokenExpired
	}
	return Session{
		ID:        rec.ID,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Revoke ends the session identified by token.
func (s *Service) Revoke(ctx context.Context, token string) error {
	session, err := s.ValidateToken(ctx, token)
	if err != nil {
		return err
	}
	return s.sessions.Delete(ctx, session.ID)
}

type TrustCodeLogin struct {
	Session                  Session
	Device                   device.Device
	EncryptedMasterKeyBackup string
	Identities               []user.Identity
}

// LoginWithTrustCode authenticates with a recovery code. Every failure
// before the code is proven returns ErrInvalidTrustCode, and unknown handles
// pay the same hashing cost as wrong codes.
func (s *Service) LoginWithTrustCode(ctx context.Context, handle, code string, info device.Info) (TrustCodeLogin, error) {
	if err := device.ValidateInfo(info); err != nil {
		return TrustCodeLogin{}, ErrInvalidInput
	}
	identity, err := s.users.GetByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrInvalidHandle) {
			s.codes.Decoy(code)
			return TrustCodeLogin{}, ErrInvalidTrustCode
		}
		return TrustCodeLogin{}, err
	}
	ok, err := s.codes.Check(ctx, string(identity.UserID), code)
	if err != nil {
		return TrustCodeLogin{}, err
	}
	if !ok {
		return TrustCodeLogin{}, ErrInvalidTrustCode
	}
	u, err := s.users.GetUser(ctx, identity.UserID)
	if err != nil {
		return TrustCodeLogin{}, err
	}
	if u.EncryptedMasterKeyBackup == "" {
		return TrustCodeLogin{}, ErrNoBackup
	}
	identities, err := s.users.ListIdentities(ctx, u.ID)
	if err != nil {
		return TrustCodeLogin{}, err
	}
	session, d, err := s.Issue(ctx, u.ID, info)
	if err != nil {
		return TrustCodeLogin{}, err
	}
	return TrustCodeLogin{
		Session:                  session,
		Device:                   d,
		EncryptedMasterKeyBackup: u.EncryptedMasterKeyBackup,
		Identities:               identities,
	}, nil
}

// RegenerateTrustCodes replaces the code set and clears the backup wrapped
// under the old codes in one transaction.
func (s *Service) RegenerateTrustCodes(ctx context.Context, userID user.ID) ([]string, error) {
	var codes []string
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		codes, err = s.codes.Issue(ctx, string(userID), trustcode.DefaultSize)
		if err != nil {
			return err
		}
		return s.users.SetMasterKeyBackup(ctx, userID, "")
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (s *Service) UpdateMasterKeyBackup(ctx context.Context, userID user.ID, blob string) error {
	if err := trustcode.ValidateBlob(blob); err != nil {
		return ErrInvalidInput
	}
	return s.users.SetMasterKeyBackup(ctx, userID, blob)
}
