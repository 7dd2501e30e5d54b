package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/dbx"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrHandleTaken     = errors.New("handle already taken")
	ErrNotFound        = errors.New("not found")
	ErrIdentityLimit   = errors.New("identity limit reached")
	ErrPrimaryIdentity = errors.New("cannot delete primary identity")
	ErrLastIdentity    = errors.New("cannot delete last identity")
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

type Service struct {
	repo  Repository
	tx    dbx.TxRunner
	idGen func() string
	now   func() time.Time
}

func NewService(repo Repository, tx dbx.TxRunner) *Service {
	return &Service{
		repo:  repo,
		tx:    tx,
		idGen: uuid.NewString,
		now:   time.Now,
	}
}

// NormalizeHandle lowercases and trims a handle. It does not validate.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

func ValidateHandle(handle string) error {
	if !handlePattern.MatchString(handle) {
		return ErrInvalidHandle
	}
	return nil
}

func (s *Service) buildIdentity(ctx context.Context, userID ID, in NewIdentity) (Identity, error) {
	handle := NormalizeHandle(in.Handle)
	if err := ValidateHandle(handle); err != nil {
		return Identity{}, err
	}
	if err := validateProfile(in); err != nil {
		return Identity{}, err
	}
	if _, err := s.repo.GetIdentityByHandle(ctx, handle); err == nil {
		return Identity{}, ErrHandleTaken
	} else if !errors.Is(err, ErrNotFound) {
		return Identity{}, err
	}
	return Identity{
		ID:          s.idGen(),
		UserID:      userID,
		Handle:      handle,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Email:       strings.TrimSpace(in.Email),
		AvatarURL:   strings.TrimSpace(in.AvatarURL),
		CreatedAt:   s.now().UTC(),
	}, nil
}

func validateProfile(in NewIdentity) error {
	if len(in.DisplayName) > 64 {
		return ErrInvalidInput
	}
	if e := strings.TrimSpace(in.Email); e != "" {
		if _, err := mail.ParseAddress(e); err != nil {
			return ErrInvalidInput
		}
	}
	if a := strings.TrimSpace(in.AvatarURL); a != "" {
		u, err := url.Parse(a)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return ErrInvalidInput
		}
	}
	return nil
}

// Register creates a user together with its primary identity.
func (s *Service) Register(ctx context.Context, in NewIdentity) (User, Identity, error) {
	u := User{ID: ID(s.idGen()), CreatedAt: s.now().UTC()}
	var identity Identity
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		identity, err = s.buildIdentity(ctx, u.ID, in)
		if err != nil {
			return err
		}
		identity.IsPrimary = true
		if err := s.repo.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return s.repo.CreateIdentity(ctx, identity)
	})
	if err != nil {
		return User{}, Identity{}, err
	}
	return u, identity, nil
}

func (s *Service) CreateIdentity(ctx context.Context, userID ID, in NewIdentity) (Identity, error) {
	if userID == "" {
		return Identity{}, ErrInvalidInput
	}
	var identity Identity
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.ListIdentities(ctx, userID)
		if err != nil {
			return err
		}
		if len(existing) >= MaxIdentities {
			return ErrIdentityLimit
		}
		identity, err = s.buildIdentity(ctx, userID, in)
		if err != nil {
			return err
		}
		return s.repo.CreateIdentity(ctx, identity)
	})
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (s *Service) SetPrimary(ctx context.Context, userID ID, identityID string) error {
	if _, err := s.IdentityOf(ctx, userID, identityID); err != nil {
		return err
	}
	return s.repo.SetPrimaryIdentity(ctx, userID, identityID)
}

func (s *Service) DeleteIdentity(ctx context.Context, userID ID, identityID string) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		identities, err := s.repo.ListIdentities(ctx, userID)
		if err != nil {
			return err
		}
		var target *Identity
		for i := range identities {
			if identities[i].ID == identityID {
				target = &identities[i]
			}
		}
		if target == nil {
			return ErrNotFound
		}
		if len(identities) == 1 {
			return ErrLastIdentity
		}
		if target.IsPrimary {
			return ErrPrimaryIdentity
		}
		return s.repo.DeleteIdentity(ctx, userID, identityID)
	})
}

// IdentityOf returns the identity if it belongs to userID, ErrNotFound
// otherwise.
func (s *Service) IdentityOf(ctx context.Context, userID ID, identityID string) (Identity, error) {
	if userID == "" || identityID == "" {
		return Identity{}, ErrInvalidInput
	}
	identity, err := s.repo.GetIdentity(ctx, identityID)
	if err != nil {
		return Identity{}, err
	}
	if identity.UserID != userID {
		return Identity{}, ErrNotFound
	}
	return identity, nil
}

func (s *Service) GetIdentity(ctx context.Context, identityID string) (Identity, error) {
	if identityID == "" {
		return Identity{}, ErrInvalidInput
	}
	return s.repo.GetIdentity(ctx, identityID)
}

func (s *Service) GetByHandle(ctx context.Context, handle string) (Identity, error) {
	h := NormalizeHandle(handle)
	if err := ValidateHandle(h); err != nil {
		return Identity{}, err
	}
	return s.repo.GetIdentityByHandle(ctx, h)
}

func (s *Service) ListIdentities(ctx context.Context, userID ID) ([]Identity, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListIdentities(ctx, userID)
}

func (s *Service) GetUser(ctx context.Context, id ID) (User, error) {
	if id == "" {
		return User{}, ErrInvalidInput
	}
	return s.repo.GetUser(ctx, id)
}

// SetMasterKeyBackup stores the trust-code wrapped master key. An empty blob
// clears it.
func (s *Service) SetMasterKeyBackup(ctx context.Context, id ID, blob string) error {
	if id == "" {
		return ErrInvalidInput
	}
	return s.repo.SetMasterKeyBackup(ctx, id, blob)
}
