package device

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/user"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	maxFingerprintLen = 128
	maxNameLen        = 64
)

type Service struct {
	repo  Repository
	idGen func() ID
	now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		idGen: func() ID {
			return ID(uuid.NewString())
		},
		now: time.Now,
	}
}

func normalizeInfo(info Info) (Info, error) {
	info.Fingerprint = strings.TrimSpace(info.Fingerprint)
	info.Name = strings.TrimSpace(info.Name)
	info.Platform = strings.TrimSpace(info.Platform)
	if info.Fingerprint == "" || len(info.Fingerprint) > maxFingerprintLen {
		return Info{}, ErrInvalidInput
	}
	if len(info.Name) > maxNameLen || len(info.Platform) > maxNameLen {
		return Info{}, ErrInvalidInput
	}
	return info, nil
}

// ValidateInfo checks a reported device without persisting it.
func ValidateInfo(info Info) error {
	_, err := normalizeInfo(info)
	return err
}

// Resolve returns the user's device with the reported fingerprint, creating
// it on first sight. Name, platform and push subscription are refreshed from
// the report; an empty push subscription keeps the stored one.
func (s *Service) Resolve(ctx context.Context, userID user.ID, info Info) (Device, error) {
	if userID == "" {
		return Device{}, ErrInvalidInput
	}
	info, err := normalizeInfo(info)
	if err != nil {
		return Device{}, err
	}
	now := s.now().UTC()

	d, err := s.repo.GetByFingerprint(ctx, userID, info.Fingerprint)
	switch {
	case errors.Is(err, ErrNotFound):
		d = Device{
			ID:               s.idGen(),
			UserID:           userID,
			Fingerprint:      info.Fingerprint,
			Name:             info.Name,
			Platform:         info.Platform,
			PushSubscription: info.PushSubscription,
			CreatedAt:        now,
			LastSeenAt:       &now,
		}
		if err := s.repo.Create(ctx, d); err != nil {
			return Device{}, err
		}
		return d, nil
	case err != nil:
		return Device{}, err
	}

	if info.Name != "" {
		d.Name = info.Name
	}
	if info.Platform != "" {
		d.Platform = info.Platform
	}
	if info.PushSubscription != "" {
		d.PushSubscription = info.PushSubscription
	}
	d.LastSeenAt = &now
	if err := s.repo.Update(ctx, d); err != nil {
		return Device{}, err
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id ID) (Device, error) {
	if id == "" {
		return Device{}, ErrInvalidInput
	}
	return s.repo.GetByID(ctx, id)
}

// ListByUser returns all devices for a given user.
func (s *Service) ListByUser(ctx context.Context, userID user.ID) ([]Device, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) ListActive(ctx context.Context, userID user.ID) ([]Device, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListActive(ctx, userID, s.now().UTC())
}

// SetPushSubscription replaces the subscription of a device owned by userID.
func (s *Service) SetPushSubscription(ctx context.Context, userID user.ID, id ID, subscription string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.UserID != userID {
		return ErrNotFound
	}
	return s.repo.SetPushSubscription(ctx, id, subscription)
}

// ClearPushSubscription drops a subscription the push service reported gone.
func (s *Service) ClearPushSubscription(ctx context.Context, id ID) error {
	return s.repo.SetPushSubscription(ctx, id, "")
}
