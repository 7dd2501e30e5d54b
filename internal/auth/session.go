package auth

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/user"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is a logged-in device. Token is only populated when the session
// is issued; afterwards the server knows it by hash alone.
type Session struct {
	ID        string
	Token     string
	UserID    user.ID
	DeviceID  device.ID
	CreatedAt time.Time
	ExpiresAt time.Time
}

type SessionRecord struct {
	ID        string
	TokenHash string
	UserID    user.ID
	DeviceID  device.ID
	CreatedAt time.Time
	ExpiresAt time.Time
}

type SessionRepository interface {
	Create(ctx context.Context, rec SessionRecord) error
	GetByTokenHash(ctx context.Context, tokenHash string) (SessionRecord, error)
	Delete(ctx context.Context, id string) error
}
