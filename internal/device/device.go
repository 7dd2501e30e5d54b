package device

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/sigil/internal/user"
)

type ID string

var ErrNotFound = errors.New("not found")

// Info is what a client reports about itself at login. The fingerprint is a
// stable client-generated identifier used to recognise returning devices.
type Info struct {
	Fingerprint      string
	Name             string
	Platform         string
	PushSubscription string
}

type Device struct {
	ID          ID
	UserID      user.ID
	Fingerprint string
	Name        string
	Platform    string
	// PushSubscription is the raw Web Push subscription JSON, empty when the
	// device has not opted in.
	PushSubscription string
	CreatedAt        time.Time
	LastSeenAt       *time.Time
}

type Repository interface {
	Create(ctx context.Context, device Device) error
	GetByID(ctx context.Context, id ID) (Device, error)
	GetByFingerprint(ctx context.Context, userID user.ID, fingerprint string) (Device, error)
	Update(ctx context.Context, device Device) error
	ListByUser(ctx context.Context, userID user.ID) ([]Device, error)
	// ListActive returns the user's devices holding an unexpired session.
	ListActive(ctx context.Context, userID user.ID, now time.Time) ([]Device, error)
	SetPushSubscription(ctx context.Context, id ID, subscription string) error
}
