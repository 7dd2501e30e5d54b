package user

import (
	"context"
	"time"
)

type ID string

const MaxIdentities = 5

// User owns identities, devices and passkeys. The master key backup is an
// opaque client-side blob wrapped under the user's trust codes.
type User struct {
	ID                       ID
	EncryptedMasterKeyBackup string
	CreatedAt                time.Time
}

// Identity is a public persona of a user. Handles are globally unique and
// immutable; exactly one identity per user is primary.
type Identity struct {
	ID          string
	UserID      ID
	Handle      string
	DisplayName string
	Email       string
	AvatarURL   string
	IsPrimary   bool
	CreatedAt   time.Time
}

type NewIdentity struct {
	Handle      string
	DisplayName string
	Email       string
	AvatarURL   string
}

type Repository interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id ID) (User, error)
	SetMasterKeyBackup(ctx context.Context, id ID, blob string) error

	CreateIdentity(ctx context.Context, identity Identity) error
	GetIdentity(ctx context.Context, id string) (Identity, error)
	GetIdentityByHandle(ctx context.Context, handle string) (Identity, error)
	ListIdentities(ctx context.Context, userID ID) ([]Identity, error)
	// SetPrimaryIdentity clears the current primary and marks identityID
	// atomically.
	SetPrimaryIdentity(ctx context.Context, userID ID, identityID string) error
	DeleteIdentity(ctx context.Context, userID ID, identityID string) error
}
