// Package passkey drives WebAuthn registration and discoverable login
// ceremonies and keeps the registered credentials of each user.
package passkey

import (
	"context"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Avicted/sigil/internal/user"
)

var (
	ErrNotFound           = errors.New("passkey not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCeremonyExpired    = errors.New("ceremony expired or unknown")
	ErrInvalidOrigin      = errors.New("origin not allowed")
	ErrVerificationFailed = errors.New("passkey verification failed")
	ErrCounterRegression  = errors.New("authenticator counter did not increase")
	ErrLastPasskey        = errors.New("cannot delete the last passkey")
)

// Passkey is a stored credential. Credential carries the public key and the
// last accepted signature counter.
type Passkey struct {
	ID                    string
	UserID                user.ID
	CredentialID          string
	Credential            webauthn.Credential
	Name                  string
	PRFEncryptedMasterKey string
	CreatedAt             time.Time
	LastUsedAt            *time.Time
}

func (p Passkey) SignCount() uint32 {
	return p.Credential.Authenticator.SignCount
}

type Repository interface {
	Create(ctx context.Context, pk Passkey) error
	GetByCredentialID(ctx context.Context, credentialID string) (Passkey, error)
	ListByUser(ctx context.Context, userID user.ID) ([]Passkey, error)
	CountByUser(ctx context.Context, userID user.ID) (int, error)
	UpdateAfterLogin(ctx context.Context, id string, cred webauthn.Credential, usedAt time.Time) error
	Delete(ctx context.Context, userID user.ID, id string) error
}

// Owner names the account a credential is being registered for.
type Owner struct {
	UserID      user.ID
	Handle      string
	DisplayName string
}
