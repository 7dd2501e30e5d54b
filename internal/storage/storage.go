package storage

import (
	"context"
	"time"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
)

// Store is the durable state of the identity provider. Repositories obtained
// from one store join transactions opened with its Tx runner.
type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Tx() dbx.TxRunner

	Users() user.Repository
	Devices() device.Repository
	Sessions() auth.SessionRepository
	TrustCodes() trustcode.Repository
	Passkeys() passkey.Repository
	LoginRequests() loginrequest.Repository
	OAuth() oauth.Repository

	// DeleteExpired drops sessions, login requests and refresh tokens whose
	// expiry has passed. Reads already treat them as gone.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
