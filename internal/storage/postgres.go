package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/securestore"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
)

type PostgresStore struct {
	db     *sql.DB
	run    *dbx.Runner
	crypto *securestore.FieldCrypto
}

func NewPostgresStore(ctx context.Context, dbURL string, fields *securestore.FieldCrypto) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}
	if fields == nil {
		return nil, fmt.Errorf("field crypto is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return newPostgresStore(db, fields), nil
}

func newPostgresStore(db *sql.DB, fields *securestore.FieldCrypto) *PostgresStore {
	return &PostgresStore{db: db, run: dbx.NewRunner(db), crypto: fields}
}

func (s *PostgresStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Tx() dbx.TxRunner {
	return s.run
}

func (s *PostgresStore) Users() user.Repository {
	return &userRepo{run: s.run, crypto: s.crypto}
}

func (s *PostgresStore) Devices() device.Repository {
	return &deviceRepo{run: s.run, crypto: s.crypto}
}

func (s *PostgresStore) Sessions() auth.SessionRepository {
	return &sessionRepo{run: s.run}
}

func (s *PostgresStore) TrustCodes() trustcode.Repository {
	return &trustCodeRepo{run: s.run}
}

func (s *PostgresStore) Passkeys() passkey.Repository {
	return &passkeyRepo{run: s.run}
}

func (s *PostgresStore) LoginRequests() loginrequest.Repository {
	return &loginRequestRepo{run: s.run, crypto: s.crypto}
}

func (s *PostgresStore) OAuth() oauth.Repository {
	return &oauthRepo{run: s.run}
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := s.run.WithinTx(ctx, func(ctx context.Context) error {
		for _, q := range []string{
			`DELETE FROM sessions WHERE expires_at <= $1`,
			`DELETE FROM login_requests WHERE expires_at <= $1`,
			`DELETE FROM oauth_refresh_tokens WHERE expires_at <= $1`,
		} {
			res, err := s.run.Conn(ctx).ExecContext(ctx, q, now)
			if err != nil {
				return fmt.Errorf("delete expired: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("delete expired: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// affectedOne maps a zero-row update or delete to notFound.
func affectedOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
