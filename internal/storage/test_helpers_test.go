package storage

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Avicted/sigil/internal/securestore"
)

func waitForPostgres(t *testing.T, conn string) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		db, err := sql.Open("pgx", conn)
		if err == nil {
			err = db.PingContext(context.Background())
		}
		if db != nil {
			_ = db.Close()
		}
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("wait for postgres: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func testFieldCrypto(t *testing.T) *securestore.FieldCrypto {
	t.Helper()
	fc, err := securestore.NewFieldCrypto(bytes.Repeat([]byte{0x2a}, 32))
	if err != nil {
		t.Fatalf("NewFieldCrypto() error = %v", err)
	}
	return fc
}

// arrayConverter lets text[] arguments through to expectations the way the
// pgx driver accepts them.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newRepoSQLMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(arrayConverter{}),
	)
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("sqlmock expectations: %v", err)
		}
		_ = db.Close()
	}
	return newPostgresStore(db, testFieldCrypto(t)), mock, cleanup
}

// captureArg matches any string argument and keeps it for later assertions.
type captureArg struct {
	value *string
}

func (c captureArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if ok {
		*c.value = s
	}
	return ok
}
