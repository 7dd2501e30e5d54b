// Package dbx lets repositories share a transaction through the context.
// Services open a transaction with Runner.WithinTx; repositories resolve
// their handle with Runner.Conn, which returns the active *sql.Tx when one
// is in flight and the pool otherwise.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by the repositories.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxRunner runs fn atomically. Services depend on this interface so tests
// can substitute an inline runner.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type Runner struct {
	db *sql.DB
}

func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// Conn returns the transaction carried by ctx, or the pool.
func (r *Runner) Conn(ctx context.Context) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// WithinTx begins a transaction, runs fn with it attached to ctx, and
// commits on success or rolls back on error or panic. Nested calls join the
// outer transaction.
func (r *Runner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}

// InlineRunner runs fn without a transaction. Used by in-memory fakes.
type InlineRunner struct{}

func (InlineRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
