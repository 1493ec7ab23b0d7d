// Package sqlstore implements the keyring repositories on database/sql. The
// SQLite and Postgres drivers share this code and differ only in their
// Dialect and migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/aussiebroadwan/keyring/pkg/slogx"
)

// DBTX is the subset of database/sql used by the repositories. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) DB() *sql.DB      { return s.db }
func (s *Store) Dialect() Dialect { return s.dialect }
func (s *Store) Close() error     { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Fail("ping", err)
	}
	return nil
}

func (s *Store) Users() store.Users           { return &usersRepo{s: s} }
func (s *Store) Sessions() store.Sessions     { return &sessionsRepo{s: s} }
func (s *Store) MailTokens() store.MailTokens { return &mailTokensRepo{s: s} }
func (s *Store) OtpParams() store.OtpParams   { return &otpParamsRepo{s: s} }
func (s *Store) OtpTokens() store.OtpTokens   { return &otpTokensRepo{s: s} }
func (s *Store) Keys() store.Keys             { return &keysRepo{s: s} }

// WithTx begins a transaction, runs fn with the transaction stashed in its
// context, then commits on success or rolls back on error or panic. Panics
// are rethrown. A context that already carries a transaction is reused and
// the outermost WithTx owns commit.
//
// The transaction is detached from ctx cancellation: once begun it runs to
// commit or rollback so a named lock is never left held by an abandoned
// caller.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		err = store.Fail("begin", err)
		slogx.FromContext(ctx).Error("begin transaction", "error", err)
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			s.rollback(ctx, tx)
			panic(p)
		}
		if err != nil {
			s.rollback(ctx, tx)
			if errors.Is(err, store.ErrStorage) {
				slogx.FromContext(ctx).Error("transaction failed", "error", err)
			}
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = store.Fail("commit", cerr)
			slogx.FromContext(ctx).Error("commit transaction", "error", err)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, tx))
}

// rollback never returns its error so the cause that triggered it survives.
func (s *Store) rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slogx.FromContext(ctx).Error("rollback transaction", "error", err)
	}
}

// Lock takes a transaction-scoped named lock.
func (s *Store) Lock(ctx context.Context, name string) error {
	tx, ok := txFrom(ctx)
	if !ok {
		return store.ErrNoTx
	}
	if s.dialect.LockQuery == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(s.dialect.LockQuery), name); err != nil {
		return store.Fail("lock "+name, err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) DBTX {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn(ctx).ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn(ctx).QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn(ctx).QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// affected runs a statement and returns the number of rows it touched.
// Unique violations surface as ErrAlreadyExists.
func (s *Store) affected(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		if s.dialect.uniqueViolation(err) {
			return 0, store.ErrAlreadyExists
		}
		return 0, store.Fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Fail(op, err)
	}
	return n, nil
}

func (s *Store) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, store.Fail(op, err)
	}
	return n, nil
}

func (s *Store) insert(ctx context.Context, op, query string, args ...any) error {
	_, err := s.affected(ctx, op, query, args...)
	return err
}

// mustAffect turns a zero-row statement into ErrNotFound.
func (s *Store) mustAffect(ctx context.Context, op, query string, args ...any) error {
	n, err := s.affected(ctx, op, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func mapNotFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Fail(op, err)
}
