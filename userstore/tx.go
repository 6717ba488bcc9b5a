package userstore

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by the store. Both *sql.DB and
// *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// RunInTransaction runs fn inside one transaction. The transaction travels
// on the context passed to fn, and every store method called with that
// context uses it. A nested call joins the outer transaction.
//
// fn's error, or a panic, rolls the transaction back; panics are rethrown.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin transaction", err)
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
		if cerr := tx.Commit(); cerr != nil {
			err = wrapDB("commit transaction", cerr)
		}
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	return err
}

// Conn returns the transaction carried by ctx, or the pool.
func (s *Store) Conn(ctx context.Context) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}
