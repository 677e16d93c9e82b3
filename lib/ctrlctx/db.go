// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ctrlctx carries a lazily opened database transaction in a
// context, so the steps of one placement commit share it without
// passing it around.
package ctrlctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

var (
	ErrNoTransaction   = errors.New("bug: there is no transaction in this context")
	ErrContextFinished = errors.New("refusing to start a transaction after the wrapped function returned")
)

type contextKey struct{}

// txState is shared by every child of the context returned by New.
// begin runs at most once: either in the first CurrentTx call, or
// in finishtx if CurrentTx was never called.
type txState struct {
	getdb func(context.Context) (*sqlx.DB, error)
	begin sync.Once
	tx    *sqlx.Tx
	err   error
}

// New returns a child context that can be used with CurrentTx, and
// a finishtx func that ends the transaction. No transaction is
// opened until the first CurrentTx call.
//
//	func commit(ctx context.Context) (err error) {
//		ctx, finishtx := ctrlctx.New(ctx, getdb)
//		defer finishtx(&err)
//		tx, err := ctrlctx.CurrentTx(ctx)
//		...
//	}
//
// finishtx commits if *err is nil, and stores any commit error in
// *err. Otherwise it rolls back and leaves *err alone.
func New(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (context.Context, func(*error)) {
	st := &txState{getdb: getdb}
	return context.WithValue(ctx, contextKey{}, st), func(err *error) {
		st.begin.Do(func() { st.err = ErrContextFinished })
		if st.tx == nil {
			return
		}
		if *err != nil {
			ctxlog.FromContext(ctx).WithError(*err).Debug("rollback")
			st.tx.Rollback()
			return
		}
		if cerr := st.tx.Commit(); cerr != nil {
			*err = fmt.Errorf("commit: %w", cerr)
		}
	}
}

// Transaction calls fn with a context from New, and ends the
// transaction according to fn's return value.
func Transaction(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error), fn func(context.Context) error) (err error) {
	ctx, finishtx := New(ctx, getdb)
	defer finishtx(&err)
	return fn(ctx)
}

// CurrentTx returns the transaction belonging to ctx, opening it if
// this is the first call. Concurrent callers get the same
// transaction.
func CurrentTx(ctx context.Context) (*sqlx.Tx, error) {
	st, ok := ctx.Value(contextKey{}).(*txState)
	if !ok {
		return nil, ErrNoTransaction
	}
	st.begin.Do(func() {
		db, err := st.getdb(ctx)
		if err != nil {
			st.err = err
			return
		}
		// Ended by finishtx, not by cancellation of
		// whichever child context got here first.
		st.tx, st.err = db.BeginTxx(context.WithoutCancel(ctx), nil)
	})
	return st.tx, st.err
}
