package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

// snapshotOptions gives every read in the transaction the same view of the data
var snapshotOptions = &sql.TxOptions{
	Isolation: sql.LevelRepeatableRead,
	ReadOnly:  true,
}

// WithSnapshot runs fn inside a read-only repeatable read transaction.
// Queries issued through Conn(ctx, db) inside fn share the snapshot.
// A snapshot already open on ctx is reused.
func WithSnapshot(ctx context.Context, logger ectologger.Logger, db DB, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTxx(ctx, snapshotOptions)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return fmt.Errorf("error while beginning transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.WithContext(ctx).WithError(rbErr).Errorf("error while rolling back transaction")
		}
		return err
	}

	// read-only, commit only releases the snapshot
	if err := tx.Commit(); err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}
	return nil
}

// Conn returns the transaction open on ctx, or db when there is none
func Conn(ctx context.Context, db Queryer) Queryer {
	if tx, ok := ctx.Value(txKey).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}
