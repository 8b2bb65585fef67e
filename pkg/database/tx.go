package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WithReadOnly runs fn inside a READ ONLY transaction. A positive timeout is
// applied as the transaction's statement_timeout. The transaction is always
// rolled back; nothing fn does can persist.
func (db *DB) WithReadOnly(ctx context.Context, timeout time.Duration, fn func(tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set statement timeout: %w", err)
		}
	}
	return fn(tx)
}

// WithExclusiveLock runs fn in a transaction that holds an EXCLUSIVE lock on
// table. Readers continue to see the previous contents until commit; a second
// writer waits. fn's error rolls everything back.
func (db *DB) WithExclusiveLock(ctx context.Context, table string, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	lock := fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", pgx.Identifier{table}.Sanitize())
	if _, err := tx.Exec(ctx, lock); err != nil {
		return fmt.Errorf("failed to lock %s: %w", table, err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", table, err)
	}
	return nil
}
