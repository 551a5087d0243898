package migrations

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSessionEndReason, downSessionEndReason)
}

func upSessionEndReason(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var name string
	err := tx.QueryRowContext(ctx, "select table_name from information_schema.tables where table_name = 'ps_sessions'").Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Fresh database: the table constructor creates the current shape.
			return nil
		}
		return err
	}
	err = tx.QueryRowContext(ctx, "select column_name from information_schema.columns where table_name = 'ps_sessions' and column_name = 'end_reason'").Scan(&name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS ps_sessions ADD COLUMN IF NOT EXISTS end_reason TEXT"); err != nil {
		return err
	}
	// Rows closed before the column existed have no recorded cause. The
	// sweeper was the only closer back then, so 'stale' is the honest label.
	_, err = tx.ExecContext(ctx, "UPDATE ps_sessions SET end_reason = 'stale' WHERE NOT is_active AND end_reason IS NULL")
	return err
}

func downSessionEndReason(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS ps_sessions DROP COLUMN IF EXISTS end_reason")
	return err
}
