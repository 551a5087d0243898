package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/classwatch/presence-sync/state"
	"github.com/classwatch/presence-sync/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=presence_test sslmode=disable"

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	postgresConnectionString = testutils.PrepareDBConnectionString("presence_sync_test_migrations")
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}

func TestSessionEndReasonMigration(t *testing.T) {
	ctx := context.Background()
	db, close := connectToDB(t)
	defer close()

	// Create the table in the old format (no end_reason column) with one
	// ended and one active row.
	_, err := db.Exec(`CREATE TABLE ps_sessions (
		id BIGSERIAL PRIMARY KEY,
		school_id BIGINT NOT NULL,
		student_id BIGINT NOT NULL,
		device_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);`)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	db.MustExec(`INSERT INTO ps_sessions(school_id, student_id, device_id, started_at, last_seen_at, ended_at, is_active)
		VALUES (1, 100, 'old-device', $1, $1, $1, FALSE),
		       (1, 101, 'live-device', $1, $1, NULL, TRUE)`, now)

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err = upSessionEndReason(ctx, tx); err != nil {
		tx.Rollback()
		t.Fatalf("up migration: %s", err)
	}
	if err = tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var reasons []struct {
		StudentID int64   `db:"student_id"`
		EndReason *string `db:"end_reason"`
	}
	if err := db.Select(&reasons, `SELECT student_id, end_reason FROM ps_sessions ORDER BY student_id`); err != nil {
		t.Fatal(err)
	}
	if len(reasons) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(reasons))
	}
	if reasons[0].EndReason == nil || *reasons[0].EndReason != "stale" {
		t.Errorf("ended row should be backfilled as stale, got %v", reasons[0].EndReason)
	}
	if reasons[1].EndReason != nil {
		t.Errorf("active row should keep a NULL reason, got %v", *reasons[1].EndReason)
	}

	// Running the migration again must be a no-op.
	tx, err = db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err = upSessionEndReason(ctx, tx); err != nil {
		tx.Rollback()
		t.Fatalf("up migration rerun: %s", err)
	}
	if err = tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// The migrated table must be usable by the current code.
	table := state.NewSessionsTable(db)
	ended, err := table.EndSession(ctx, 2, state.EndReasonLogout)
	if err != nil {
		t.Fatalf("EndSession on migrated table: %s", err)
	}
	if ended == nil || *ended.EndReason != state.EndReasonLogout {
		t.Errorf("EndSession on migrated table returned %+v", ended)
	}
}
