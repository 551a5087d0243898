package state

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// HeartbeatRow is one persisted heartbeat. Tabs holds the CBOR-encoded
// open-tab list; this table treats it as an opaque blob so it never needs
// to know the tab shape.
type HeartbeatRow struct {
	ID        int64     `db:"id"`
	SchoolID  int64     `db:"school_id"`
	StudentID int64     `db:"student_id"`
	DeviceID  string    `db:"device_id"`
	URL       string    `db:"url"`
	Title     string    `db:"title"`
	Locked    bool      `db:"locked"`
	Sharing   bool      `db:"sharing"`
	Camera    bool      `db:"camera"`
	Tabs      []byte    `db:"tabs"`
	SeenAt    time.Time `db:"seen_at"`
}

// HeartbeatsTable is append-only history. Rows are written solely by the
// persistence queue worker, far less often than heartbeats arrive.
type HeartbeatsTable struct {
	db *sqlx.DB
}

func NewHeartbeatsTable(db *sqlx.DB) *HeartbeatsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS ps_heartbeats (
		id BIGSERIAL PRIMARY KEY,
		school_id BIGINT NOT NULL,
		student_id BIGINT NOT NULL,
		device_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		sharing BOOLEAN NOT NULL DEFAULT FALSE,
		camera BOOLEAN NOT NULL DEFAULT FALSE,
		tabs BYTEA,
		seen_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ps_heartbeats_latest ON ps_heartbeats(school_id, student_id, device_id, seen_at DESC);
	`)
	return &HeartbeatsTable{
		db: db,
	}
}

func (t *HeartbeatsTable) Insert(ctx context.Context, row *HeartbeatRow) error {
	_, err := t.db.ExecContext(ctx, `
	INSERT INTO ps_heartbeats(school_id, student_id, device_id, url, title, locked, sharing, camera, tabs, seen_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.SchoolID, row.StudentID, row.DeviceID, row.URL, row.Title,
		row.Locked, row.Sharing, row.Camera, row.Tabs, row.SeenAt.UTC())
	return err
}

// LatestPerStudent returns the most recent heartbeat for every
// (student, device) pairing in the school seen since the given time.
// Feeds cache rehydration on startup, so the bound keeps long-gone devices
// from reappearing as stale snapshots.
func (t *HeartbeatsTable) LatestPerStudent(ctx context.Context, schoolID int64, since time.Time) ([]HeartbeatRow, error) {
	var rows []HeartbeatRow
	err := t.db.SelectContext(ctx, &rows, `
	SELECT DISTINCT ON (student_id, device_id)
		id, school_id, student_id, device_id, url, title, locked, sharing, camera, tabs, seen_at
	FROM ps_heartbeats
	WHERE school_id=$1 AND seen_at > $2
	ORDER BY student_id, device_id, seen_at DESC`, schoolID, since.UTC())
	return rows, err
}

// DeleteOlderThan prunes history so the table doesn't grow without bound.
// Called opportunistically by the staleness sweeper.
func (t *HeartbeatsTable) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := t.db.ExecContext(ctx, `
	DELETE FROM ps_heartbeats WHERE seen_at < $1`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
