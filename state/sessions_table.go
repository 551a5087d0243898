package state

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/classwatch/presence-sync/sqlutil"
)

// End reasons recorded on ps_sessions.end_reason. These are wire values:
// they flow into pubsub payloads and out to staff dashboards unchanged.
const (
	EndReasonLogout = "logout"
	EndReasonSwap   = "swap"
	EndReasonEvict  = "evict"
	EndReasonStale  = "stale"
)

type Session struct {
	ID         int64      `db:"id"`
	SchoolID   int64      `db:"school_id"`
	StudentID  int64      `db:"student_id"`
	DeviceID   string     `db:"device_id"`
	StartedAt  time.Time  `db:"started_at"`
	LastSeenAt time.Time  `db:"last_seen_at"`
	EndedAt    *time.Time `db:"ended_at"`
	EndReason  *string    `db:"end_reason"`
	IsActive   bool       `db:"is_active"`
}

// StartOutcome describes what StartSession did. Ended carries every session
// closed to make room for the new one (at most two: the student's previous
// device and the device's previous student) so callers can fan out the
// corresponding events.
type StartOutcome struct {
	Session *Session
	Resumed bool
	Ended   []Session
}

// SessionsTable is the source of truth for which device owns which student.
// The partial unique indexes make a student or device with two active
// sessions unrepresentable, so arbitration bugs surface as constraint
// violations rather than silent double-presence.
type SessionsTable struct {
	db      *sqlx.DB
	onEnded func(reason string, n int)
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS ps_sessions (
		id BIGSERIAL PRIMARY KEY,
		school_id BIGINT NOT NULL,
		student_id BIGINT NOT NULL,
		device_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		end_reason TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ps_sessions_active_student ON ps_sessions(student_id) WHERE is_active;
	CREATE UNIQUE INDEX IF NOT EXISTS ps_sessions_active_device ON ps_sessions(device_id) WHERE is_active;
	CREATE INDEX IF NOT EXISTS ps_sessions_school ON ps_sessions(school_id) WHERE is_active;
	`)
	return &SessionsTable{
		db: db,
	}
}

// StartSession gives deviceID ownership of studentID, ending whatever stood
// in the way. Repeating the same (student, device) pair resumes the existing
// session instead of churning rows, so client retries are free.
//
// Rows are locked student-first then device-first in every code path. Two
// racing calls always collide on one of those locks and serialise; the loser
// re-reads state the winner left behind and still ends up in a legal state.
// First contact is the one case with no row to lock: two racing inserts then
// collide on the partial unique index instead, and the loser retries once
// against the state the winner committed.
func (t *SessionsTable) StartSession(ctx context.Context, schoolID, studentID int64, deviceID string) (StartOutcome, error) {
	outcome, err := t.startSession(ctx, schoolID, studentID, deviceID)
	if isUniqueViolation(err) {
		outcome, err = t.startSession(ctx, schoolID, studentID, deviceID)
	}
	return outcome, err
}

func (t *SessionsTable) startSession(ctx context.Context, schoolID, studentID int64, deviceID string) (outcome StartOutcome, err error) {
	now := time.Now().UTC()
	err = sqlutil.WithTransactionContext(ctx, t.db, func(txn *sqlx.Tx) error {
		var byStudent Session
		err := txn.GetContext(ctx, &byStudent, `
		SELECT id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active
		FROM ps_sessions WHERE student_id=$1 AND is_active FOR UPDATE`, studentID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && byStudent.DeviceID == deviceID {
			// Same pairing already active: resume.
			var resumed Session
			if err := txn.GetContext(ctx, &resumed, `
			UPDATE ps_sessions SET last_seen_at=$2 WHERE id=$1
			RETURNING id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active`,
				byStudent.ID, now); err != nil {
				return err
			}
			outcome.Session = &resumed
			outcome.Resumed = true
			return nil
		}
		if err == nil {
			// Student moved to a new device: swap the old one out.
			ended, err := t.endTxn(ctx, txn, byStudent.ID, now, EndReasonSwap)
			if err != nil {
				return err
			}
			if ended != nil {
				outcome.Ended = append(outcome.Ended, *ended)
			}
		}

		var byDevice Session
		err = txn.GetContext(ctx, &byDevice, `
		SELECT id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active
		FROM ps_sessions WHERE device_id=$1 AND is_active FOR UPDATE`, deviceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil {
			// Another student was on this device: evict them.
			ended, err := t.endTxn(ctx, txn, byDevice.ID, now, EndReasonEvict)
			if err != nil {
				return err
			}
			if ended != nil {
				outcome.Ended = append(outcome.Ended, *ended)
			}
		}

		var created Session
		if err := txn.GetContext(ctx, &created, `
		INSERT INTO ps_sessions(school_id, student_id, device_id, started_at, last_seen_at, is_active)
		VALUES($1, $2, $3, $4, $4, TRUE)
		RETURNING id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active`,
			schoolID, studentID, deviceID, now); err != nil {
			return err
		}
		outcome.Session = &created
		return nil
	})
	return
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// EndSession closes a session by ID. Ending an already-ended session is a
// no-op returning (nil, nil), so double logouts and sweeper races are safe.
func (t *SessionsTable) EndSession(ctx context.Context, sessionID int64, reason string) (ended *Session, err error) {
	err = sqlutil.WithTransactionContext(ctx, t.db, func(txn *sqlx.Tx) error {
		ended, err = t.endTxn(ctx, txn, sessionID, time.Now().UTC(), reason)
		return err
	})
	return
}

// EndActiveForDevice closes whatever session the device currently holds,
// returning nil if it holds none.
func (t *SessionsTable) EndActiveForDevice(ctx context.Context, deviceID, reason string) (ended *Session, err error) {
	err = sqlutil.WithTransactionContext(ctx, t.db, func(txn *sqlx.Tx) error {
		var active Session
		err := txn.GetContext(ctx, &active, `
		SELECT id FROM ps_sessions WHERE device_id=$1 AND is_active FOR UPDATE`, deviceID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ended, err = t.endTxn(ctx, txn, active.ID, time.Now().UTC(), reason)
		return err
	})
	return
}

func (t *SessionsTable) endTxn(ctx context.Context, txn *sqlx.Tx, sessionID int64, now time.Time, reason string) (*Session, error) {
	var ended Session
	err := txn.GetContext(ctx, &ended, `
	UPDATE ps_sessions SET is_active=FALSE, ended_at=$2, end_reason=$3
	WHERE id=$1 AND is_active
	RETURNING id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active`,
		sessionID, now, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.onEnded != nil {
		t.onEnded(reason, 1)
	}
	return &ended, nil
}

// TouchSession advances last_seen_at. Returns false if the session is no
// longer active, which tells the caller its heartbeat lost an arbitration
// race and should be dropped rather than resurrect the row.
func (t *SessionsTable) TouchSession(ctx context.Context, sessionID int64, lastSeen time.Time) (bool, error) {
	res, err := t.db.ExecContext(ctx, `
	UPDATE ps_sessions SET last_seen_at=$2 WHERE id=$1 AND is_active`, sessionID, lastSeen.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpireStale ends every active session not seen within maxAge. The cutoff is
// computed here rather than in SQL so clock skew between instances only moves
// the boundary, never reverses it.
func (t *SessionsTable) ExpireStale(ctx context.Context, maxAge time.Duration) ([]Session, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var ended []Session
	err := t.db.SelectContext(ctx, &ended, `
	UPDATE ps_sessions SET is_active=FALSE, ended_at=$1, end_reason=$2
	WHERE is_active AND last_seen_at < $3
	RETURNING id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active`,
		time.Now().UTC(), EndReasonStale, cutoff)
	if err != nil {
		return nil, err
	}
	if t.onEnded != nil && len(ended) > 0 {
		t.onEnded(EndReasonStale, len(ended))
	}
	return ended, nil
}

func (t *SessionsTable) ActiveForStudent(ctx context.Context, studentID int64) (*Session, error) {
	var s Session
	err := t.db.GetContext(ctx, &s, `
	SELECT id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active
	FROM ps_sessions WHERE student_id=$1 AND is_active`, studentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) ActiveForDevice(ctx context.Context, deviceID string) (*Session, error) {
	var s Session
	err := t.db.GetContext(ctx, &s, `
	SELECT id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active
	FROM ps_sessions WHERE device_id=$1 AND is_active`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveForSchool returns every active session in a school, oldest first.
// Rehydration re-seeds the resolver's device mapping from these rows.
func (t *SessionsTable) ActiveForSchool(ctx context.Context, schoolID int64) ([]Session, error) {
	var sessions []Session
	err := t.db.SelectContext(ctx, &sessions, `
	SELECT id, school_id, student_id, device_id, started_at, last_seen_at, ended_at, end_reason, is_active
	FROM ps_sessions WHERE school_id=$1 AND is_active ORDER BY started_at ASC`, schoolID)
	return sessions, err
}
