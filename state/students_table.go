package state

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Student struct {
	ID          int64     `db:"id"`
	SchoolID    int64     `db:"school_id"`
	Email       string    `db:"email"`
	DisplayName string    `db:"display_name"`
	CreatedAt   time.Time `db:"created_at"`
}

type StudentsTable struct {
	db *sqlx.DB
}

func NewStudentsTable(db *sqlx.DB) *StudentsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS ps_students (
		id BIGSERIAL PRIMARY KEY,
		school_id BIGINT NOT NULL,
		email TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE(school_id, email)
	);
	`)
	return &StudentsTable{
		db: db,
	}
}

// NormalizeEmail is applied to every email before it touches the table or an
// index lookup. Gmail-style case games must not mint duplicate students.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EnsureByEmail finds the student for (school, email), provisioning a row on
// first sight. Safe under concurrent callers: the racing loser's INSERT hits
// ON CONFLICT DO NOTHING and re-reads the winner's row.
func (t *StudentsTable) EnsureByEmail(ctx context.Context, schoolID int64, email, displayName string) (student *Student, created bool, err error) {
	email = NormalizeEmail(email)
	var s Student
	err = t.db.GetContext(ctx, &s, `
	SELECT id, school_id, email, display_name, created_at FROM ps_students
	WHERE school_id=$1 AND email=$2`, schoolID, email)
	if err == nil {
		return &s, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	err = t.db.GetContext(ctx, &s, `
	INSERT INTO ps_students(school_id, email, display_name)
	VALUES($1, $2, $3)
	ON CONFLICT (school_id, email) DO NOTHING
	RETURNING id, school_id, email, display_name, created_at`, schoolID, email, displayName)
	if err == nil {
		return &s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	// Lost the race: someone else inserted between our SELECT and INSERT.
	err = t.db.GetContext(ctx, &s, `
	SELECT id, school_id, email, display_name, created_at FROM ps_students
	WHERE school_id=$1 AND email=$2`, schoolID, email)
	if err != nil {
		return nil, false, err
	}
	return &s, false, nil
}

func (t *StudentsTable) FindByID(ctx context.Context, id int64) (*Student, error) {
	var s Student
	err := t.db.GetContext(ctx, &s, `
	SELECT id, school_id, email, display_name, created_at FROM ps_students WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
