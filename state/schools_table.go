package state

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jmoiron/sqlx"
)

// School is the tenant row. Tracking windows are minutes-since-midnight in
// the school's local day; TrackingDays is a bitmask with bit n set when
// time.Weekday(n) is tracked, so Sunday is bit 0.
type School struct {
	ID               int64  `db:"id"`
	Name             string `db:"name"`
	PlanTier         int    `db:"plan_tier"`
	TrackingStartMin int    `db:"tracking_start_min"`
	TrackingEndMin   int    `db:"tracking_end_min"`
	TrackingDays     int    `db:"tracking_days"`
	MaxOpenTabs      int    `db:"max_open_tabs"`
	RestrictedMode   bool   `db:"restricted_mode"`
}

type SchoolsTable struct {
	db *sqlx.DB
}

func NewSchoolsTable(db *sqlx.DB) *SchoolsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS ps_schools (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		plan_tier INT NOT NULL DEFAULT 1,
		tracking_start_min INT NOT NULL DEFAULT 0,
		tracking_end_min INT NOT NULL DEFAULT 1440,
		tracking_days INT NOT NULL DEFAULT 127,
		max_open_tabs INT NOT NULL DEFAULT 0,
		restricted_mode BOOLEAN NOT NULL DEFAULT FALSE
	);
	`)
	return &SchoolsTable{
		db: db,
	}
}

func (t *SchoolsTable) Get(ctx context.Context, id int64) (*School, error) {
	var s School
	err := t.db.GetContext(ctx, &s, `
	SELECT id, name, plan_tier, tracking_start_min, tracking_end_min, tracking_days, max_open_tabs, restricted_mode
	FROM ps_schools WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// All returns every tenant row, used at startup to rehydrate presence per
// school. The fleet is a few hundred schools at most, never paginated.
func (t *SchoolsTable) All(ctx context.Context) ([]School, error) {
	var schools []School
	err := t.db.SelectContext(ctx, &schools, `
	SELECT id, name, plan_tier, tracking_start_min, tracking_end_min, tracking_days, max_open_tabs, restricted_mode
	FROM ps_schools ORDER BY id`)
	return schools, err
}

// Upsert writes the whole tenant row. Provisioning and admin sync call this;
// the serving path only reads.
func (t *SchoolsTable) Upsert(ctx context.Context, s *School) error {
	return t.db.GetContext(ctx, &s.ID, `
	INSERT INTO ps_schools(id, name, plan_tier, tracking_start_min, tracking_end_min, tracking_days, max_open_tabs, restricted_mode)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		name=EXCLUDED.name, plan_tier=EXCLUDED.plan_tier,
		tracking_start_min=EXCLUDED.tracking_start_min, tracking_end_min=EXCLUDED.tracking_end_min,
		tracking_days=EXCLUDED.tracking_days, max_open_tabs=EXCLUDED.max_open_tabs,
		restricted_mode=EXCLUDED.restricted_mode
	RETURNING id`,
		s.ID, s.Name, s.PlanTier, s.TrackingStartMin, s.TrackingEndMin, s.TrackingDays, s.MaxOpenTabs, s.RestrictedMode)
}

// SetRestrictedMode flips the school-wide default. Returns false when the
// school doesn't exist.
func (t *SchoolsTable) SetRestrictedMode(ctx context.Context, id int64, on bool) (bool, error) {
	res, err := t.db.ExecContext(ctx, `
	UPDATE ps_schools SET restricted_mode=$2 WHERE id=$1`, id, on)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SchoolConfigCache fronts SchoolsTable for the hot path: every heartbeat
// consults the tenant row for plan and window checks, so reads are cached
// for a minute. Invalidate on config-changed events to pick up edits sooner.
type SchoolConfigCache struct {
	table *SchoolsTable
	cache *ttlcache.Cache[int64, *School]
}

func NewSchoolConfigCache(table *SchoolsTable) *SchoolConfigCache {
	c := &SchoolConfigCache{
		table: table,
		cache: ttlcache.New[int64, *School](
			ttlcache.WithTTL[int64, *School](time.Minute),
			ttlcache.WithDisableTouchOnHit[int64, *School](),
		),
	}
	go c.cache.Start()
	return c
}

// Get returns the school row, hitting the DB at most once a minute per
// school. A missing school is cached as nil so unknown tenants can't
// hammer the table either.
func (c *SchoolConfigCache) Get(ctx context.Context, id int64) (*School, error) {
	if item := c.cache.Get(id); item != nil {
		return item.Value(), nil
	}
	school, err := c.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id, school, ttlcache.DefaultTTL)
	return school, nil
}

// SetRestrictedMode writes through to the table and drops the cached row so
// the next read sees the new value immediately.
func (c *SchoolConfigCache) SetRestrictedMode(ctx context.Context, id int64, on bool) (bool, error) {
	ok, err := c.table.SetRestrictedMode(ctx, id, on)
	if ok {
		c.Invalidate(id)
	}
	return ok, err
}

func (c *SchoolConfigCache) Invalidate(id int64) {
	c.cache.Delete(id)
}

func (c *SchoolConfigCache) Teardown() {
	c.cache.Stop()
}
