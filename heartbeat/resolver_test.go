package heartbeat

import (
	"context"
	"errors"
	"testing"

	"github.com/classwatch/presence-sync/state"
)

func TestResolverProvisionsOncePerEmail(t *testing.T) {
	ctx := context.Background()
	db, close := connectToDB(t)
	defer close()
	resolver := NewResolver(state.NewStudentsTable(db))

	// Two devices send heartbeats for the same student, with sloppy casing.
	first, err := resolver.Resolve(ctx, 201, 0, "res-dev-1", "Kid.One@School.org", "Kid One")
	assertNoError(t, err)
	second, err := resolver.Resolve(ctx, 201, 0, "res-dev-2", "  kid.one@school.org", "Kid One")
	assertNoError(t, err)
	if first.ID != second.ID {
		t.Fatalf("same email resolved to different students: %d and %d", first.ID, second.ID)
	}
	var count int
	err = db.Get(&count, `SELECT count(*) FROM ps_students WHERE school_id=201 AND email=$1`, state.NormalizeEmail("Kid.One@School.org"))
	assertNoError(t, err)
	if count != 1 {
		t.Fatalf("expected exactly one provisioned student row, got %d", count)
	}

	// A third heartbeat from a known device resolves from the cache, so the
	// email is not even needed.
	third, err := resolver.Resolve(ctx, 201, 0, "res-dev-1", "", "")
	assertNoError(t, err)
	if third.ID != first.ID {
		t.Fatalf("cached device resolved to student %d, want %d", third.ID, first.ID)
	}
}

func TestResolverPrecedence(t *testing.T) {
	ctx := context.Background()
	db, close := connectToDB(t)
	defer close()
	students := state.NewStudentsTable(db)
	resolver := NewResolver(students)

	alice, _, err := students.EnsureByEmail(ctx, 202, "alice@school.org", "Alice")
	assertNoError(t, err)
	bob, _, err := students.EnsureByEmail(ctx, 202, "bob@school.org", "Bob")
	assertNoError(t, err)

	// The device was Bob's, but the heartbeat carries Alice's authenticated
	// id. The token wins over both the cache and the email.
	resolver.Remember("res-dev-3", bob.ID)
	got, err := resolver.Resolve(ctx, 202, alice.ID, "res-dev-3", "bob@school.org", "Bob")
	assertNoError(t, err)
	if got.ID != alice.ID {
		t.Fatalf("authenticated id lost to the cache: got student %d want %d", got.ID, alice.ID)
	}

	// The resolution also re-pointed the device mapping, so an anonymous
	// heartbeat with Bob's email still resolves to Alice via the cache.
	got, err = resolver.Resolve(ctx, 202, 0, "res-dev-3", "bob@school.org", "Bob")
	assertNoError(t, err)
	if got.ID != alice.ID {
		t.Fatalf("cache lost to the email: got student %d want %d", got.ID, alice.ID)
	}
}

func TestResolverRejectsCrossSchoolIdentity(t *testing.T) {
	ctx := context.Background()
	db, close := connectToDB(t)
	defer close()
	students := state.NewStudentsTable(db)
	resolver := NewResolver(students)

	carol, _, err := students.EnsureByEmail(ctx, 203, "carol@school.org", "Carol")
	assertNoError(t, err)

	// An authenticated id from another tenant resolves nothing.
	_, err = resolver.Resolve(ctx, 204, carol.ID, "res-dev-4", "", "")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("cross-school token: got err %v want ErrUnresolved", err)
	}

	// A stale cached mapping is evicted, not followed.
	resolver.Remember("res-dev-5", carol.ID)
	_, err = resolver.Resolve(ctx, 204, 0, "res-dev-5", "", "")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("cross-school cache: got err %v want ErrUnresolved", err)
	}
	if _, ok := resolver.cached("res-dev-5"); ok {
		t.Fatalf("stale cross-school mapping survived resolution")
	}
}

func TestResolverForget(t *testing.T) {
	ctx := context.Background()
	db, close := connectToDB(t)
	defer close()
	resolver := NewResolver(state.NewStudentsTable(db))

	_, err := resolver.Resolve(ctx, 205, 0, "res-dev-6", "dan@school.org", "Dan")
	assertNoError(t, err)
	resolver.Forget("res-dev-6")
	_, err = resolver.Resolve(ctx, 205, 0, "res-dev-6", "", "")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("after Forget: got err %v want ErrUnresolved", err)
	}
}
