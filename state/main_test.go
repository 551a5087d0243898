package state

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/classwatch/presence-sync/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=presence_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("presence_sync_test_state")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}
