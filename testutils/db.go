package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
)

// recreateLocalDB drops and recreates a throwaway database for one test
// package, using the local createdb/dropdb binaries.
func recreateLocalDB(dbName string) string {
	fmt.Println("Note: DB-backed tests need a local postgres reachable by the current user")
	dropDB := exec.Command("dropdb", "-f", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		fmt.Println("createdb failed: ", err)
		os.Exit(2)
	}
	return dbName
}

func currentUser() string {
	user, err := user.Current()
	if err != nil {
		fmt.Println("cannot get current user: ", err)
		os.Exit(2)
	}
	return user.Username
}

// PrepareDBConnectionString returns a connection string for the package's
// test database. POSTGRES_USER and POSTGRES_DB override the local inference;
// when POSTGRES_DB is unset, wantDBName is dropped and recreated so each run
// starts from empty schemas.
func PrepareDBConnectionString(wantDBName string) (connStr string) {
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = currentUser()
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = recreateLocalDB(wantDBName)
	}
	connStr = fmt.Sprintf(
		"user=%s dbname=%s sslmode=disable",
		user, dbName,
	)
	// password and host come into play against CI's postgres container
	password := os.Getenv("POSTGRES_PASSWORD")
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	host := os.Getenv("POSTGRES_HOST")
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return
}
