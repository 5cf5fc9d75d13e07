// Package conf
package conf

import (
	"database/sql"
	"fmt"
	"math/rand"
	"testing"
)

// Config holds a database connection and its metadata.
type Config struct {
	Name    string
	DB      *sql.DB
	ConnStr string
	AdminDB *sql.DB
}

// NewConfig opens a connection pool for the given connection string.
func NewConfig(connStr string, maxOpen, maxIdle int) (*Config, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Config{DB: db, ConnStr: connStr}, nil
}

// NewTestConfig creates a database with a random name for a test run and
// returns its config plus a cleanup function. Skips the test if Postgres is
// not reachable. Schema is created by the store itself (InitSchema /
// CreateTable), so no schema file is applied here.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	const (
		testHost     = "localhost"
		testPort     = 5432
		testUser     = "postgres"
		testPassword = "postgres"
	)

	adminConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		testHost, testPort, testUser, testPassword)

	adminDB, err := sql.Open("postgres", adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	dbName := fmt.Sprintf("test_db_%d", rand.Int31())

	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	dbConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		testHost, testPort, testUser, testPassword, dbName)

	db, err := sql.Open("postgres", dbConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName)); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", dbName, err)
		}
		adminDB.Close()
	}

	return &Config{Name: dbName, DB: db, ConnStr: dbConnStr, AdminDB: adminDB}, cleanup
}
