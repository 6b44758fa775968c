// Package testing provides shared test helpers for database-backed tests.
package testing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mavrikos/thetad/internal/database"
)

// NewTestDB creates a temp-file database with the named schema applied
// and returns it with a cleanup function. File-backed rather than
// in-memory so the WAL pragmas behave as in production.
func NewTestDB(t *testing.T, name string, profile database.Profile) (*database.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "thetad-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(dir)
		t.Fatalf("failed to migrate test database: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	}
	return db, cleanup
}

// NewLedgerDB is shorthand for the ledger schema under the ledger profile.
func NewLedgerDB(t *testing.T) (*database.DB, func()) {
	return NewTestDB(t, "ledger", database.ProfileLedger)
}

// NewJobsDB is shorthand for the jobs schema under the standard profile.
func NewJobsDB(t *testing.T) (*database.DB, func()) {
	return NewTestDB(t, "jobs", database.ProfileStandard)
}

// NewCacheDB is shorthand for the cache schema under the cache profile.
func NewCacheDB(t *testing.T) (*database.DB, func()) {
	return NewTestDB(t, "cache", database.ProfileCache)
}
