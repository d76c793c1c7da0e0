// Package testutil provides shared test bootstrap helpers.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"passkeyd/internal/store"
)

// OpenTestDB opens a fresh sqlite database in a per-test temp dir with the
// schema applied. The database is closed when the test ends.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	err = store.Init(db)
	if err != nil {
		t.Fatalf("init test schema: %v", err)
	}

	return db
}
