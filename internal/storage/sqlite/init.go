package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the failure ledger
// table if it doesn't exist. Use ":memory:" for a throwaway database.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS failed_downloads (
		id INTEGER PRIMARY KEY,
		source_url TEXT NOT NULL UNIQUE,
		product_id TEXT,
		slot TEXT,
		reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		failed_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		recorded_by TEXT
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create failed_downloads table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_failed_downloads_status ON failed_downloads (status, failed_at)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create failed_downloads index: %w", err)
	}

	return db, nil
}
