// Package testdb opens in-memory SQLite databases with a schema compatible
// with the destination and checkpoint tables, for package tests.
package testdb

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE user_events (
	event_id         TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	product_id       TEXT NOT NULL,
	product_name     TEXT,
	product_category TEXT,
	event_type       TEXT NOT NULL CHECK (event_type IN ('view', 'purchase')),
	price            NUMERIC CHECK (price IS NULL OR price >= 0),
	event_timestamp  TIMESTAMP NOT NULL,
	ingested_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE ingest_checkpoints (
	file_name      TEXT PRIMARY KEY,
	rows_committed INTEGER NOT NULL,
	rows_rejected  INTEGER NOT NULL,
	committed_at   TIMESTAMP NOT NULL
);
`

// Open returns a fresh database that is closed when the test ends. The pool
// is pinned to one connection so every query sees the same in-memory data.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("applying test schema: %v", err)
	}
	return db
}

// Count returns the number of rows in table.
func Count(t testing.TB, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}
