package database

import (
	"database/sql"
	"fmt"
	"log"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order; never edit one that has shipped
var migrations = []migration{
	{
		version: 1,
		name:    "users",
		sql: `
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_login INTEGER
);
`,
	},
	{
		version: 2,
		name:    "stored files",
		sql: `
CREATE TABLE IF NOT EXISTS File (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	filename TEXT NOT NULL,
	data BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	original_size INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (username, filename)
);
CREATE INDEX IF NOT EXISTS idx_files_user ON File(username);
`,
	},
}

// LatestVersion is the schema version Open migrates to
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

func currentVersion(conn *sql.DB) (int, error) {
	if _, err := conn.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return 0, err
	}

	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// runMigrations applies every migration newer than the stored version
func runMigrations(conn *sql.DB) error {
	return migrateTo(conn, LatestVersion())
}

func migrateTo(conn *sql.DB, target int) error {
	current, err := currentVersion(conn)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current || m.version > target {
			continue
		}

		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Printf("Applied database migration %d (%s)", m.version, m.name)
	}
	return nil
}
