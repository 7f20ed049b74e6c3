package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with devices, beats and absences",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add global beat timestamp index for status pages",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
-- Registered devices; tokens are kept as BLAKE2b-256 digests
CREATE TABLE IF NOT EXISTS devices (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL,
    token_hash  BLOB NOT NULL UNIQUE,
    beat_count  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);

-- Beats are append-only
CREATE TABLE IF NOT EXISTS beats (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id   INTEGER NOT NULL REFERENCES devices(id),
    timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_beats_device_timestamp ON beats(device_id, timestamp, id);

-- Absences derived from gaps between consecutive beats of one device
CREATE TABLE IF NOT EXISTS absences (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id       INTEGER NOT NULL REFERENCES devices(id),
    end_timestamp   INTEGER NOT NULL,
    duration        INTEGER NOT NULL CHECK (duration >= 3600),
    begin_beat      INTEGER NOT NULL REFERENCES beats(id),
    end_beat        INTEGER NOT NULL REFERENCES beats(id),
    UNIQUE (begin_beat, end_beat)
);

CREATE INDEX IF NOT EXISTS idx_absences_device_end ON absences(device_id, end_timestamp);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_absences_device_end;
DROP TABLE IF EXISTS absences;
DROP INDEX IF EXISTS idx_beats_device_timestamp;
DROP TABLE IF EXISTS beats;
DROP TABLE IF EXISTS devices;
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_beats_timestamp ON beats(timestamp);
CREATE INDEX IF NOT EXISTS idx_absences_end ON absences(end_timestamp);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_absences_end;
DROP INDEX IF EXISTS idx_beats_timestamp;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now().Unix(), m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.Down); err != nil {
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes which migrations have been applied.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: migrations[len(migrations)-1].Version,
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(appliedAt, 0)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"devices", "beats", "absences", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
