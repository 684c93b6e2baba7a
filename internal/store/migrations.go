// Versioned schema migration for project databases. Upgrades databases
// created by older releases in place, taking a file backup first.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"arcadiaforge/internal/logging"
)

// Schema versions:
// v1: Initial schema (sessions, events, features, checkpoints, decisions)
// v2: Added artifact checksum/size columns
// v3: Added warm_memory_issues.resolved and paused_sessions table
// v4: Added artifacts.parent_artifact_id
const CurrentSchemaVersion = 4

// Migration defines a column-add schema migration.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases created before
// the column existed. CREATE TABLE IF NOT EXISTS does not add columns to
// existing tables, so these run on every open.
var pendingMigrations = []Migration{
	{"artifacts", "size_bytes", "INTEGER DEFAULT 0"},
	{"artifacts", "checksum", "TEXT DEFAULT ''"},
	{"artifacts", "parent_artifact_id", "TEXT"},
	{"warm_memory_issues", "resolved", "INTEGER DEFAULT 0"},
	{"injection_points", "escalation_rule_id", "TEXT"},
	{"injection_points", "message", "TEXT"},
	{"injection_points", "severity", "INTEGER DEFAULT 3"},
}

// RunMigrations applies schema migrations for existing databases.
func RunMigrations(db *sql.DB, dbPath string) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	fromVersion := GetSchemaVersion(db)
	if fromVersion < CurrentSchemaVersion && fromVersion > 0 && dbPath != ":memory:" {
		backupPath, err := backupDatabase(dbPath)
		if err != nil {
			logging.StoreWarn("Could not back up database before migration: %v", err)
		} else {
			logging.Store("Database backed up to %s", backupPath)
		}
	}

	appliedCount := 0
	skippedCount := 0

	for _, m := range pendingMigrations {
		logging.StoreDebug("Checking migration: %s.%s", m.Table, m.Column)

		if !tableExists(db, m.Table) {
			skippedCount++
			continue
		}

		if !columnExists(db, m.Table, m.Column) {
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
			if _, err := db.Exec(query); err != nil {
				logging.StoreWarn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
				skippedCount++
			} else {
				logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
				appliedCount++
			}
		} else {
			skippedCount++
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	logging.Store("Schema migrations complete: applied=%d, skipped=%d, version=%d",
		appliedCount, skippedCount, CurrentSchemaVersion)
	return nil
}

// backupDatabase copies the database file next to itself with a timestamp.
func backupDatabase(dbPath string) (string, error) {
	src, err := os.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.backup-%s", dbPath, time.Now().Format("20060102-150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", err
	}
	return backupPath, nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.Query(query)
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// GetSchemaVersion returns the recorded schema version, or 0 for a
// database without a version table.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	query := "SELECT version FROM schema_versions ORDER BY applied_at DESC LIMIT 1"
	if err := db.QueryRow(query).Scan(&version); err != nil {
		return 0
	}
	return version
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}
	if GetSchemaVersion(db) == version {
		return nil
	}
	_, err := db.Exec("INSERT INTO schema_versions (version) VALUES (?)", version)
	return err
}
