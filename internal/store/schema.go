package store

import (
	"database/sql"

	"github.com/pkg/errors"
)

// createSchema creates the locks/queue tables described in the durable
// state layout if they do not already exist, then evolves older databases
// that predate max_hold_ms/hold_count by adding the columns with the
// documented defaults.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS locks (
			lock_id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			mode TEXT NOT NULL,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			lease_expires_at TEXT NOT NULL,
			max_hold_ms INTEGER,
			hold_count INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			req_id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			mode TEXT NOT NULL,
			owner TEXT NOT NULL,
			requested_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_path ON queue(path)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_path ON locks(path)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "executing schema statement: %s", stmt)
		}
	}

	return evolveSchema(db)
}

// evolveSchema upgrades a database created before max_hold_ms/hold_count
// existed by adding the columns with the defaults the spec requires:
// max_hold_ms := null, hold_count := 1.
func evolveSchema(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(locks)`)
	if err != nil {
		return errors.Wrap(err, "reading locks table info")
	}

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			rows.Close()
			return errors.Wrap(err, "scanning locks table info")
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterating locks table info")
	}
	rows.Close()

	if !columns["max_hold_ms"] {
		if _, err := db.Exec(`ALTER TABLE locks ADD COLUMN max_hold_ms INTEGER`); err != nil {
			return errors.Wrap(err, "adding max_hold_ms column")
		}
	}
	if !columns["hold_count"] {
		if _, err := db.Exec(`ALTER TABLE locks ADD COLUMN hold_count INTEGER NOT NULL DEFAULT 1`); err != nil {
			return errors.Wrap(err, "adding hold_count column")
		}
	}

	return nil
}
