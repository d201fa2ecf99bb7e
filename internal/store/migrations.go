package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// schemaStep is one forward/backward schema change. The database's
// user_version pragma records how many steps have been applied.
type schemaStep struct {
	name string
	up   string
	down string
}

var schemaSteps = []schemaStep{
	{
		name: "chains and certificates",
		up: `
CREATE TABLE chains (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at      INTEGER NOT NULL,
    provider        TEXT NOT NULL,
    generation      INTEGER NOT NULL,
    security_level  TEXT NOT NULL,
    challenge       BLOB,
    chain_hash      BLOB NOT NULL
);
CREATE TABLE certificates (
    chain_id    INTEGER NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
    ordinal     INTEGER NOT NULL,
    der         BLOB NOT NULL,
    PRIMARY KEY (chain_id, ordinal)
);`,
		down: `
DROP TABLE certificates;
DROP TABLE chains;`,
	},
	{
		name: "chain notes",
		up: `
ALTER TABLE chains ADD COLUMN note TEXT NOT NULL DEFAULT '';
CREATE INDEX idx_chains_created ON chains(created_at);`,
		down: `
DROP INDEX idx_chains_created;
ALTER TABLE chains DROP COLUMN note;`,
	},
}

var errNothingToRollBack = errors.New("store: schema is already empty")

func schemaVersion(q interface {
	QueryRow(string, ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// runStep executes sql and moves user_version to version in one transaction.
func runStep(db *sql.DB, sqlText string, version int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(sqlText); err != nil {
		tx.Rollback()
		return err
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// migrate brings the schema up to the newest step.
func migrate(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > len(schemaSteps) {
		return fmt.Errorf("store: database schema %d is newer than this build (%d)", current, len(schemaSteps))
	}
	for i := current; i < len(schemaSteps); i++ {
		if err := runStep(db, schemaSteps[i].up, i+1); err != nil {
			return fmt.Errorf("schema step %d (%s): %w", i+1, schemaSteps[i].name, err)
		}
	}
	return nil
}

// rollback undoes the newest applied step.
func rollback(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current == 0 {
		return errNothingToRollBack
	}
	if current > len(schemaSteps) {
		return fmt.Errorf("store: unknown schema step %d", current)
	}
	step := schemaSteps[current-1]
	if err := runStep(db, step.down, current-1); err != nil {
		return fmt.Errorf("undo schema step %d (%s): %w", current, step.name, err)
	}
	return nil
}

// checkSchema reports a missing table or column.
func checkSchema(db *sql.DB) error {
	for _, table := range []string{"chains", "certificates"} {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if n == 0 {
			return fmt.Errorf("store: missing table %s", table)
		}
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('chains') WHERE name = 'note'").Scan(&n); err != nil {
		return fmt.Errorf("check chains.note: %w", err)
	}
	if n == 0 {
		return errors.New("store: missing column chains.note")
	}
	return nil
}
