// Package migrate brings a workspace database up to the newest embedded
// schema revision.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type revision struct {
	version int
	name    string
	stmts   string
}

// Migrate applies every embedded revision the database has not seen yet.
// Each revision runs in its own transaction and is recorded in
// schema_migrations on commit, so reruns are no-ops and an interrupted
// upgrade resumes at the first unapplied revision.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	revisions, err := embeddedRevisions()
	if err != nil {
		return err
	}
	for _, rev := range revisions {
		if applied[rev.version] {
			continue
		}
		if err := apply(db, rev); err != nil {
			return fmt.Errorf("migration %s: %w", rev.name, err)
		}
	}
	return nil
}

func apply(db *sql.DB, rev revision) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(rev.stmts); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`,
		rev.version, rev.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

// embeddedRevisions lists the sql/ files sorted by their numeric prefix.
func embeddedRevisions() ([]revision, error) {
	files, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	revisions := make([]revision, 0, len(files))
	for _, file := range files {
		base := strings.TrimSuffix(strings.TrimPrefix(file, "sql/"), ".sql")
		prefix, _, found := strings.Cut(base, "_")
		if !found {
			return nil, fmt.Errorf("schema file %s has no numeric prefix", file)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("schema file %s has no numeric prefix: %w", file, err)
		}
		stmts, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, revision{version: version, name: base, stmts: string(stmts)})
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].version < revisions[j].version })
	return revisions, nil
}
