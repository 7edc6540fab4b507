package migrate_test

import (
	"testing"

	"slidegen/internal/db"
	"slidegen/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("rerun migrate: %v", err)
	}

	var name, appliedAt string
	err = conn.QueryRow(`SELECT name, applied_at FROM schema_migrations WHERE version = 1`).Scan(&name, &appliedAt)
	if err != nil {
		t.Fatalf("revision 1 not recorded: %v", err)
	}
	if name != "001_init" || appliedAt == "" {
		t.Fatalf("recorded revision = %q at %q", name, appliedAt)
	}

	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("revision rows = %d, want 1", count)
	}

	// schema in place: run table accepts a row
	_, err = conn.Exec(`INSERT INTO runs(id, brief, status, created_at, updated_at) VALUES ('r', 'b', 'initial_generation', 't', 't')`)
	if err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}
