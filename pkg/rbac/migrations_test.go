package rbac

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestRunMigrations(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	extra := []Migration{
		{Version: 100, Description: "Create widgets table", SQL: `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`},
	}

	if err := RunMigrations(ctx, db, extra); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("Failed to count applied migrations: %v", err)
	}
	want := len(Migrations) + len(extra)
	if count != want {
		t.Errorf("Expected %d applied migrations, got %d", want, count)
	}

	// A second run is a no-op: already-recorded versions are skipped,
	// so the non-idempotent statements do not reapply.
	if err := RunMigrations(ctx, db, extra); err != nil {
		t.Fatalf("Second RunMigrations failed: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("Failed to count applied migrations: %v", err)
	}
	if count != want {
		t.Errorf("Expected %d applied migrations after rerun, got %d", want, count)
	}
}

func TestMigrationVersionsUnique(t *testing.T) {
	seen := make(map[int]string)
	for _, m := range Migrations {
		if prev, ok := seen[m.Version]; ok {
			t.Errorf("Version %d used by both %q and %q", m.Version, prev, m.Description)
		}
		seen[m.Version] = m.Description
	}
}
