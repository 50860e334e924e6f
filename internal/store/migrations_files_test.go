package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationFilesArePairedAndRunnable(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if direction == "up" && !migrationName.MatchString(name) {
			t.Fatalf("%s would be skipped by the migration runner", name)
		}
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestListMigrationsOrdersUpFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0002_usage_ledger.up.sql",
		"0001_mirror_tables.up.sql",
		"0001_mirror_tables.down.sql",
		"notes.txt",
		"0003_Bad-Name.up.sql",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	migrations, err := listMigrations(dir)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %+v", migrations)
	}
	if migrations[0].version != "0001_mirror_tables.up.sql" || migrations[1].version != "0002_usage_ledger.up.sql" {
		t.Fatalf("unexpected order %+v", migrations)
	}
}

func TestRepositoryMigrationsMatchRunnerPattern(t *testing.T) {
	migrations, err := listMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected every up migration to be picked up, got %d", len(migrations))
	}
}
