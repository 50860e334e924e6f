package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var mirrorTables = []string{
	"carpeta_administrador",
	"subcarpetas_extensiones",
	"documentos_administrador",
	"grupos_drive",
	"carpetas_usuario",
	"permisos_carpetas_compartidas",
	"user_token_usage",
	"token_usage_events",
	"user_storage_usage",
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	dir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("apply up migrations: %v", err)
	}
	for _, table := range mirrorTables {
		if !tableExists(ctx, t, db, table) {
			t.Fatalf("table %s missing after up migrations", table)
		}
	}

	// A second run must be a no-op.
	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("reapply up migrations: %v", err)
	}

	ups, err := listMigrations(dir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	for i := len(ups) - 1; i >= 0; i-- {
		down := strings.TrimSuffix(ups[i].path, ".up.sql") + ".down.sql"
		body, err := os.ReadFile(down)
		if err != nil {
			t.Fatalf("read %s: %v", down, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			t.Fatalf("apply %s: %v", filepath.Base(down), err)
		}
	}
	for _, table := range mirrorTables {
		if tableExists(ctx, t, db, table) {
			t.Fatalf("table %s left behind by down migrations", table)
		}
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("apply up migrations after down: %v", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass('public.' || $1) IS NOT NULL`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("lookup table %s: %v", name, err)
	}
	return exists
}
