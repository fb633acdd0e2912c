package db

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

// openUnmigrated opens a fresh database without applying any migrations.
func openUnmigrated(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name=?
	`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", name, err)
	}
	return exists
}

func TestLatestMigrationVersion(t *testing.T) {
	latest, err := LatestMigrationVersion(MigrationsFS())
	if err != nil {
		t.Fatalf("LatestMigrationVersion failed: %v", err)
	}
	if latest != 2 {
		t.Errorf("expected latest version 2, got %d", latest)
	}

	if _, err := LatestMigrationVersion(fstest.MapFS{}); err == nil {
		t.Error("expected an error for an empty migrations FS")
	}
}

func TestMigrateUpDown(t *testing.T) {
	db := openUnmigrated(t)
	migrationsFS := MigrationsFS()

	version, dirty, err := db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("expected clean version 0 before migrations, got %d (dirty %v)", version, dirty)
	}

	// Up is idempotent
	for i := 0; i < 2; i++ {
		if err := db.MigrateUp(migrationsFS); err != nil {
			t.Fatalf("MigrateUp #%d failed: %v", i+1, err)
		}
	}
	version, _, err = db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	for _, table := range []string{"sweep_runs", "sweep_steps"} {
		if !tableExists(t, db, table) {
			t.Errorf("%s should exist after migration", table)
		}
	}

	if err := db.MigrateDown(migrationsFS); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err = db.MigrateVersion(migrationsFS)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after down migration, got %d", version)
	}
	if tableExists(t, db, "sweep_steps") {
		t.Error("sweep_steps should not exist after rolling back")
	}
	if !tableExists(t, db, "sweep_runs") {
		t.Error("sweep_runs should survive rolling back only the second migration")
	}
}

func TestMigrateUp_FailureLeavesDirty(t *testing.T) {
	db := openUnmigrated(t)
	broken := fstest.MapFS{
		"000001_ok.up.sql":    &fstest.MapFile{Data: []byte("CREATE TABLE t1 (id INTEGER);")},
		"000001_ok.down.sql":  &fstest.MapFile{Data: []byte("DROP TABLE t1;")},
		"000002_bad.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE ;")},
		"000002_bad.down.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
	}

	if err := db.MigrateUp(broken); err == nil {
		t.Fatal("expected MigrateUp to fail on invalid SQL")
	}
	version, dirty, err := db.MigrateVersion(broken)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || !dirty {
		t.Errorf("expected dirty version 2, got %d (dirty %v)", version, dirty)
	}

	// Recover by forcing back to the last good version
	if err := db.MigrateForce(broken, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}
	version, dirty, err = db.MigrateVersion(broken)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1 after force, got %d (dirty %v)", version, dirty)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	if err := RunMigrateCommand(&out, []string{"up"}, dbPath); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 2 (latest 2, dirty: false)") {
		t.Errorf("unexpected up output: %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, []string{"down"}, dbPath); err != nil {
		t.Fatalf("migrate down failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 1") {
		t.Errorf("unexpected down output: %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, []string{"status"}, dbPath); err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 1 (latest 2") {
		t.Errorf("unexpected status output: %q", out.String())
	}

	testCases := [][]string{
		{},
		{"sideways"},
		{"force"},
		{"force", "one"},
	}
	for _, args := range testCases {
		out.Reset()
		if err := RunMigrateCommand(&out, args, dbPath); err == nil {
			t.Errorf("RunMigrateCommand(%q) expected an error", args)
		}
	}

	out.Reset()
	if err := RunMigrateCommand(&out, []string{"help"}, dbPath); err != nil {
		t.Errorf("migrate help failed: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: posebench migrate") {
		t.Errorf("help output missing usage: %q", out.String())
	}
}
