package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestMigrateUpAndVersion(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "pace.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	version, dirty, err := db.MigrateVersion("migrations")
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("Expected version 0 clean before migration, got %d dirty=%v", version, dirty)
	}

	if err := db.MigrateUp("migrations"); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	version, dirty, err = db.MigrateVersion("migrations")
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version == 0 || dirty {
		t.Errorf("Expected nonzero clean version after migration, got %d dirty=%v", version, dirty)
	}

	// Running again is a no-op.
	if err := db.MigrateUp("migrations"); err != nil {
		t.Errorf("Second MigrateUp failed: %v", err)
	}

	// The migrated schema accepts writes to every history table.
	for _, table := range []string{"timing_snapshots", "telemetry_frames", "segment_results"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Errorf("Table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrateDown(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "pace.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.MigrateUp("migrations"); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateDown("migrations"); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}

	version, dirty, err := db.MigrateVersion("migrations")
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("Expected version 0 clean after rollback, got %d dirty=%v", version, dirty)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM segment_results").Scan(&count); err == nil {
		t.Error("Expected segment_results to be gone after rollback")
	}
}

func TestMigrateMissingDir(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "pace.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.MigrateUp(filepath.Join(t.TempDir(), "no-such-dir")); err == nil {
		t.Error("Expected error for missing migrations directory")
	}
}

func TestAttachAdminRoutes(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest("GET", "/debug/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code == http.StatusNotFound {
		t.Errorf("Expected /debug/ to be mounted, got %d", rec.Code)
	}
}
