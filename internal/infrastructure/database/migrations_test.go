package database

import (
	"context"
	"testing"
)

// TestMigrate verifies the full schema applies cleanly.
func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// The changes table must exist and accept rows.
	_, err := db.ExecContext(ctx, `
		INSERT INTO changes (seq, category, backend, change_type, entity_id, payload, recorded_at)
		VALUES (1, 'devices', 'bluetooth', 'added', 'AA:00:00:00:00:01', '{}', '2026-02-14T09:00:00Z')
	`)
	if err != nil {
		t.Fatalf("insert into changes after migration: %v", err)
	}
}

// TestMigrateIdempotent verifies re-running migrations is a no-op.
func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != len(migrations) {
		t.Errorf("applied = %d, want %d", len(applied), len(migrations))
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

// TestMigrationVersionsOrdered guards against out-of-order history entries.
func TestMigrationVersionsOrdered(t *testing.T) {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migration %q not after %q", migrations[i].Version, migrations[i-1].Version)
		}
	}
}
