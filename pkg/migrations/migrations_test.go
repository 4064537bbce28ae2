package migrations

import (
	"context"
	"testing"

	"github.com/uptrace/bun/migrate"

	"github.com/zenzlabs/zenz-relayer/pkg/migrations/relayerdb"
	"github.com/zenzlabs/zenz-relayer/pkg/pgutil"
)

func TestRelayerDBMigrations_Apply(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)

	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if group.IsZero() {
		t.Error("Expected migrations to run, but none were applied")
	}

	expectedTables := []string{
		"events",
		"settlements",
		"reserve_pool",
		"chain_cursors",
		"audit_log",
		"bun_migrations",
	}
	for _, table := range expectedTables {
		pgutil.AssertTableExists(t, db, table)
	}

	pgutil.AssertIndexExists(t, db, "idx_events_source_tx")
	pgutil.AssertIndexExists(t, db, "idx_settlements_status")
	pgutil.AssertIndexExists(t, db, "idx_settlements_asset")
	pgutil.AssertIndexExists(t, db, "idx_audit_log_event_id")
}

func TestRelayerDBMigrations_Rollback(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)

	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	// One rollback reverts the last migration group; a single up run
	// groups all migrations, so everything comes back down.
	group, err := migrator.Rollback(ctx)
	if err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if group.IsZero() {
		t.Error("Expected rollback to revert migrations, but none were reverted")
	}

	pgutil.AssertTableNotExists(t, db, "events")
	pgutil.AssertTableNotExists(t, db, "settlements")
	pgutil.AssertTableNotExists(t, db, "reserve_pool")
	pgutil.AssertTableNotExists(t, db, "chain_cursors")
	pgutil.AssertTableNotExists(t, db, "audit_log")
}
