package relayerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	mghelper "github.com/zenzlabs/zenz-relayer/pkg/pgutil/migrations"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating audit_log table...")
		if err := mghelper.CreateSchema(ctx, db, &state.AuditEntry{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &state.AuditEntry{}, "event_id")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping audit_log table...")
		return mghelper.DropTables(ctx, db, &state.AuditEntry{})
	})
}
