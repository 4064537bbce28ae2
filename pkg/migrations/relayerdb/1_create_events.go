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
		log.Println("creating events table...")
		if err := mghelper.CreateSchema(ctx, db, &state.Event{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &state.Event{}, "source_tx", "kind")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping events table...")
		return mghelper.DropTables(ctx, db, &state.Event{})
	})
}
