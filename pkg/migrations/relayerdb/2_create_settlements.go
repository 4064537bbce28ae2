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
		log.Println("creating settlements table...")
		if err := mghelper.CreateSchema(ctx, db, &state.Settlement{}); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &state.Settlement{}, "status", "asset", "updated_at")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping settlements table...")
		return mghelper.DropTables(ctx, db, &state.Settlement{})
	})
}
