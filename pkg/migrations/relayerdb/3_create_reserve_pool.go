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
		log.Println("creating reserve_pool table...")
		return mghelper.CreateSchema(ctx, db, &state.ReservePool{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping reserve_pool table...")
		return mghelper.DropTables(ctx, db, &state.ReservePool{})
	})
}
