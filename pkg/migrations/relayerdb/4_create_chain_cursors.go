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
		log.Println("creating chain_cursors table...")
		return mghelper.CreateSchema(ctx, db, &state.ChainCursor{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping chain_cursors table...")
		return mghelper.DropTables(ctx, db, &state.ChainCursor{})
	})
}
