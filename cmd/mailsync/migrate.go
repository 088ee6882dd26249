package main

import (
	"github.com/spf13/cobra"

	"github.com/vdavid/mailsync/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed id sequences on every shard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, "migrate")
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := db.MigrateAll(ctx, rt.shards); err != nil {
				return err
			}
			rt.logger.Info().Ints("shards", rt.shards.Keys()).Msg("Migrations applied")
			return nil
		},
	}
}
