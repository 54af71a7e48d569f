package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export a source snapshot and hold it open until terminated",
	Long: `Snapshot opens one long-lived source connection, exports a transaction
snapshot, prints its identifier on stdout, and holds the transaction open
until the process receives a termination signal. Other pgclone invocations
can then import the printed snapshot identifier for a consistent read.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		pool, err := pgxpool.New(cmd.Context(), cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect to source: %w", err)
		}
		defer pool.Close()

		holder := snapshot.New(pool, logger)
		id, err := holder.Open(cmd.Context())
		if err != nil {
			return fmt.Errorf("export snapshot: %w", err)
		}
		defer holder.Release(cmd.Context()) //nolint:errcheck

		fmt.Println(id)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		holder.Hold(ctx)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
