package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/cluster"
	"github.com/jfoltran/pgclone/internal/daemon"
	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/migrationstore"
	"github.com/jfoltran/pgclone/internal/server"
)

var (
	daemonPort        int
	daemonRegistryDSN string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run pgclone as a background service with a job queue and cluster registry",
	Long: `daemon backgrounds pgclone and exposes the dashboard API on --port.
Unlike "serve", which only shows the state of whatever ran in the current
process, the daemon holds a job manager that accepts clone/follow/switchover
requests over HTTP one at a time, and — when --registry-dsn points at a
Postgres database — a cluster registry and migration-record store so the
same daemon can drive several registered source/destination pairs by ID
instead of raw connection strings on every request.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		if daemon.IsDaemonProcess() {
			return runDaemonForeground(cmd.Context())
		}

		if _, alive := daemon.IsRunning(); alive {
			return fmt.Errorf("daemon is already running")
		}

		pid, err := daemon.Background(os.Args[1:])
		if err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		if err := daemon.WritePID(); err != nil {
			logger.Warn().Err(err).Msg("failed to record daemon PID from parent")
		}
		fmt.Printf("daemon started (pid %d)\n", pid)
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.Stop(); err != nil {
			return err
		}
		fmt.Println("daemon stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := daemon.StatusInfo(daemonPort)
		if !st.Running {
			fmt.Println("daemon is not running")
			return nil
		}
		fmt.Printf("daemon running (pid %d) at %s\n", st.PID, st.APIAddr)
		return nil
	},
}

func runDaemonForeground(ctx context.Context) error {
	if err := daemon.WritePID(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer daemon.RemovePID()

	collector := metrics.NewCollector(logger)
	defer collector.Close()

	srv := server.New(collector, &cfg, logger)
	srv.SetJobManager(daemon.NewJobManager(collector, logger))

	if daemonRegistryDSN != "" {
		pool, err := pgxpool.New(ctx, daemonRegistryDSN)
		if err != nil {
			return fmt.Errorf("connect to registry database: %w", err)
		}
		defer pool.Close()

		clusterStore := cluster.NewStore(pool)
		migrationStore := migrationstore.NewStore(pool)
		runner := migrationstore.NewRunner(ctx, migrationStore, clusterStore, logger)
		if err := runner.RecoverStale(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to recover stale migration records")
		}

		srv.SetClusterStore(clusterStore)
		srv.SetMigrationStore(migrationStore, runner)
	}

	logger.Info().Int("port", daemonPort).Msg("pgclone daemon listening")
	return srv.Start(ctx, daemonPort)
}

func init() {
	daemonCmd.PersistentFlags().IntVar(&daemonPort, "port", 7654, "HTTP API port")
	daemonCmd.PersistentFlags().StringVar(&daemonRegistryDSN, "registry-dsn", "",
		"Postgres DSN for the cluster registry and migration record store (enables multi-migration mode)")
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}
