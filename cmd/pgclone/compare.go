package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/cluster"
	"github.com/jfoltran/pgclone/internal/compare"
	"github.com/jfoltran/pgclone/internal/schema"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare source and destination schemas and data",
	Long:  `Compare validates that the destination database matches the source in both schema and data.`,
}

var compareSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Compare table and column structure between source and destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		src, dst, err := connectPair(cmd)
		if err != nil {
			return err
		}
		defer src.Close()
		defer dst.Close()

		mgr := schema.NewManager(src, dst, logger)
		diff, err := mgr.CompareSchemas(cmd.Context())
		if err != nil {
			return fmt.Errorf("compare schema: %w", err)
		}

		if !diff.HasDifferences() {
			fmt.Println("schema matches")
			return nil
		}
		for _, t := range diff.MissingTables {
			fmt.Printf("missing on destination: %s\n", t)
		}
		for _, t := range diff.ExtraTables {
			fmt.Printf("extra on destination:   %s\n", t)
		}
		for _, c := range diff.ColumnDiffs {
			fmt.Printf("column mismatch: %s.%s source=%s dest=%s\n", c.Table, c.Column, c.SourceType, c.DestType)
		}
		return fmt.Errorf("schema differences found")
	},
}

var compareDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Checksum every table's rows on source and destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		src, dst, err := connectPair(cmd)
		if err != nil {
			return err
		}
		defer src.Close()
		defer dst.Close()

		mgr := schema.NewManager(src, dst, logger)
		tables, err := mgr.SourceTables(cmd.Context())
		if err != nil {
			return fmt.Errorf("list source tables: %w", err)
		}

		diffs, err := compare.Tables(cmd.Context(), src, dst, tables)
		if err != nil {
			return fmt.Errorf("compare data: %w", err)
		}
		if len(diffs) == 0 {
			fmt.Printf("all %d tables match\n", len(tables))
			return nil
		}
		for _, d := range diffs {
			fmt.Printf("%s: source rows=%d checksum=%x, dest rows=%d checksum=%x\n",
				d.QualName, d.SourceRows, d.SourceSum, d.TargetRows, d.TargetSum)
		}
		return fmt.Errorf("%d table(s) differ", len(diffs))
	},
}

var comparePreflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Introspect source and destination before a clone",
	Long: `Preflight connects to source and destination and reports version,
uptime, cluster size, and max_connections side by side so an operator can
catch a version mismatch or an undersized destination before committing to
a clone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		src, err := cluster.Introspect(cmd.Context(), cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("introspect source: %w", err)
		}
		dst, err := cluster.Introspect(cmd.Context(), cfg.Dest.DSN())
		if err != nil {
			return fmt.Errorf("introspect destination: %w", err)
		}

		fmt.Printf("%-20s %-30s %-30s\n", "", "source", "destination")
		fmt.Printf("%-20s %-30s %-30s\n", "version", src.Version, dst.Version)
		fmt.Printf("%-20s %-30s %-30s\n", "uptime", src.Uptime, dst.Uptime)
		fmt.Printf("%-20s %-30d %-30d\n", "max_connections", src.MaxConns, dst.MaxConns)
		fmt.Printf("%-20s %-30s %-30s\n", "cluster size", src.ClusterSize, dst.ClusterSize)

		if dst.ClusterBytes > 0 && src.ClusterBytes > dst.ClusterBytes {
			fmt.Printf("\nwarning: destination cluster is smaller than source (%s < %s)\n",
				dst.ClusterSize, src.ClusterSize)
		}
		if dst.MaxConns > 0 && dst.MaxConns < cfg.Snapshot.Workers+2 {
			fmt.Printf("\nwarning: destination max_connections (%d) leaves little headroom for %d copy workers\n",
				dst.MaxConns, cfg.Snapshot.Workers)
		}
		return nil
	},
}

func connectPair(cmd *cobra.Command) (src, dst *pgxpool.Pool, err error) {
	src, err = pgxpool.New(cmd.Context(), cfg.Source.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connect source: %w", err)
	}
	dst, err = pgxpool.New(cmd.Context(), cfg.Dest.DSN())
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("connect destination: %w", err)
	}
	return src, dst, nil
}

func init() {
	compareCmd.AddCommand(compareSchemaCmd)
	compareCmd.AddCommand(compareDataCmd)
	compareCmd.AddCommand(comparePreflightCmd)
	rootCmd.AddCommand(compareCmd)
}
