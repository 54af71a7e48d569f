package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Read back the catalog built by the last schema survey",
	Long:  `List reads the on-disk catalog directly, so it works while a clone is running. The tables, table-parts, sequences and indexes subcommands never connect to a database; extensions and collations query the source live.`,
}

func openCatalogReadOnly() (*catalog.Set, error) {
	runDir := filepath.Join(cfg.WorkDir, "run")
	return catalog.OpenSet(runDir, logger)
}

var listTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List tables discovered on the source",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalogReadOnly()
		if err != nil {
			return err
		}
		defer cat.Close()

		tables, err := cat.Source.ListTables()
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Printf("%-40s rows=%-10d size=%d\n", t.QualName, t.RowEstimate, t.SizeBytes)
		}
		return nil
	},
}

var listTablePartsCmd = &cobra.Command{
	Use:   "table-parts",
	Short: "List same-table partitions planned for the copy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalogReadOnly()
		if err != nil {
			return err
		}
		defer cat.Close()

		tables, err := cat.Source.ListTables()
		if err != nil {
			return err
		}
		for _, t := range tables {
			parts, err := cat.Source.ListTableParts(t.OID)
			if err != nil {
				return err
			}
			for _, p := range parts {
				fmt.Printf("%-40s part=%-4d lo=%-12s hi=%-12s status=%s\n", t.QualName, p.ID, p.Lo, p.Hi, p.Status)
			}
		}
		return nil
	},
}

var listSequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "List sequences queued for resync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalogReadOnly()
		if err != nil {
			return err
		}
		defer cat.Close()

		seqs, err := cat.Source.ListSequences()
		if err != nil {
			return err
		}
		for _, s := range seqs {
			fmt.Printf("%-40s last_value=%-12d is_called=%-5t status=%s\n", s.QualName, s.LastValue, s.IsCalled, s.Status)
		}
		return nil
	},
}

var listIndexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "List indexes and constraints queued for build",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalogReadOnly()
		if err != nil {
			return err
		}
		defer cat.Close()

		idxs, err := cat.Source.ListIndexes()
		if err != nil {
			return err
		}
		for _, i := range idxs {
			kind := "index"
			if i.IsConstraint {
				kind = "constraint"
			}
			fmt.Printf("oid=%-10d table_oid=%-10d kind=%-10s status=%s\n", i.OID, i.TableOID, kind, i.Status)
		}
		return nil
	},
}

var listExtensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "List extensions installed on the source",
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

		rows, err := src.Query(cmd.Context(), `SELECT extname, extversion FROM pg_extension ORDER BY extname`)
		if err != nil {
			return fmt.Errorf("list extensions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name, version string
			if err := rows.Scan(&name, &version); err != nil {
				return err
			}
			fmt.Printf("%-30s %s\n", name, version)
		}
		return rows.Err()
	},
}

var listCollationsCmd = &cobra.Command{
	Use:   "collations",
	Short: "List non-default collations defined on the source",
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

		rows, err := src.Query(cmd.Context(), `
			SELECT n.nspname || '.' || c.collname, c.collcollate, c.collctype
			FROM pg_collation c
			JOIN pg_namespace n ON n.oid = c.collnamespace
			WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
			ORDER BY 1`)
		if err != nil {
			return fmt.Errorf("list collations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var name, collate, ctype string
			if err := rows.Scan(&name, &collate, &ctype); err != nil {
				return err
			}
			fmt.Printf("%-40s collate=%-20s ctype=%s\n", name, collate, ctype)
		}
		return rows.Err()
	},
}

func init() {
	listCmd.AddCommand(listTablesCmd)
	listCmd.AddCommand(listTablePartsCmd)
	listCmd.AddCommand(listSequencesCmd)
	listCmd.AddCommand(listIndexesCmd)
	listCmd.AddCommand(listExtensionsCmd)
	listCmd.AddCommand(listCollationsCmd)
	rootCmd.AddCommand(listCmd)
}
