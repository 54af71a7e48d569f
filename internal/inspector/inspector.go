// Package inspector surveys the source database's catalog (pg_class,
// pg_stat_user_tables, pg_index, pg_constraint, pg_sequences) and turns it
// into a concrete work plan recorded in the catalog store: one row per
// table with its partitioning decision already made, one row per index and
// constraint it carries, ready for the copy, index and vacuum worker pools
// to consume without touching pg_catalog themselves.
package inspector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/partition"
)

// Inspector surveys the source and populates the source catalog.
type Inspector struct {
	source *pgxpool.Pool
	cat    *catalog.Catalog
	split  SplitPolicy
	logger zerolog.Logger
}

// SplitPolicy carries the same-table partitioning thresholds from config.
type SplitPolicy struct {
	Threshold int64
	MaxParts  int
	NoCTID    bool
}

// New builds an Inspector that records its findings into cat.
func New(source *pgxpool.Pool, cat *catalog.Catalog, split SplitPolicy, logger zerolog.Logger) *Inspector {
	return &Inspector{source: source, cat: cat, split: split, logger: logger.With().Str("component", "inspector").Logger()}
}

type tableRow struct {
	oid         uint32
	schema      string
	name        string
	rowEstimate int64
	sizeBytes   int64
	pageCount   int64
	splitCol    string
	hasSplitCol bool
}

// Run surveys every ordinary user table, decides its partitioning, and
// records tables, table_parts, indexes and constraints into the catalog.
func (in *Inspector) Run(ctx context.Context) error {
	tables, err := in.listTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, t := range tables {
		qualName := qualifiedName(t.schema, t.name)
		if err := in.cat.InsertTable(catalog.Table{
			OID:         t.oid,
			QualName:    qualName,
			RowEstimate: t.rowEstimate,
			SizeBytes:   t.sizeBytes,
			SplitCol:    t.splitCol,
		}); err != nil {
			return fmt.Errorf("record table %s: %w", qualName, err)
		}

		parts := partition.Plan(t.rowEstimate, t.pageCount, t.splitCol, in.split.Threshold, in.split.MaxParts, in.split.NoCTID)
		for _, p := range parts {
			if _, err := in.cat.InsertTablePart(catalog.TablePart{
				TableOID: t.oid,
				Lo:       p.Lo,
				Hi:       p.Hi,
				KeyKind:  string(p.Kind),
			}); err != nil {
				return fmt.Errorf("record table part for %s: %w", qualName, err)
			}
		}
		in.logger.Info().Str("table", qualName).Int("parts", len(parts)).Int64("rows", t.rowEstimate).Msg("planned table")

		if err := in.recordIndexes(ctx, t.oid, qualName); err != nil {
			return err
		}
	}

	if err := in.recordSequences(ctx); err != nil {
		return err
	}
	return nil
}

func (in *Inspector) listTables(ctx context.Context) ([]tableRow, error) {
	rows, err := in.source.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
			GREATEST(COALESCE(s.n_live_tup, 0), COALESCE(c.reltuples::bigint, 0)) AS row_estimate,
			COALESCE(pg_table_size(c.oid), 0) AS size_bytes,
			COALESCE(c.relpages, 0) AS page_count,
			COALESCE((
				SELECT a.attname
				FROM pg_index i
				JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = i.indkey[0]
				WHERE i.indrelid = c.oid AND i.indisprimary AND i.indnatts = 1
				LIMIT 1
			), '') AS split_col
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE c.relkind = 'r'
			AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY pg_table_size(c.oid) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tableRow
	for rows.Next() {
		var t tableRow
		if err := rows.Scan(&t.oid, &t.schema, &t.name, &t.rowEstimate, &t.sizeBytes, &t.pageCount, &t.splitCol); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		t.hasSplitCol = t.splitCol != ""
		out = append(out, t)
	}
	return out, rows.Err()
}

func (in *Inspector) recordIndexes(ctx context.Context, tableOID uint32, qualName string) error {
	rows, err := in.source.Query(ctx, `
		SELECT i.indexrelid, pg_get_indexdef(i.indexrelid),
			COALESCE(con.contype IN ('p', 'u'), false),
			CASE WHEN con.oid IS NULL THEN '' ELSE
				format('ALTER TABLE %s ADD CONSTRAINT %I %s USING INDEX %I',
					i.indrelid::regclass, con.conname,
					CASE con.contype WHEN 'p' THEN 'PRIMARY KEY' ELSE 'UNIQUE' END,
					(SELECT relname FROM pg_class WHERE oid = i.indexrelid))
			END
		FROM pg_index i
		LEFT JOIN pg_constraint con ON con.conindid = i.indexrelid AND con.contype IN ('p', 'u')
		WHERE i.indrelid = $1`, tableOID)
	if err != nil {
		return fmt.Errorf("list indexes for %s: %w", qualName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx catalog.Index
		idx.TableOID = tableOID
		if err := rows.Scan(&idx.OID, &idx.Definition, &idx.IsConstraint, &idx.ConstraintSQL); err != nil {
			return fmt.Errorf("scan index for %s: %w", qualName, err)
		}
		if err := in.cat.InsertIndex(idx); err != nil {
			return fmt.Errorf("record index for %s: %w", qualName, err)
		}
	}
	return rows.Err()
}

func (in *Inspector) recordSequences(ctx context.Context) error {
	rows, err := in.source.Query(ctx, `
		SELECT c.oid, n.nspname || '.' || c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
			AND n.nspname NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s catalog.Sequence
		if err := rows.Scan(&s.OID, &s.QualName); err != nil {
			return fmt.Errorf("scan sequence: %w", err)
		}
		if err := in.cat.InsertSequence(s); err != nil {
			return fmt.Errorf("record sequence %s: %w", s.QualName, err)
		}
	}
	return rows.Err()
}

func qualifiedName(schema, name string) string {
	if schema == "" || schema == "public" {
		return name
	}
	return schema + "." + name
}
