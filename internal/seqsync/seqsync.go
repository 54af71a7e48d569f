// Package seqsync resyncs sequence values once, at the end of a copy or
// follow run. It is explicitly a one-shot operation: sequence advances
// during CDC streaming are not replayed, only captured at termination, so
// calling Run mid-stream produces a value that is correct only as of that
// instant.
package seqsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// Worker resyncs every sequence recorded in the catalog.
type Worker struct {
	source *pgxpool.Pool
	target *pgxpool.Pool
	cat    *catalog.Catalog
	logger zerolog.Logger
}

// New builds a sequence resync worker.
func New(source, target *pgxpool.Pool, cat *catalog.Catalog, logger zerolog.Logger) *Worker {
	return &Worker{source: source, target: target, cat: cat, logger: logger.With().Str("component", "seqsync").Logger()}
}

// Discover reads every sequence's current state from the source and
// records it in the catalog, for Run to apply later.
func (w *Worker) Discover(ctx context.Context) error {
	rows, err := w.source.Query(ctx, `
		SELECT c.oid, ps.schemaname || '.' || ps.sequencename, ps.last_value
		FROM pg_sequences ps
		JOIN pg_namespace n ON n.nspname = ps.schemaname
		JOIN pg_class c ON c.relname = ps.sequencename AND c.relnamespace = n.oid`)
	if err != nil {
		return fmt.Errorf("discover sequences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s catalog.Sequence
		var lastValue *int64
		if err := rows.Scan(&s.OID, &s.QualName, &lastValue); err != nil {
			return fmt.Errorf("scan sequence: %w", err)
		}
		if lastValue != nil {
			s.LastValue = *lastValue
			s.IsCalled = true
		}
		if err := w.cat.InsertSequence(s); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Run resyncs every pending sequence onto the target via setval.
func (w *Worker) Run(ctx context.Context) error {
	seqs, err := w.cat.ListSequences()
	if err != nil {
		return err
	}
	for _, s := range seqs {
		if s.Status == "done" {
			continue
		}
		if _, err := w.target.Exec(ctx, "SELECT setval($1, $2, $3)", s.QualName, s.LastValue, s.IsCalled); err != nil {
			_ = w.cat.SetSequenceStatus(s.OID, "failed")
			return fmt.Errorf("setval %s: %w", s.QualName, err)
		}
		if err := w.cat.SetSequenceStatus(s.OID, "done"); err != nil {
			return err
		}
		w.logger.Info().Str("sequence", s.QualName).Int64("last_value", s.LastValue).Msg("sequence resynced")
	}
	return nil
}
