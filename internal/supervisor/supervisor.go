// Package supervisor orchestrates one end-to-end clone run: connect to
// source and target, export a snapshot, survey the schema into the
// catalog, then run the table-copy, index/constraint, vacuum, large-object
// and sequence-resync pools against that plan. It is the concrete
// replacement for the ad hoc decoder→filter→applier wiring the earlier
// migration pipeline built inline; here each concern is its own package and
// the supervisor's job is purely sequencing and concurrency control via
// errgroup, not owning any copy logic itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/copy"
	"github.com/jfoltran/pgclone/internal/indexer"
	"github.com/jfoltran/pgclone/internal/inspector"
	"github.com/jfoltran/pgclone/internal/lobject"
	"github.com/jfoltran/pgclone/internal/schema"
	"github.com/jfoltran/pgclone/internal/seqsync"
	"github.com/jfoltran/pgclone/internal/snapshot"
	"github.com/jfoltran/pgclone/internal/vacuum"
	"github.com/jfoltran/pgclone/internal/workdir"
)

// Supervisor drives a full clone (schema + data + large objects +
// sequences) against a working directory's catalog set.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	dir *workdir.Dir
	cat *catalog.Set

	source *pgxpool.Pool
	target *pgxpool.Pool

	onCopyEvent copy.ProgressFunc
}

// New builds a Supervisor. Connect must be called before Run.
func New(cfg *config.Config, dir *workdir.Dir, cat *catalog.Set, logger zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, dir: dir, cat: cat, logger: logger.With().Str("component", "supervisor").Logger()}
}

// OnCopyEvent registers a callback the table-copy pool reports start/done
// events through, for a caller (the CLI pipeline) to feed its own progress
// dashboard without the supervisor depending on any particular dashboard.
func (s *Supervisor) OnCopyEvent(fn copy.ProgressFunc) { s.onCopyEvent = fn }

// Connect opens the source and target connection pools.
func (s *Supervisor) Connect(ctx context.Context) error {
	connTimeout := 30 * time.Second

	srcPool, err := pgxpool.New(ctx, s.cfg.Source.DSN())
	if err != nil {
		return fmt.Errorf("source pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connTimeout)
	err = srcPool.Ping(pingCtx)
	cancel()
	if err != nil {
		srcPool.Close()
		return fmt.Errorf("source pool ping: %w", err)
	}
	s.source = srcPool

	dstCfg, err := pgxpool.ParseConfig(s.cfg.Dest.DSN())
	if err != nil {
		return fmt.Errorf("parse dest pool config: %w", err)
	}
	dstCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET session_replication_role = 'replica'")
		return err
	}
	dstPool, err := pgxpool.NewWithConfig(ctx, dstCfg)
	if err != nil {
		return fmt.Errorf("dest pool: %w", err)
	}
	pingCtx2, cancel2 := context.WithTimeout(ctx, connTimeout)
	err = dstPool.Ping(pingCtx2)
	cancel2()
	if err != nil {
		dstPool.Close()
		return fmt.Errorf("dest pool ping: %w", err)
	}
	s.target = dstPool

	s.logger.Info().Msg("source and target connections established")
	return nil
}

// SourcePool exposes the connected source pool, for callers (the CLI
// pipeline) that need a connection for concerns the supervisor itself
// doesn't own, such as replication-slot inspection.
func (s *Supervisor) SourcePool() *pgxpool.Pool { return s.source }

// TargetPool exposes the connected target pool.
func (s *Supervisor) TargetPool() *pgxpool.Pool { return s.target }

// Catalog exposes the catalog set the supervisor records its plan into.
func (s *Supervisor) Catalog() *catalog.Set { return s.cat }

// Close releases the connection pools.
func (s *Supervisor) Close() {
	if s.source != nil {
		s.source.Close()
	}
	if s.target != nil {
		s.target.Close()
	}
}

// Run executes the full clone: schema DDL, snapshot-consistent plan,
// parallel table copy, index/constraint build, vacuum, large objects and
// sequence resync. Large-object and vacuum phases honor cfg.Skip; index
// and vacuum job failures abort the run immediately under cfg.FailFast,
// or are collected and reported together once every job has been
// attempted otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	mgr := schema.NewManager(s.source, s.target, s.logger)
	ddl, err := mgr.DumpSchema(ctx, s.cfg.Source.DSN(), s.cfg.DropIfExists)
	if err != nil {
		return fmt.Errorf("dump source schema: %w", err)
	}
	if err := mgr.ApplySchema(ctx, ddl, s.cfg.Skip.Extensions, s.cfg.Skip.Collations); err != nil {
		return fmt.Errorf("apply schema to target: %w", err)
	}

	holder := snapshot.New(s.source, s.logger)
	snapID, err := holder.Open(ctx)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		if err := holder.Release(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("release snapshot")
		}
	}()
	if err := s.cat.Source.SaveSetup(catalog.Setup{SourceFingerprint: s.cfg.Source.DSN(), SnapshotID: snapID}); err != nil {
		return fmt.Errorf("save setup: %w", err)
	}

	insp := inspector.New(s.source, s.cat.Source, inspector.SplitPolicy{
		Threshold: s.cfg.Split.Threshold,
		MaxParts:  s.cfg.Split.MaxParts,
		NoCTID:    s.cfg.Split.NoCTID,
	}, s.logger)
	if err := insp.Run(ctx); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	seq := seqsync.New(s.source, s.target, s.cat.Source, s.logger)
	if err := seq.Discover(ctx); err != nil {
		return fmt.Errorf("discover sequences: %w", err)
	}
	if !s.cfg.Skip.LargeObjects {
		if err := lobject.DiscoverAll(ctx, s.source, s.cat.Source); err != nil {
			return fmt.Errorf("discover large objects: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.runTableCopy(gctx, snapID)
	})
	if !s.cfg.Skip.LargeObjects {
		g.Go(func() error {
			loPool := lobject.NewPool(s.source, s.target, s.cat.Source, s.cfg.Jobs.LOJobs, s.logger)
			return loPool.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	idxPool := indexer.NewPool(s.target, s.cfg.Jobs.IndexJobs, s.logger)
	idxJobs, err := s.pendingIndexJobs()
	if err != nil {
		return err
	}
	var failed []error
	for _, r := range idxPool.Run(ctx, idxJobs, s.tableReady) {
		if r.Err != nil {
			wrapped := fmt.Errorf("build index %d: %w", r.Job.Index.OID, r.Err)
			if s.cfg.FailFast {
				return wrapped
			}
			s.logger.Error().Err(wrapped).Msg("index build failed, continuing")
			failed = append(failed, wrapped)
		}
	}

	if !s.cfg.Skip.Vacuum {
		vacPool := vacuum.NewPool(s.target, s.cfg.Jobs.TableJobs, s.logger)
		vacJobs, err := s.vacuumJobs()
		if err != nil {
			return err
		}
		for _, r := range vacPool.Run(ctx, vacJobs, s.tableReady) {
			if r.Err != nil {
				wrapped := fmt.Errorf("analyze %s: %w", r.Job.QualName, r.Err)
				if s.cfg.FailFast {
					return wrapped
				}
				s.logger.Error().Err(wrapped).Msg("analyze failed, continuing")
				failed = append(failed, wrapped)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d worker job(s) failed: %w", len(failed), errors.Join(failed...))
	}

	if err := seq.Run(ctx); err != nil {
		return fmt.Errorf("resync sequences: %w", err)
	}

	s.logger.Info().Msg("clone run complete")
	return nil
}

func (s *Supervisor) runTableCopy(ctx context.Context, snapID string) error {
	pool := copy.NewPool(s.source, s.target, s.cfg.Jobs.TableJobs, s.logger)
	if s.onCopyEvent != nil {
		pool.OnEvent(s.onCopyEvent)
	}
	tables, err := s.cat.Source.ListTables()
	if err != nil {
		return fmt.Errorf("list planned tables: %w", err)
	}

	var jobs []copy.Job
	for _, t := range tables {
		parts, err := s.cat.Source.ListTableParts(t.OID)
		if err != nil {
			return fmt.Errorf("list parts for %s: %w", t.QualName, err)
		}
		for _, p := range parts {
			jobs = append(jobs, copy.Job{
				Part:          p,
				QualName:      t.QualName,
				SplitCol:      t.SplitCol,
				SnapshotName:  snapID,
				DropAndFreeze: len(parts) == 1 && s.cfg.DropIfExists,
			})
		}
	}

	results := pool.Run(ctx, jobs)
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("copy %s: %w", r.Job.QualName, r.Err)
		}
		if err := s.cat.Source.SetPartStatus(r.Job.Part.ID, "done"); err != nil {
			return fmt.Errorf("mark part done for %s: %w", r.Job.QualName, err)
		}
	}
	return nil
}

func (s *Supervisor) pendingIndexJobs() ([]indexer.Job, error) {
	idxs, err := s.cat.Source.ListPendingIndexes()
	if err != nil {
		return nil, fmt.Errorf("list pending indexes: %w", err)
	}
	jobs := make([]indexer.Job, len(idxs))
	for i, idx := range idxs {
		jobs[i] = indexer.Job{Index: idx, TableOID: idx.TableOID}
	}
	return jobs, nil
}

func (s *Supervisor) vacuumJobs() ([]vacuum.Job, error) {
	tables, err := s.cat.Source.ListTables()
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	jobs := make([]vacuum.Job, len(tables))
	for i, t := range tables {
		jobs[i] = vacuum.Job{QualName: t.QualName, TableOID: t.OID}
	}
	return jobs, nil
}

func (s *Supervisor) tableReady(tableOID uint32) (bool, error) {
	return s.cat.Source.TablePartsAllDone(tableOID)
}
