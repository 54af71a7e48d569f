// Package lobject copies PostgreSQL large objects (pg_largeobject) between
// source and target. One metadata worker enumerates OIDs into the catalog;
// a bounded pool of data workers streams each object's bytes through
// pgx.LargeObjects in fixed chunks, recording a resume cursor so an
// interrupted object restarts from its last completed chunk rather than
// from scratch.
package lobject

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

const chunkSize = 1 << 20 // 1 MiB per read/write chunk

// DiscoverAll enumerates every large object on the source and records it in
// the catalog for the data-worker pool to pick up.
func DiscoverAll(ctx context.Context, source *pgxpool.Pool, cat *catalog.Catalog) error {
	rows, err := source.Query(ctx, `SELECT oid FROM pg_largeobject_metadata`)
	if err != nil {
		return fmt.Errorf("discover large objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return err
		}
		if err := cat.InsertLargeObject(catalog.LargeObject{OID: oid}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Pool copies large-object bytes across a bounded number of worker
// goroutines, each holding its own source and target transaction (large
// object functions are only valid within a transaction).
type Pool struct {
	source  *pgxpool.Pool
	target  *pgxpool.Pool
	cat     *catalog.Catalog
	workers int
	logger  zerolog.Logger
}

// NewPool builds a large-object copy worker pool.
func NewPool(source, target *pgxpool.Pool, cat *catalog.Catalog, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{source: source, target: target, cat: cat, workers: workers, logger: logger.With().Str("component", "lobject").Logger()}
}

// Run copies every pending large object.
func (p *Pool) Run(ctx context.Context) error {
	objs, err := p.cat.ListPendingLargeObjects()
	if err != nil {
		return err
	}
	work := make(chan catalog.LargeObject, len(objs))
	for _, o := range objs {
		work <- o
	}
	close(work)

	errCh := make(chan error, p.workers)
	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for o := range work {
				if err := p.copyOne(ctx, o); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) copyOne(ctx context.Context, o catalog.LargeObject) error {
	srcTx, err := p.source.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	tgtTx, err := p.target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin target tx: %w", err)
	}
	defer tgtTx.Rollback(ctx) //nolint:errcheck

	srcLOs := srcTx.LargeObjects()
	tgtLOs := tgtTx.LargeObjects()

	if o.ChunkCursor == 0 {
		// Object may not exist yet on a fresh target; only unlink a leftover
		// copy, since a failed lo_unlink would abort tgtTx.
		var exists bool
		if err := tgtTx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM pg_largeobject_metadata WHERE oid = $1)", o.OID).Scan(&exists); err != nil {
			return fmt.Errorf("check target large object %d: %w", o.OID, err)
		}
		if exists {
			if err := tgtLOs.Unlink(ctx, o.OID); err != nil {
				return fmt.Errorf("unlink target large object %d: %w", o.OID, err)
			}
		}
		if _, err := tgtLOs.Create(ctx, o.OID); err != nil {
			return fmt.Errorf("create target large object %d: %w", o.OID, err)
		}
	}

	srcObj, err := srcLOs.Open(ctx, o.OID, pgx.LargeObjectModeRead)
	if err != nil {
		return fmt.Errorf("open source large object %d: %w", o.OID, err)
	}
	tgtObj, err := tgtLOs.Open(ctx, o.OID, pgx.LargeObjectModeWrite)
	if err != nil {
		return fmt.Errorf("open target large object %d: %w", o.OID, err)
	}

	if o.ChunkCursor > 0 {
		if _, err := srcObj.Seek(ctx, o.ChunkCursor, io.SeekStart); err != nil {
			return fmt.Errorf("resume seek source %d: %w", o.OID, err)
		}
		if _, err := tgtObj.Seek(ctx, o.ChunkCursor, io.SeekStart); err != nil {
			return fmt.Errorf("resume seek target %d: %w", o.OID, err)
		}
	}

	buf := make([]byte, chunkSize)
	cursor := o.ChunkCursor
	for {
		n, rerr := srcObj.Read(ctx, buf)
		if n > 0 {
			if _, werr := tgtObj.Write(ctx, buf[:n]); werr != nil {
				return fmt.Errorf("write target large object %d: %w", o.OID, werr)
			}
			cursor += int64(n)
			if err := p.cat.SetLargeObjectProgress(o.OID, cursor, "copying"); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read source large object %d: %w", o.OID, rerr)
		}
	}

	if err := tgtTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit target large object %d: %w", o.OID, err)
	}
	if err := p.cat.SetLargeObjectProgress(o.OID, cursor, "done"); err != nil {
		return err
	}
	p.logger.Info().Uint32("oid", o.OID).Int64("bytes", cursor).Msg("large object copied")
	return nil
}
