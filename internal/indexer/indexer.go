// Package indexer runs the index-build and constraint-promotion worker
// pool: it creates each index idempotently, then promotes it to a
// constraint only once the underlying index has finished and the index's
// owning table has finished copying — reusing an already-valid index
// avoids a second, redundant table scan that ALTER TABLE ... ADD
// CONSTRAINT would otherwise pay for.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/errkind"
)

// tableReadyPollInterval bounds how often a worker re-checks the catalog
// for its table's copy to finish, so idle workers don't spin against
// catalog.Catalog's single SQLite connection.
const tableReadyPollInterval = 250 * time.Millisecond

// Job is one index to build (and optionally promote to a constraint).
type Job struct {
	Index    catalog.Index
	TableOID uint32
}

// Result is the outcome of building (and promoting) one index.
type Result struct {
	Job Job
	Err error
}

// Pool builds indexes and promotes constraints across a bounded number of
// target connections.
type Pool struct {
	target  *pgxpool.Pool
	workers int
	logger  zerolog.Logger
}

// NewPool builds an index/constraint worker pool.
func NewPool(target *pgxpool.Pool, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{target: target, workers: workers, logger: logger.With().Str("component", "indexer").Logger()}
}

// Run builds every job's index, then promotes it to a constraint if one is
// attached, waiting on isTableReady to say the owning table's copy is done
// (spec invariant: a constraint is never promoted before its table is
// fully loaded).
func (p *Pool) Run(ctx context.Context, jobs []Job, isTableReady func(tableOID uint32) (bool, error)) []Result {
	work := make(chan Job, len(jobs))
	for _, j := range jobs {
		work <- j
	}
	close(work)

	results := make([]Result, 0, len(jobs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range work {
				r := p.build(ctx, j, isTableReady)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

func (p *Pool) build(ctx context.Context, j Job, isTableReady func(uint32) (bool, error)) Result {
	log := p.logger.With().Uint32("index_oid", j.Index.OID).Logger()

	if _, err := p.target.Exec(ctx, j.Index.Definition); err != nil && !isDuplicateObjectErr(err) {
		return Result{Job: j, Err: fmt.Errorf("build index: %w", err)}
	}
	log.Info().Msg("index built")

	if !j.Index.IsConstraint {
		return Result{Job: j}
	}

	for {
		ready, err := isTableReady(j.TableOID)
		if err != nil {
			return Result{Job: j, Err: fmt.Errorf("check table readiness: %w", err)}
		}
		if ready {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Job: j, Err: errkind.Cancelled}
		case <-time.After(tableReadyPollInterval):
		}
	}

	if _, err := p.target.Exec(ctx, j.Index.ConstraintSQL); err != nil && !isDuplicateObjectErr(err) {
		return Result{Job: j, Err: fmt.Errorf("%w: %v", errkind.ConstraintPromotionConflict, err)}
	}
	log.Info().Msg("constraint promoted")
	return Result{Job: j}
}

func isDuplicateObjectErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07", "42P16", "42710":
			return true
		}
	}
	return false
}
