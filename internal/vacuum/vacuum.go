// Package vacuum runs ANALYZE (optionally VACUUM ANALYZE) against each
// target table once all of its parts have finished copying, so the
// planner has fresh statistics before the database is handed back to
// application traffic. The supervisor runs it after the index pool has
// finished.
package vacuum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// tableReadyPollInterval bounds how often a worker re-checks the catalog
// for its table's copy to finish, so idle workers don't spin against
// catalog.Catalog's single SQLite connection.
const tableReadyPollInterval = 250 * time.Millisecond

// Job is one table to analyze.
type Job struct {
	QualName string
	TableOID uint32
	Full     bool // VACUUM ANALYZE instead of plain ANALYZE
}

// Result is the outcome of analyzing one table.
type Result struct {
	Job Job
	Err error
}

// Pool runs ANALYZE/VACUUM ANALYZE across a bounded number of target
// connections, mirroring the table-copy pool's worker-count bound since
// the two pools compete for the same class of target-side I/O.
type Pool struct {
	target  *pgxpool.Pool
	workers int
	logger  zerolog.Logger
}

// NewPool builds a vacuum/analyze worker pool.
func NewPool(target *pgxpool.Pool, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{target: target, workers: workers, logger: logger.With().Str("component", "vacuum").Logger()}
}

// Run analyzes every job, waiting on isTableReady to report the table's
// copy is fully done before touching it.
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
				r := p.analyze(ctx, j, isTableReady)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

func (p *Pool) analyze(ctx context.Context, j Job, isTableReady func(uint32) (bool, error)) Result {
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
			return Result{Job: j, Err: ctx.Err()}
		case <-time.After(tableReadyPollInterval):
		}
	}

	stmt := fmt.Sprintf("ANALYZE %s", j.QualName)
	if j.Full {
		stmt = fmt.Sprintf("VACUUM ANALYZE %s", j.QualName)
	}
	if _, err := p.target.Exec(ctx, stmt); err != nil {
		return Result{Job: j, Err: fmt.Errorf("analyze %s: %w", j.QualName, err)}
	}
	p.logger.Info().Str("table", j.QualName).Bool("full", j.Full).Msg("table analyzed")
	return Result{Job: j}
}
