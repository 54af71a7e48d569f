// Package copy is the table-copy worker pool. Each worker claims a
// catalog.TablePart and streams it from source to target using raw COPY
// protocol bytes piped through io.Pipe — it never decodes a row, so wire
// format (binary or text) and column encoding pass through untouched.
package copy

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/errkind"
	"github.com/jfoltran/pgclone/internal/partition"
)

// Job is one table part to copy, with enough context to build the SELECT
// and the split predicate without a further catalog round trip.
type Job struct {
	Part         catalog.TablePart
	QualName     string
	SplitCol     string
	SnapshotName string
	DropAndFreeze bool // true only when this is the sole whole-table part and --drop-if-exists was set
}

// Result is the outcome of copying one part.
type Result struct {
	Job        Job
	RowsCopied int64
	Err        error
}

// ProgressFunc reports per-part lifecycle events: "start" and "done"; a
// failed part is reported only through its Result.
type ProgressFunc func(j Job, event string, rowsCopied int64)

// Pool copies table parts concurrently across a bounded number of workers,
// each holding its own source and target connection for the lifetime of a
// part so a stream failure only aborts that one part (errkind.CopyAborted).
type Pool struct {
	source  *pgxpool.Pool
	target  *pgxpool.Pool
	workers int
	logger  zerolog.Logger
	onEvent ProgressFunc
}

// NewPool builds a copy worker pool over the given pools.
func NewPool(source, target *pgxpool.Pool, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{source: source, target: target, workers: workers, logger: logger.With().Str("component", "copy").Logger()}
}

// OnEvent registers the progress callback.
func (p *Pool) OnEvent(fn ProgressFunc) { p.onEvent = fn }

// Run drains jobs across the worker pool and returns once every job has
// been attempted once. It does not retry internally; callers decide
// whether a errkind.CopyAborted result is worth a second attempt on a
// fresh part.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
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
		go func(workerID int) {
			defer wg.Done()
			for j := range work {
				r := p.copyPart(ctx, j, workerID)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return results
}

func (p *Pool) report(j Job, event string, rows int64) {
	if p.onEvent != nil {
		p.onEvent(j, event, rows)
	}
}

func (p *Pool) copyPart(ctx context.Context, j Job, workerID int) Result {
	log := p.logger.With().Str("table", j.QualName).Int64("part", j.Part.ID).Int("worker", workerID).Logger()
	p.report(j, "start", 0)

	srcConn, err := p.source.Acquire(ctx)
	if err != nil {
		return Result{Job: j, Err: fmt.Errorf("acquire source conn: %w", err)}
	}
	defer srcConn.Release()

	tgtConn, err := p.target.Acquire(ctx)
	if err != nil {
		return Result{Job: j, Err: fmt.Errorf("acquire target conn: %w", err)}
	}
	defer tgtConn.Release()

	// TRUNCATE and the subsequent COPY ... FREEZE must run inside the same
	// transaction, or Postgres refuses the freeze optimization with
	// "cannot perform COPY FREEZE because of prior transaction activity".
	var tgtTx pgx.Tx
	tgtPgConn := tgtConn.Conn().PgConn()
	if j.DropAndFreeze {
		tgtTx, err = tgtConn.Begin(ctx)
		if err != nil {
			return Result{Job: j, Err: fmt.Errorf("begin target tx: %w", err)}
		}
		defer tgtTx.Rollback(ctx) //nolint:errcheck
		if _, err := tgtTx.Exec(ctx, fmt.Sprintf("TRUNCATE ONLY %s", j.QualName)); err != nil {
			return Result{Job: j, Err: fmt.Errorf("truncate %s: %w", j.QualName, err)}
		}
		tgtPgConn = tgtTx.Conn().PgConn()
	}

	selectSQL := buildSelect(j)
	copySrc := fmt.Sprintf("COPY (%s) TO STDOUT", selectSQL)
	copyTgt := fmt.Sprintf("COPY %s FROM STDIN", j.QualName)
	if j.DropAndFreeze {
		copyTgt = fmt.Sprintf("COPY %s FROM STDIN (FREEZE)", j.QualName)
	}

	r, w := io.Pipe()

	srcTxErrCh := make(chan error, 1)
	go func() {
		defer w.Close()
		srcTx, err := srcConn.Begin(ctx)
		if err != nil {
			w.CloseWithError(err)
			srcTxErrCh <- err
			return
		}
		defer srcTx.Rollback(ctx) //nolint:errcheck

		if _, err := srcTx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY"); err != nil {
			w.CloseWithError(err)
			srcTxErrCh <- err
			return
		}
		if j.SnapshotName != "" {
			if _, err := srcTx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", j.SnapshotName)); err != nil {
				w.CloseWithError(err)
				srcTxErrCh <- err
				return
			}
		}
		_, err = srcConn.Conn().PgConn().CopyTo(ctx, w, copySrc)
		if err != nil {
			w.CloseWithError(fmt.Errorf("%w: source copy: %v", errkind.CopyAborted, err))
			srcTxErrCh <- err
			return
		}
		srcTxErrCh <- nil
	}()

	tag, err := tgtPgConn.CopyFrom(ctx, r, copyTgt)
	if err != nil {
		<-srcTxErrCh
		return Result{Job: j, Err: fmt.Errorf("%w: target copy: %v", errkind.CopyAborted, err)}
	}
	if srcErr := <-srcTxErrCh; srcErr != nil {
		return Result{Job: j, Err: fmt.Errorf("%w: %v", errkind.CopyAborted, srcErr)}
	}
	if tgtTx != nil {
		if err := tgtTx.Commit(ctx); err != nil {
			return Result{Job: j, Err: fmt.Errorf("commit target tx: %w", err)}
		}
	}

	rows := tag.RowsAffected()
	log.Info().Int64("rows", rows).Msg("part copy complete")
	p.report(j, "done", rows)
	return Result{Job: j, RowsCopied: rows}
}

func buildSelect(j Job) string {
	pred := partition.Part{Lo: j.Part.Lo, Hi: j.Part.Hi, Kind: partition.KeyKind(j.Part.KeyKind)}.Predicate(j.SplitCol)
	if pred == "" {
		return fmt.Sprintf("SELECT * FROM %s", j.QualName)
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", j.QualName, pred)
}

// QuoteQualifiedName double-quotes a schema.table pair, omitting the schema
// when it is "public" to match how qualnames are stored in the catalog.
func QuoteQualifiedName(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

const progressReportInterval = 500 * time.Millisecond
