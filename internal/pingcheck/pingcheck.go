// Package pingcheck provides a bounded-retry-with-backoff connectivity
// check for a quick "is this database reachable" probe.
package pingcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Result reports the outcome of a single ping attempt.
type Result struct {
	Reachable bool
	Version   string
	Attempts  int
	Latency   time.Duration
	Err       error
}

// Run connects to dsn, retrying with exponential backoff up to maxAttempts
// times, and reports the server version on success.
func Run(ctx context.Context, dsn string, maxAttempts int) Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := 250 * time.Millisecond
	const maxDelay = 5 * time.Second

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			var version string
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			qErr := pool.QueryRow(pingCtx, "SHOW server_version").Scan(&version)
			cancel()
			pool.Close()
			if qErr == nil {
				return Result{Reachable: true, Version: version, Attempts: attempt, Latency: time.Since(start)}
			}
			lastErr = qErr
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Reachable: false, Attempts: attempt, Latency: time.Since(start), Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}

	return Result{
		Reachable: false,
		Attempts:  maxAttempts,
		Latency:   time.Since(start),
		Err:       fmt.Errorf("connect after %d attempts: %w", maxAttempts, lastErr),
	}
}
