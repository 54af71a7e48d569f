// Package sentinel coordinates cutover between a running CDC follow-leader
// process and the operator CLI that drives it. Unlike the in-memory
// coordinator this package started as, the sentinel is now a single
// persisted row (catalog.SentinelRow): the operator issues "stream sentinel
// set endpos/apply" from one invocation of the binary and the receiver/
// apply loop, running in a second invocation, discovers the change by
// polling that row. There is no in-process channel connecting them because
// there is no guarantee they share a process.
package sentinel

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

// Coordinator polls the persisted sentinel row for commands issued by a
// separate CLI invocation, and writes back progress for that CLI to read.
type Coordinator struct {
	cat    *catalog.Catalog
	logger zerolog.Logger
}

// New builds a sentinel Coordinator backed by cat.
func New(cat *catalog.Catalog, logger zerolog.Logger) *Coordinator {
	return &Coordinator{cat: cat, logger: logger.With().Str("component", "sentinel").Logger()}
}

// Get returns the current sentinel row, the CLI-facing "stream sentinel
// get" operation.
func (c *Coordinator) Get() (catalog.SentinelRow, error) {
	return c.cat.GetSentinel()
}

// SetStartPos is the CLI-facing "stream sentinel set startpos" operation.
func (c *Coordinator) SetStartPos(lsn pglogrepl.LSN) error {
	return c.cat.SetSentinelStartPos(lsn.String())
}

// SetEndPos is the CLI-facing "stream sentinel set endpos" operation. A
// zero LSN means "stream indefinitely".
func (c *Coordinator) SetEndPos(lsn pglogrepl.LSN) error {
	return c.cat.SetSentinelEndPos(lsn.String())
}

// SetApplyMode is the CLI-facing "stream sentinel set apply/prefetch"
// operation that drives the prefetch/replay switch an operator forces
// ahead of a planned cutover.
func (c *Coordinator) SetApplyMode(mode string) error {
	return c.cat.SetSentinelApplyMode(mode)
}

// RecordProgress is called by the running receiver/applier to publish its
// current watermarks for a concurrent "stream sentinel get" to observe.
func (c *Coordinator) RecordProgress(writeLSN, flushLSN, replayLSN pglogrepl.LSN) error {
	return c.cat.RecordProgress(writeLSN.String(), flushLSN.String(), replayLSN.String())
}

// WaitForEndPos polls the sentinel row until EndPos holds a non-zero LSN
// (the row's default is '0/0'), ctx is cancelled, or timeout elapses — used by a
// follow-leader loop that needs to block until an operator commits to a
// cutover point.
func (c *Coordinator) WaitForEndPos(ctx context.Context, pollInterval, timeout time.Duration) (pglogrepl.LSN, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		row, err := c.cat.GetSentinel()
		if err != nil {
			return 0, err
		}
		lsn, err := pglogrepl.ParseLSN(row.EndPos)
		if err != nil {
			return 0, fmt.Errorf("parse sentinel endpos %q: %w", row.EndPos, err)
		}
		if lsn != 0 {
			return lsn, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return 0, fmt.Errorf("timed out after %s waiting for sentinel endpos", timeout)
			}
		}
	}
}
