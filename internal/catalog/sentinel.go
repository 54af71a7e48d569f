package catalog

import "fmt"

// SentinelRow is the single persisted remote-control row a running follow
// leader polls and an operator CLI reads and writes — the file-backed
// analogue of a shared control table, since pgclone has no long-lived
// server process to hold it in memory across separate CLI invocations.
type SentinelRow struct {
	StartPos  string
	EndPos    string
	ApplyMode string // "prefetch" or "apply"
	WriteLSN  string
	FlushLSN  string
	ReplayLSN string
}

// GetSentinel reads the single sentinel row.
func (c *Catalog) GetSentinel() (SentinelRow, error) {
	var s SentinelRow
	err := c.db.QueryRow(`SELECT startpos, endpos, apply_mode, write_lsn, flush_lsn, replay_lsn FROM sentinel WHERE id = 1`).
		Scan(&s.StartPos, &s.EndPos, &s.ApplyMode, &s.WriteLSN, &s.FlushLSN, &s.ReplayLSN)
	if err != nil {
		return SentinelRow{}, fmt.Errorf("read sentinel: %w", err)
	}
	return s, nil
}

// SetSentinelStartPos sets the LSN CDC streaming should (re)start from.
func (c *Catalog) SetSentinelStartPos(lsn string) error {
	_, err := c.db.Exec(`UPDATE sentinel SET startpos = ? WHERE id = 1`, lsn)
	return err
}

// SetSentinelEndPos sets the LSN at which the receiver should stop and
// report errkind.EndposReached.
func (c *Catalog) SetSentinelEndPos(lsn string) error {
	_, err := c.db.Exec(`UPDATE sentinel SET endpos = ? WHERE id = 1`, lsn)
	return err
}

// SetSentinelApplyMode switches between "prefetch" (write SQL batches to
// disk only) and "apply" (also replay them against the target), the
// operator-facing half of the cutover protocol.
func (c *Catalog) SetSentinelApplyMode(mode string) error {
	if mode != "prefetch" && mode != "apply" {
		return fmt.Errorf("invalid apply mode %q, want prefetch or apply", mode)
	}
	_, err := c.db.Exec(`UPDATE sentinel SET apply_mode = ? WHERE id = 1`, mode)
	return err
}

// RecordProgress updates the LSN watermarks a running receiver/applier
// reports back, so a separate "pgclone stream sentinel get" invocation from
// another process can observe live progress.
func (c *Catalog) RecordProgress(writeLSN, flushLSN, replayLSN string) error {
	_, err := c.db.Exec(`UPDATE sentinel SET write_lsn = ?, flush_lsn = ?, replay_lsn = ? WHERE id = 1`,
		writeLSN, flushLSN, replayLSN)
	return err
}
