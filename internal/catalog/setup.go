package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setup is written once when a run starts and read on every subsequent
// invocation against the same working directory, so pgclone can refuse to
// resume a run whose connection parameters or filter rules changed out
// from under it (errkind.ConfigMismatch).
type Setup struct {
	SourceFingerprint string
	TargetFingerprint string
	SnapshotID        string
	Plugin            string
	SlotName          string
	SplitThreshold    int64
	FilterFingerprint string
	CreatedAt         time.Time
}

// LoadSetup returns the recorded setup row, or (Setup{}, false, nil) if the
// catalog has never been initialized.
func (c *Catalog) LoadSetup() (Setup, bool, error) {
	var s Setup
	var createdAt string
	err := c.db.QueryRow(`SELECT source_fingerprint, COALESCE(target_fingerprint,''), COALESCE(snapshot_id,''),
		plugin, COALESCE(slot_name,''), split_threshold, COALESCE(filter_fingerprint,''), created_at
		FROM setup WHERE id = 1`).Scan(&s.SourceFingerprint, &s.TargetFingerprint, &s.SnapshotID,
		&s.Plugin, &s.SlotName, &s.SplitThreshold, &s.FilterFingerprint, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Setup{}, false, nil
	}
	if err != nil {
		return Setup{}, false, fmt.Errorf("load setup: %w", err)
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return s, true, nil
}

// SaveSetup writes the setup row, replacing any prior one. Callers should
// only do this on first inspection of a fresh working directory.
func (c *Catalog) SaveSetup(s Setup) error {
	_, err := c.db.Exec(`INSERT INTO setup (id, source_fingerprint, target_fingerprint, snapshot_id, plugin,
			slot_name, split_threshold, filter_fingerprint, created_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET source_fingerprint=excluded.source_fingerprint,
			target_fingerprint=excluded.target_fingerprint, snapshot_id=excluded.snapshot_id,
			plugin=excluded.plugin, slot_name=excluded.slot_name, split_threshold=excluded.split_threshold,
			filter_fingerprint=excluded.filter_fingerprint`,
		s.SourceFingerprint, s.TargetFingerprint, s.SnapshotID, s.Plugin, s.SlotName,
		s.SplitThreshold, s.FilterFingerprint, s.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save setup: %w", err)
	}
	return nil
}

// SetSnapshotID records the exported snapshot identifier once the snapshot
// holder process has started it.
func (c *Catalog) SetSnapshotID(id string) error {
	_, err := c.db.Exec(`UPDATE setup SET snapshot_id = ? WHERE id = 1`, id)
	return err
}
