package catalog

// ProgressItem is a generic work-item progress row, used by the metrics
// collector and the "pgclone status" summary to report across every pool
// without each pool needing its own reporting table.
type ProgressItem struct {
	WorkItemID string
	Kind       string // "table_part", "index", "vacuum", "sequence", "large_object"
	State      string
	Bytes      int64
}

// UpsertProgress records or updates a work item's progress row.
func (c *Catalog) UpsertProgress(p ProgressItem) error {
	_, err := c.db.Exec(`INSERT INTO progress (work_item_id, kind, state, bytes, started_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(work_item_id) DO UPDATE SET state=excluded.state, bytes=excluded.bytes,
			done_at = CASE WHEN excluded.state IN ('done','failed') THEN datetime('now') ELSE progress.done_at END`,
		p.WorkItemID, p.Kind, p.State, p.Bytes)
	return err
}

// CountByState returns how many progress rows of a given kind are in each
// state, used for the supervisor's end-of-run summary.
func (c *Catalog) CountByState(kind string) (map[string]int, error) {
	rows, err := c.db.Query(`SELECT state, COUNT(*) FROM progress WHERE kind = ? GROUP BY state`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}
