package catalog

import "fmt"

// Table is one source relation discovered by the inspector.
type Table struct {
	OID             uint32
	QualName        string
	RowEstimate     int64
	SizeBytes       int64
	SplitCol        string
	RestoreListName string
}

// InsertTable records a table in the source catalog, replacing any prior
// row for the same OID (the inspector may re-run after a filter change).
func (c *Catalog) InsertTable(t Table) error {
	_, err := c.db.Exec(`INSERT INTO tables (oid, qualname, row_estimate, size_bytes, split_col, restore_list_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET qualname=excluded.qualname, row_estimate=excluded.row_estimate,
			size_bytes=excluded.size_bytes, split_col=excluded.split_col, restore_list_name=excluded.restore_list_name`,
		t.OID, t.QualName, t.RowEstimate, t.SizeBytes, nullable(t.SplitCol), nullable(t.RestoreListName))
	if err != nil {
		return fmt.Errorf("insert table %s: %w", t.QualName, err)
	}
	return nil
}

// ListTables returns every table in the catalog ordered by descending row
// estimate, so the copy pool's feeder schedules the largest tables first.
func (c *Catalog) ListTables() ([]Table, error) {
	rows, err := c.db.Query(`SELECT oid, qualname, row_estimate, size_bytes,
		COALESCE(split_col, ''), COALESCE(restore_list_name, '')
		FROM tables ORDER BY row_estimate DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.OID, &t.QualName, &t.RowEstimate, &t.SizeBytes, &t.SplitCol, &t.RestoreListName); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TablePart is one disjoint slice of a table assigned to a copy worker.
type TablePart struct {
	ID       int64
	TableOID uint32
	Lo, Hi   string // empty Lo/Hi with KeyKind "whole" means the entire table
	KeyKind  string // "whole", "range", "ctid"
	Status   string // "pending", "copying", "done", "failed"
}

// InsertTablePart records a planned part for a table.
func (c *Catalog) InsertTablePart(p TablePart) (int64, error) {
	res, err := c.db.Exec(`INSERT INTO table_parts (table_oid, lo, hi, key_kind, status) VALUES (?, ?, ?, ?, 'pending')`,
		p.TableOID, nullable(p.Lo), nullable(p.Hi), p.KeyKind)
	if err != nil {
		return 0, fmt.Errorf("insert table part: %w", err)
	}
	return res.LastInsertId()
}

// ListTableParts returns all parts for a table.
func (c *Catalog) ListTableParts(tableOID uint32) ([]TablePart, error) {
	rows, err := c.db.Query(`SELECT id, table_oid, COALESCE(lo,''), COALESCE(hi,''), key_kind, status
		FROM table_parts WHERE table_oid = ? ORDER BY id`, tableOID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TablePart
	for rows.Next() {
		var p TablePart
		if err := rows.Scan(&p.ID, &p.TableOID, &p.Lo, &p.Hi, &p.KeyKind, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPendingParts returns every part across all tables still pending,
// ordered to match the table feed order (largest row_estimate first).
func (c *Catalog) ListPendingParts() ([]TablePart, error) {
	rows, err := c.db.Query(`SELECT p.id, p.table_oid, COALESCE(p.lo,''), COALESCE(p.hi,''), p.key_kind, p.status
		FROM table_parts p JOIN tables t ON t.oid = p.table_oid
		WHERE p.status = 'pending' ORDER BY t.row_estimate DESC, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TablePart
	for rows.Next() {
		var p TablePart
		if err := rows.Scan(&p.ID, &p.TableOID, &p.Lo, &p.Hi, &p.KeyKind, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPartStatus transitions a part's status, stamping started_at/done_at.
func (c *Catalog) SetPartStatus(id int64, status string) error {
	switch status {
	case "copying":
		_, err := c.db.Exec(`UPDATE table_parts SET status=?, started_at=datetime('now') WHERE id=?`, status, id)
		return err
	case "done", "failed":
		_, err := c.db.Exec(`UPDATE table_parts SET status=?, done_at=datetime('now') WHERE id=?`, status, id)
		return err
	default:
		_, err := c.db.Exec(`UPDATE table_parts SET status=? WHERE id=?`, status, id)
		return err
	}
}

// TablePartsAllDone reports whether every part of a table finished copying,
// the precondition the vacuum pool and index pool wait on per table.
func (c *Catalog) TablePartsAllDone(tableOID uint32) (bool, error) {
	var pending int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM table_parts WHERE table_oid = ? AND status NOT IN ('done')`, tableOID).Scan(&pending)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
