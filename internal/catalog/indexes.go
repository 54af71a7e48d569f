package catalog

import "fmt"

// Index is one index discovered on a table, optionally backing a
// constraint that must be promoted only after the index build completes.
type Index struct {
	OID           uint32
	TableOID      uint32
	Definition    string // CREATE INDEX ... statement, already IF NOT EXISTS-safe
	IsConstraint  bool
	ConstraintSQL string // ALTER TABLE ... ADD CONSTRAINT ... USING INDEX ...
	Status        string
}

// InsertIndex records a planned index.
func (c *Catalog) InsertIndex(i Index) error {
	isConstraint := 0
	if i.IsConstraint {
		isConstraint = 1
	}
	_, err := c.db.Exec(`INSERT INTO indexes (oid, table_oid, definition, is_constraint, constraint_sql, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
		ON CONFLICT(oid) DO UPDATE SET definition=excluded.definition, is_constraint=excluded.is_constraint,
			constraint_sql=excluded.constraint_sql`,
		i.OID, i.TableOID, i.Definition, isConstraint, nullable(i.ConstraintSQL))
	if err != nil {
		return fmt.Errorf("insert index %d: %w", i.OID, err)
	}
	return nil
}

// ListPendingIndexes returns every index whose status is 'pending', in no
// particular order and without checking table readiness — callers filter
// by TablePartsAllDone themselves to keep this a cheap read.
func (c *Catalog) ListPendingIndexes() ([]Index, error) {
	rows, err := c.db.Query(`SELECT oid, table_oid, definition, is_constraint, COALESCE(constraint_sql,''), status
		FROM indexes WHERE status = 'pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Index
	for rows.Next() {
		var i Index
		var isConstraint int
		if err := rows.Scan(&i.OID, &i.TableOID, &i.Definition, &isConstraint, &i.ConstraintSQL, &i.Status); err != nil {
			return nil, err
		}
		i.IsConstraint = isConstraint == 1
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListIndexes returns every index recorded in the catalog regardless of
// status, for read-only reporting (e.g. the "list indexes" command).
func (c *Catalog) ListIndexes() ([]Index, error) {
	rows, err := c.db.Query(`SELECT oid, table_oid, definition, is_constraint, COALESCE(constraint_sql,''), status
		FROM indexes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Index
	for rows.Next() {
		var i Index
		var isConstraint int
		if err := rows.Scan(&i.OID, &i.TableOID, &i.Definition, &isConstraint, &i.ConstraintSQL, &i.Status); err != nil {
			return nil, err
		}
		i.IsConstraint = isConstraint == 1
		out = append(out, i)
	}
	return out, rows.Err()
}

// SetIndexStatus transitions an index's build/promotion status.
func (c *Catalog) SetIndexStatus(oid uint32, status string) error {
	_, err := c.db.Exec(`UPDATE indexes SET status=? WHERE oid=?`, status, oid)
	return err
}

// Sequence is one sequence resynced once at the end of a follow run.
type Sequence struct {
	OID       uint32
	QualName  string
	LastValue int64
	IsCalled  bool
	Status    string
}

// InsertSequence records a planned sequence resync.
func (c *Catalog) InsertSequence(s Sequence) error {
	called := 0
	if s.IsCalled {
		called = 1
	}
	_, err := c.db.Exec(`INSERT INTO sequences (oid, qualname, last_value, is_called, status)
		VALUES (?, ?, ?, ?, 'pending')
		ON CONFLICT(oid) DO UPDATE SET last_value=excluded.last_value, is_called=excluded.is_called`,
		s.OID, s.QualName, s.LastValue, called)
	return err
}

// ListSequences returns all sequences in the catalog.
func (c *Catalog) ListSequences() ([]Sequence, error) {
	rows, err := c.db.Query(`SELECT oid, qualname, last_value, is_called, status FROM sequences`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sequence
	for rows.Next() {
		var s Sequence
		var called int
		if err := rows.Scan(&s.OID, &s.QualName, &s.LastValue, &called, &s.Status); err != nil {
			return nil, err
		}
		s.IsCalled = called == 1
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSequenceStatus marks a sequence resynced or failed.
func (c *Catalog) SetSequenceStatus(oid uint32, status string) error {
	_, err := c.db.Exec(`UPDATE sequences SET status=? WHERE oid=?`, status, oid)
	return err
}

// LargeObject is one pg_largeobject_metadata row queued for byte-chunk copy.
type LargeObject struct {
	OID         uint32
	ChunkCursor int64
	Status      string
}

// InsertLargeObject records a planned large-object copy.
func (c *Catalog) InsertLargeObject(lo LargeObject) error {
	_, err := c.db.Exec(`INSERT INTO large_objects (oid, chunk_cursor, status) VALUES (?, 0, 'pending')
		ON CONFLICT(oid) DO NOTHING`, lo.OID)
	return err
}

// ListPendingLargeObjects returns large objects not yet fully copied.
func (c *Catalog) ListPendingLargeObjects() ([]LargeObject, error) {
	rows, err := c.db.Query(`SELECT oid, chunk_cursor, status FROM large_objects WHERE status != 'done'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LargeObject
	for rows.Next() {
		var lo LargeObject
		if err := rows.Scan(&lo.OID, &lo.ChunkCursor, &lo.Status); err != nil {
			return nil, err
		}
		out = append(out, lo)
	}
	return out, rows.Err()
}

// SetLargeObjectProgress updates a large object's resume cursor and status.
func (c *Catalog) SetLargeObjectProgress(oid uint32, cursor int64, status string) error {
	_, err := c.db.Exec(`UPDATE large_objects SET chunk_cursor=?, status=? WHERE oid=?`, cursor, status, oid)
	return err
}
