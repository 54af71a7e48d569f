// Package transform turns a JSON segment file into a SQL batch file:
// internal/cdc/apply executes the result without knowing anything about the
// replication wire protocol that produced it. Consecutive same-table
// inserts within a transaction are coalesced into one multi-row INSERT;
// transaction boundaries are preserved by bracketing each one in
// "BEGIN; -- {header}" / "COMMIT; -- {header}" markers carrying the
// transaction's {xid, lsn} so apply can resume past whatever it already
// applied.
package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgclone/internal/cdc/message"
	"github.com/jfoltran/pgclone/internal/cdc/segment"
)

const insertBatchSize = 1000

// Header is the JSON comment emitted after BEGIN/COMMIT markers so a
// downstream reader (apply, or a human skimming the file) can recover the
// source transaction boundary without parsing SQL.
type Header struct {
	XID uint32 `json:"xid"`
	LSN string `json:"lsn"`
}

// Transformer renders one segment file's messages into SQL text.
type Transformer struct {
	relations map[uint32]*message.RelationMessage
}

// New creates a Transformer.
func New() *Transformer {
	return &Transformer{relations: make(map[uint32]*message.RelationMessage)}
}

// TransformFile reads a segment file and writes the equivalent SQL batch
// file, returning the highest commit LSN seen.
func (t *Transformer) TransformFile(segPath, outPath string) (pglogrepl.LSN, error) {
	r, err := segment.OpenReader(segPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := newBatchWriter(outPath)
	if err != nil {
		return 0, err
	}
	defer w.Close()

	var lastLSN pglogrepl.LSN
	var curXID uint32
	var curLSN pglogrepl.LSN
	var batch sqlBatch

	for {
		env, ok, err := r.Next()
		if err != nil {
			return lastLSN, fmt.Errorf("read segment %s: %w", segPath, err)
		}
		if !ok {
			break
		}
		switch {
		case env.Relation != nil:
			if err := w.flush(&batch); err != nil {
				return lastLSN, err
			}
			t.relations[env.Relation.RelationID] = env.Relation

		case env.Begin != nil:
			curXID = env.Begin.XID
			curLSN = env.Begin.TxnLSN
			if err := w.writeBegin(Header{XID: curXID, LSN: curLSN.String()}); err != nil {
				return lastLSN, err
			}

		case env.Change != nil:
			if err := t.appendChange(w, &batch, env.Change); err != nil {
				return lastLSN, err
			}

		case env.Commit != nil:
			if err := w.flush(&batch); err != nil {
				return lastLSN, err
			}
			if err := w.writeCommit(Header{XID: curXID, LSN: env.Commit.CommitLSN.String()}); err != nil {
				return lastLSN, err
			}
			lastLSN = env.Commit.CommitLSN
		}
	}
	return lastLSN, w.err()
}

func (t *Transformer) appendChange(w *batchWriter, batch *sqlBatch, m *message.ChangeMessage) error {
	if m.Op != message.OpInsert {
		if err := w.flush(batch); err != nil {
			return err
		}
		return w.writeStatement(renderNonInsert(m))
	}
	if batch.len() > 0 && !batch.matches(m) {
		if err := w.flush(batch); err != nil {
			return err
		}
	}
	if batch.len() == 0 {
		batch.reset(m.Namespace, m.Table)
	}
	batch.add(m)
	if batch.len() >= insertBatchSize {
		return w.flush(batch)
	}
	return nil
}

// sqlBatch accumulates consecutive same-table inserts, mirroring apply's
// insertBatch accumulator but rendering SQL text instead of executing rows
// directly.
type sqlBatch struct {
	namespace string
	table     string
	cols      []string
	rows      [][]string
}

func (b *sqlBatch) matches(m *message.ChangeMessage) bool {
	return b.namespace == m.Namespace && b.table == m.Table
}

func (b *sqlBatch) len() int { return len(b.rows) }

func (b *sqlBatch) reset(namespace, table string) {
	b.namespace = namespace
	b.table = table
	b.cols = nil
	b.rows = nil
}

func (b *sqlBatch) add(m *message.ChangeMessage) {
	if m.NewTuple == nil {
		return
	}
	if b.cols == nil {
		for _, c := range m.NewTuple.Columns {
			b.cols = append(b.cols, c.Name)
		}
	}
	row := make([]string, len(m.NewTuple.Columns))
	for i, c := range m.NewTuple.Columns {
		row[i] = sqlLiteral(c.Value)
	}
	b.rows = append(b.rows, row)
}

func (b *sqlBatch) render() string {
	if len(b.rows) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(qualifiedName(b.namespace, b.table))
	sb.WriteString(" (")
	for i, c := range b.cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(") VALUES ")
	for i, row := range b.rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		sb.WriteString(strings.Join(row, ", "))
		sb.WriteByte(')')
	}
	sb.WriteString(";")
	return sb.String()
}

func renderNonInsert(m *message.ChangeMessage) string {
	switch m.Op {
	case message.OpUpdate:
		return renderUpdate(m)
	case message.OpDelete:
		return renderDelete(m)
	default:
		return ""
	}
}

func renderUpdate(m *message.ChangeMessage) string {
	if m.NewTuple == nil {
		return ""
	}
	var sets []string
	for _, c := range m.NewTuple.Columns {
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(c.Name), sqlLiteral(c.Value)))
	}
	where := renderWhere(m)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s;", qualifiedName(m.Namespace, m.Table), strings.Join(sets, ", "), where)
}

func renderDelete(m *message.ChangeMessage) string {
	where := renderWhere(m)
	return fmt.Sprintf("DELETE FROM %s WHERE %s;", qualifiedName(m.Namespace, m.Table), where)
}

func renderWhere(m *message.ChangeMessage) string {
	source := m.OldTuple
	if source == nil {
		source = m.NewTuple
	}
	if source == nil {
		return "true"
	}
	var clauses []string
	for _, c := range source.Columns {
		clauses = append(clauses, fmt.Sprintf("%s = %s", quoteIdent(c.Name), sqlLiteral(c.Value)))
	}
	return strings.Join(clauses, " AND ")
}

func sqlLiteral(v []byte) string {
	if v == nil {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(string(v), "'", "''") + "'"
}

func qualifiedName(namespace, table string) string {
	if namespace == "" || namespace == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(namespace) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// batchWriter is the SQL batch file apply.ApplyBatchFile later reads back:
// one statement (or BEGIN/COMMIT marker) per line.
type batchWriter struct {
	f      *os.File
	w      *bufio.Writer
	outErr error
}

func newBatchWriter(path string) (*batchWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create batch file %s: %w", path, err)
	}
	return &batchWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (w *batchWriter) flush(b *sqlBatch) error {
	if b.len() == 0 {
		return nil
	}
	stmt := b.render()
	b.reset("", "")
	return w.writeStatement(stmt)
}

func (w *batchWriter) writeStatement(stmt string) error {
	if stmt == "" || w.outErr != nil {
		return w.outErr
	}
	if _, err := w.w.WriteString(stmt); err != nil {
		w.outErr = err
		return err
	}
	if _, err := w.w.WriteString("\n"); err != nil {
		w.outErr = err
	}
	return w.outErr
}

func (w *batchWriter) writeBegin(h Header) error  { return w.writeMarker("BEGIN", h) }
func (w *batchWriter) writeCommit(h Header) error { return w.writeMarker("COMMIT", h) }

func (w *batchWriter) writeMarker(kw string, h Header) error {
	b, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal batch header: %w", err)
	}
	_, werr := w.w.WriteString(fmt.Sprintf("%s; -- %s\n", kw, string(b)))
	if werr != nil {
		w.outErr = werr
	}
	return w.outErr
}

func (w *batchWriter) err() error { return w.outErr }

// Close flushes and closes the batch file.
func (w *batchWriter) Close() error {
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
