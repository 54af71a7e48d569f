package transform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jfoltran/pgclone/internal/cdc/message"
	"github.com/jfoltran/pgclone/internal/cdc/segment"
)

func writeSegment(t *testing.T, dir string, msgs []message.Message) string {
	t.Helper()
	w := segment.NewWriter(dir)
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatalf("write %T: %v", m, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return segment.SegmentPath(dir, 1)
}

func TestTransformFileCoalescesConsecutiveInserts(t *testing.T) {
	dir := t.TempDir()
	row := func(id, amount string) *message.ChangeMessage {
		return &message.ChangeMessage{
			Op: message.OpInsert, Namespace: "public", Table: "orders",
			NewTuple: &message.TupleData{Columns: []message.Column{
				{Name: "id", Value: []byte(id)},
				{Name: "amount", Value: []byte(amount)},
			}},
		}
	}
	segPath := writeSegment(t, dir, []message.Message{
		&message.BeginMessage{TxnLSN: 10, XID: 99},
		row("1", "10.00"),
		row("2", "20.00"),
		&message.CommitMessage{CommitLSN: 11},
	})

	outPath := filepath.Join(dir, "out.sql")
	lsn, err := New().TransformFile(segPath, outPath)
	if err != nil {
		t.Fatalf("TransformFile: %v", err)
	}
	if lsn != 11 {
		t.Errorf("returned LSN = %v, want 11", lsn)
	}

	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out := string(b)
	if !strings.HasPrefix(out, "BEGIN; -- ") {
		t.Errorf("output does not start with BEGIN marker: %q", out)
	}
	if !strings.Contains(out, `INSERT INTO "orders" ("id", "amount") VALUES ('1', '10.00'), ('2', '20.00');`) {
		t.Errorf("inserts were not coalesced into one statement: %q", out)
	}
	if !strings.Contains(out, `"xid":99`) {
		t.Errorf("BEGIN header missing xid: %q", out)
	}
	if !strings.Contains(out, "COMMIT; -- ") {
		t.Errorf("output missing COMMIT marker: %q", out)
	}
}

func TestTransformFileBreaksBatchOnTableChange(t *testing.T) {
	dir := t.TempDir()
	insert := func(table, id string) *message.ChangeMessage {
		return &message.ChangeMessage{
			Op: message.OpInsert, Namespace: "public", Table: table,
			NewTuple: &message.TupleData{Columns: []message.Column{{Name: "id", Value: []byte(id)}}},
		}
	}
	segPath := writeSegment(t, dir, []message.Message{
		&message.BeginMessage{TxnLSN: 1, XID: 1},
		insert("orders", "1"),
		insert("customers", "2"),
		&message.CommitMessage{CommitLSN: 2},
	})

	outPath := filepath.Join(dir, "out.sql")
	if _, err := New().TransformFile(segPath, outPath); err != nil {
		t.Fatalf("TransformFile: %v", err)
	}
	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `INSERT INTO "orders"`) || !strings.Contains(out, `INSERT INTO "customers"`) {
		t.Errorf("expected a separate INSERT per table: %q", out)
	}
}

func TestTransformFileRendersUpdateAndDelete(t *testing.T) {
	dir := t.TempDir()
	upd := &message.ChangeMessage{
		Op: message.OpUpdate, Namespace: "public", Table: "orders",
		OldTuple: &message.TupleData{Columns: []message.Column{{Name: "id", Value: []byte("1")}}},
		NewTuple: &message.TupleData{Columns: []message.Column{{Name: "amount", Value: []byte("5")}}},
	}
	del := &message.ChangeMessage{
		Op: message.OpDelete, Namespace: "public", Table: "orders",
		OldTuple: &message.TupleData{Columns: []message.Column{{Name: "id", Value: []byte("1")}}},
	}
	segPath := writeSegment(t, dir, []message.Message{
		&message.BeginMessage{TxnLSN: 1, XID: 1},
		upd,
		del,
		&message.CommitMessage{CommitLSN: 2},
	})

	outPath := filepath.Join(dir, "out.sql")
	if _, err := New().TransformFile(segPath, outPath); err != nil {
		t.Fatalf("TransformFile: %v", err)
	}
	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, `UPDATE "orders" SET "amount" = '5' WHERE "id" = '1';`) {
		t.Errorf("unexpected UPDATE rendering: %q", out)
	}
	if !strings.Contains(out, `DELETE FROM "orders" WHERE "id" = '1';`) {
		t.Errorf("unexpected DELETE rendering: %q", out)
	}
}
