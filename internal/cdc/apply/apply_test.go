package apply

import (
	"testing"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

func TestInsertBatchMatches(t *testing.T) {
	var b insertBatch
	b.reset("public", "orders")
	m := &message.ChangeMessage{Namespace: "public", Table: "orders"}
	if !b.matches(m) {
		t.Fatal("expected batch to match same namespace/table")
	}
	other := &message.ChangeMessage{Namespace: "public", Table: "customers"}
	if b.matches(other) {
		t.Fatal("expected batch not to match a different table")
	}
}

func TestInsertBatchAddCollectsColumnsOnce(t *testing.T) {
	var b insertBatch
	b.reset("public", "orders")
	row := func(id, amount string) *message.ChangeMessage {
		return &message.ChangeMessage{
			Namespace: "public", Table: "orders",
			NewTuple: &message.TupleData{Columns: []message.Column{
				{Name: "id", Value: []byte(id)},
				{Name: "amount", Value: []byte(amount)},
			}},
		}
	}
	b.add(row("1", "10.00"))
	b.add(row("2", "20.00"))

	if b.len() != 2 {
		t.Fatalf("len = %d, want 2", b.len())
	}
	if len(b.cols) != 2 || b.cols[0] != "id" || b.cols[1] != "amount" {
		t.Fatalf("unexpected cols: %v", b.cols)
	}
	if b.rows[1][0] != "2" || b.rows[1][1] != "20.00" {
		t.Fatalf("unexpected row values: %v", b.rows[1])
	}
}

func TestQualifiedNameOmitsPublicSchema(t *testing.T) {
	if got := qualifiedName("public", "orders"); got != `"orders"` {
		t.Errorf("qualifiedName public = %q", got)
	}
	if got := qualifiedName("billing", "orders"); got != `"billing"."orders"` {
		t.Errorf("qualifiedName billing = %q", got)
	}
}

func TestCachedStmtReusesBuiltQuery(t *testing.T) {
	a := &Applier{stmtCache: make(map[string]string)}
	calls := 0
	build := func() string {
		calls++
		return "SELECT 1"
	}
	a.cachedStmt("U", "public", "t", 1, 1, build)
	a.cachedStmt("U", "public", "t", 1, 1, build)
	if calls != 1 {
		t.Errorf("build called %d times, want 1", calls)
	}
}

func TestBuildWhereClausesPrefersOldTuple(t *testing.T) {
	a := &Applier{}
	m := &message.ChangeMessage{
		OldTuple: &message.TupleData{Columns: []message.Column{{Name: "id", Value: []byte("5")}}},
		NewTuple: &message.TupleData{Columns: []message.Column{
			{Name: "id", Value: []byte("5")},
			{Name: "balance", Value: []byte("1")},
		}},
	}
	clauses, vals := a.buildWhereClauses(m, 0)
	if len(clauses) != 1 || clauses[0] != `"id" = $1` {
		t.Fatalf("unexpected clauses: %v", clauses)
	}
	if len(vals) != 1 || vals[0] != "5" {
		t.Fatalf("unexpected vals: %v", vals)
	}
}
