package supervisor

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/config"
)

func newTestCatalog(t *testing.T) *catalog.Set {
	t.Helper()
	set, err := catalog.OpenSet(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSet() error = %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func TestTableReadyReflectsPartStatus(t *testing.T) {
	set := newTestCatalog(t)
	if err := set.Source.InsertTable(catalog.Table{OID: 1, QualName: "accounts"}); err != nil {
		t.Fatalf("InsertTable() error = %v", err)
	}
	id, err := set.Source.InsertTablePart(catalog.TablePart{TableOID: 1, KeyKind: "whole"})
	if err != nil {
		t.Fatalf("InsertTablePart() error = %v", err)
	}

	s := &Supervisor{cat: set, cfg: &config.Config{}, logger: zerolog.Nop()}

	ready, err := s.tableReady(1)
	if err != nil {
		t.Fatalf("tableReady() error = %v", err)
	}
	if ready {
		t.Fatal("tableReady() = true before any part finished")
	}

	if err := set.Source.SetPartStatus(id, "done"); err != nil {
		t.Fatalf("SetPartStatus() error = %v", err)
	}
	ready, err = s.tableReady(1)
	if err != nil {
		t.Fatalf("tableReady() error = %v", err)
	}
	if !ready {
		t.Fatal("tableReady() = false after its sole part finished")
	}
}

func TestVacuumJobsCoverEveryTable(t *testing.T) {
	set := newTestCatalog(t)
	if err := set.Source.InsertTable(catalog.Table{OID: 1, QualName: "accounts"}); err != nil {
		t.Fatalf("InsertTable() error = %v", err)
	}
	if err := set.Source.InsertTable(catalog.Table{OID: 2, QualName: "orders"}); err != nil {
		t.Fatalf("InsertTable() error = %v", err)
	}

	s := &Supervisor{cat: set, cfg: &config.Config{}, logger: zerolog.Nop()}
	jobs, err := s.vacuumJobs()
	if err != nil {
		t.Fatalf("vacuumJobs() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("vacuumJobs() returned %d jobs, want 2", len(jobs))
	}
}

func TestPendingIndexJobsSkipsBuiltIndexes(t *testing.T) {
	set := newTestCatalog(t)
	if err := set.Source.InsertIndex(catalog.Index{OID: 10, TableOID: 1, Definition: "CREATE INDEX idx ON accounts(id)"}); err != nil {
		t.Fatalf("InsertIndex() error = %v", err)
	}
	if err := set.Source.InsertIndex(catalog.Index{OID: 11, TableOID: 1, Definition: "CREATE INDEX idx2 ON accounts(name)"}); err != nil {
		t.Fatalf("InsertIndex() error = %v", err)
	}
	if err := set.Source.SetIndexStatus(11, "done"); err != nil {
		t.Fatalf("SetIndexStatus() error = %v", err)
	}

	s := &Supervisor{cat: set, cfg: &config.Config{}, logger: zerolog.Nop()}
	jobs, err := s.pendingIndexJobs()
	if err != nil {
		t.Fatalf("pendingIndexJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].Index.OID != 10 {
		t.Fatalf("pendingIndexJobs() = %+v, want exactly the pending index 10", jobs)
	}
}

func TestNewSetsComponentLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	set := newTestCatalog(t)
	var buf bytes.Buffer
	s := New(&config.Config{}, nil, set, zerolog.New(&buf))
	if s == nil {
		t.Fatal("New() returned nil")
	}
	s.logger.Info().Msg("probe")
	if !strings.Contains(buf.String(), `"component":"supervisor"`) {
		t.Fatalf("logger output = %q, want component=supervisor", buf.String())
	}
	_ = dir
}
