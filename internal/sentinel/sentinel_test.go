package sentinel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "target.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return New(cat, zerolog.Nop())
}

func TestSetAndGetRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)

	if err := c.SetStartPos(pglogrepl.LSN(100)); err != nil {
		t.Fatalf("SetStartPos: %v", err)
	}
	if err := c.SetEndPos(pglogrepl.LSN(500)); err != nil {
		t.Fatalf("SetEndPos: %v", err)
	}
	if err := c.SetApplyMode("apply"); err != nil {
		t.Fatalf("SetApplyMode: %v", err)
	}

	row, err := c.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.StartPos != pglogrepl.LSN(100).String() {
		t.Errorf("StartPos = %q", row.StartPos)
	}
	if row.EndPos != pglogrepl.LSN(500).String() {
		t.Errorf("EndPos = %q", row.EndPos)
	}
	if row.ApplyMode != "apply" {
		t.Errorf("ApplyMode = %q", row.ApplyMode)
	}
}

func TestSetApplyModeRejectsUnknownMode(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.SetApplyMode("bogus"); err == nil {
		t.Fatal("expected error for invalid apply mode")
	}
}

func TestRecordProgressIsVisibleToGet(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.RecordProgress(pglogrepl.LSN(10), pglogrepl.LSN(20), pglogrepl.LSN(30)); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	row, err := c.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.WriteLSN != pglogrepl.LSN(10).String() || row.FlushLSN != pglogrepl.LSN(20).String() || row.ReplayLSN != pglogrepl.LSN(30).String() {
		t.Errorf("unexpected progress row: %+v", row)
	}
}

func TestWaitForEndPosReturnsOnceSet(t *testing.T) {
	c := newTestCoordinator(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.SetEndPos(pglogrepl.LSN(999))
	}()

	lsn, err := c.WaitForEndPos(context.Background(), 5*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("WaitForEndPos: %v", err)
	}
	if lsn != pglogrepl.LSN(999) {
		t.Errorf("lsn = %v, want 999", lsn)
	}
}

func TestWaitForEndPosTimesOut(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.WaitForEndPos(context.Background(), 5*time.Millisecond, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
