package followleader

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTickSwitchesPrefetchToReplayWhenDrained(t *testing.T) {
	m := New(func() int { return 0 }, func() bool { return false }, zerolog.Nop())
	m.Start()
	m.tick()
	if got := m.State(); got != "replay" {
		t.Fatalf("state = %q, want replay", got)
	}
}

func TestTickStaysPrefetchWhilePendingSegmentExists(t *testing.T) {
	m := New(func() int { return 0 }, func() bool { return true }, zerolog.Nop())
	m.Start()
	m.tick()
	if got := m.State(); got != "prefetch" {
		t.Fatalf("state = %q, want prefetch", got)
	}
}

func TestTickDoesNotFallBackOnBriefBacklogSpike(t *testing.T) {
	m := New(func() int { return backlogHigh + 1 }, func() bool { return false }, zerolog.Nop())
	m.set(stateReplay)
	m.tick()
	if got := m.State(); got != "replay" {
		t.Fatalf("state = %q, want replay (dwell not elapsed)", got)
	}
}

func TestTickFallsBackAfterSustainedBacklog(t *testing.T) {
	m := New(func() int { return backlogHigh + 1 }, func() bool { return false }, zerolog.Nop())
	m.set(stateReplay)
	m.highSince = time.Now().Add(-backlogHighDwell - time.Second)
	m.tick()
	if got := m.State(); got != "prefetch" {
		t.Fatalf("state = %q, want prefetch after sustained backlog", got)
	}
}

func TestFinishStopsRun(t *testing.T) {
	m := New(func() int { return 0 }, func() bool { return false }, zerolog.Nop())
	m.Finish()
	if got := m.State(); got != "finished" {
		t.Fatalf("state = %q, want finished", got)
	}

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Finish")
	}
}
