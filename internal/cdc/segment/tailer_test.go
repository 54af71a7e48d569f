package segment

import (
	"context"
	"testing"
	"time"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

func TestTailerDrainsSealedSegmentsThenBlocksOnTheLast(t *testing.T) {
	dir := t.TempDir()

	w := NewWriter(dir)
	if err := w.Write(&message.BeginMessage{TxnLSN: 1, XID: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(&message.CommitMessage{CommitLSN: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.rollover(); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if err := w.Write(&message.BeginMessage{TxnLSN: 3, XID: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	tailer := NewTailer(dir)
	tailer.pollInterval = 10 * time.Millisecond
	out := make(chan message.Message, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx, out) }()

	got := 0
	deadline := time.After(time.Second)
	for got < 3 {
		select {
		case <-out:
			got++
		case <-deadline:
			t.Fatalf("only received %d of 3 messages before timeout", got)
		}
	}
	caughtUp := false
	for i := 0; i < 50; i++ {
		if !tailer.Pending() {
			caughtUp = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !caughtUp {
		t.Error("expected Pending() to report false once caught up to the live file")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
