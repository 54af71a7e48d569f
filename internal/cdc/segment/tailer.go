package segment

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

const defaultTailerPollInterval = 200 * time.Millisecond

// Tailer replays a segment directory in write order, continuously, the way
// a log shipper tails a growing file: it drains every sealed segment file
// in full (removing it once consumed) and then polls the newest file for
// more lines as a Writer appends to it. This is what lets one
// receiver->segment->apply chain serve both prefetch/catchup (the tailer is
// behind a backlog of sealed files) and live replay (the tailer is caught
// up to the file currently being written) without two different code
// paths: prefetch and replay are just two points on the same lag.
type Tailer struct {
	dir          string
	pollInterval time.Duration

	pending int32 // 1 while a sealed, not-yet-fully-drained segment file exists
}

// NewTailer creates a Tailer over dir (the same directory a Writer targets).
func NewTailer(dir string) *Tailer {
	return &Tailer{dir: dir, pollInterval: defaultTailerPollInterval}
}

// Pending reports whether a sealed segment file is still waiting to be
// drained, for followleader.PendingSegmentFunc.
func (t *Tailer) Pending() bool { return atomic.LoadInt32(&t.pending) != 0 }

// Run decodes segment files in order starting at index 1 and sends each
// message on out, blocking on ctx between files when caught up to the one
// currently being written. It returns when ctx is cancelled, closing out.
func (t *Tailer) Run(ctx context.Context, out chan<- message.Message) error {
	defer close(out)

	idx := 1
	sent := 0 // envelopes of the current file already sent on out
	for {
		path := SegmentPath(t.dir, idx)
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("stat segment %s: %w", path, err)
			}
			atomic.StoreInt32(&t.pending, 0)
			if err := t.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		sealed, err := t.sealed(idx)
		if err != nil {
			return err
		}
		if sealed {
			atomic.StoreInt32(&t.pending, 1)
		}

		n, drained, err := t.drainOnce(ctx, path, sent, out)
		if err != nil {
			return err
		}
		if !drained {
			return ctx.Err()
		}

		if sealed {
			_ = os.Remove(path)
			idx++
			sent = 0
			continue
		}
		sent = n

		atomic.StoreInt32(&t.pending, 0)
		if err := t.sleep(ctx); err != nil {
			return err
		}
	}
}

// drainOnce reads path from the start to its current EOF, sending every
// envelope after the first skip as a message.Message, and returns how many
// envelopes it read. It returns drained=false if ctx was cancelled mid-read.
func (t *Tailer) drainOnce(ctx context.Context, path string, skip int, out chan<- message.Message) (int, bool, error) {
	r, err := OpenReader(path)
	if err != nil {
		return 0, false, err
	}
	defer r.Close()

	n := 0
	for {
		env, ok, err := r.Next()
		if err != nil {
			return n, false, fmt.Errorf("read segment %s: %w", path, err)
		}
		if !ok {
			return n, true, nil
		}
		n++
		if n <= skip {
			continue
		}
		msg, err := env.ToMessage()
		if err != nil {
			return n, false, fmt.Errorf("decode segment %s: %w", path, err)
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return n, false, nil
		}
	}
}

func (t *Tailer) sealed(idx int) (bool, error) {
	return Sealed(t.dir, idx)
}

// Sealed reports whether the idx'th segment file has been rolled past (the
// next index's file already exists), meaning it is safe to transform/apply
// in full instead of treating it as still growing. A standalone
// transform/apply pass over the directory uses this directly, without a
// Tailer of its own.
func Sealed(dir string, idx int) (bool, error) {
	next := SegmentPath(dir, idx+1)
	if _, err := os.Stat(next); err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	} else {
		return false, err
	}
}

func (t *Tailer) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.pollInterval):
		return nil
	}
}
