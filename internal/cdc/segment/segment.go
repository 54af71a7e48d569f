// Package segment persists receiver output as JSON-line segment files
// under the working directory's cdc/ folder, so apply can run behind the
// live receiver (prefetch/catchup) or right on top of it (replay) through
// the same Tailer, without re-reading the replication stream on resume.
// Each line is a tagged envelope around one message.Message so a reader can
// deserialize without a type switch on raw JSON.
package segment

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

const defaultRolloverBytes = 64 << 20 // 64 MiB per segment file

// SegmentPath returns the path of the idx'th (1-based) segment file under
// dir, the same naming convention Writer and Tailer use internally. It lets
// a standalone transform/apply pass over the directory without depending on
// Tailer.
func SegmentPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%08d.json", idx))
}

// Envelope is the on-disk JSON-line record for one message.
type Envelope struct {
	Kind    string              `json:"kind"`
	LSN     string              `json:"lsn"`
	Time    time.Time           `json:"time"`
	Begin   *message.BeginMessage    `json:"begin,omitempty"`
	Commit  *message.CommitMessage   `json:"commit,omitempty"`
	Relation *message.RelationMessage `json:"relation,omitempty"`
	Change  *message.ChangeMessage   `json:"change,omitempty"`
}

func toEnvelope(m message.Message) Envelope {
	e := Envelope{Kind: m.Kind().String(), LSN: m.LSN().String(), Time: m.Timestamp()}
	switch v := m.(type) {
	case *message.BeginMessage:
		e.Begin = v
	case *message.CommitMessage:
		e.Commit = v
	case *message.RelationMessage:
		e.Relation = v
	case *message.ChangeMessage:
		e.Change = v
	}
	return e
}

// ToMessage reconstructs the message.Message an envelope was built from, the
// inverse of toEnvelope. A Tailer uses this to feed segment file contents
// back into the same apply path a live receiver channel feeds.
func (e Envelope) ToMessage() (message.Message, error) {
	lsn, err := pglogrepl.ParseLSN(e.LSN)
	if err != nil {
		return nil, fmt.Errorf("parse envelope lsn %q: %w", e.LSN, err)
	}
	switch e.Kind {
	case message.KindBegin.String():
		if e.Begin == nil {
			return nil, fmt.Errorf("begin envelope missing body")
		}
		m := *e.Begin
		m.TxnLSN = lsn
		return &m, nil
	case message.KindCommit.String():
		if e.Commit == nil {
			return nil, fmt.Errorf("commit envelope missing body")
		}
		m := *e.Commit
		m.CommitLSN = lsn
		return &m, nil
	case message.KindRelation.String():
		if e.Relation == nil {
			return nil, fmt.Errorf("relation envelope missing body")
		}
		m := *e.Relation
		m.MsgLSN = lsn
		return &m, nil
	case message.KindChange.String():
		if e.Change == nil {
			return nil, fmt.Errorf("change envelope missing body")
		}
		m := *e.Change
		m.MsgLSN = lsn
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
}

// Writer drains a message channel into rolling JSON-line segment files.
type Writer struct {
	dir           string
	rolloverBytes int64

	cur      *os.File
	bufw     *bufio.Writer
	curBytes int64
	segIndex int
}

// NewWriter creates a segment writer rooted at dir (typically <workdir>/cdc).
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, rolloverBytes: defaultRolloverBytes}
}

// Drain consumes messages from ch until it closes, returning the last LSN
// written and any write error encountered.
func (w *Writer) Drain(ch <-chan message.Message) (pglogrepl.LSN, error) {
	var lastLSN pglogrepl.LSN
	for m := range ch {
		if err := w.write(m); err != nil {
			return lastLSN, err
		}
		lastLSN = m.LSN()
	}
	if err := w.Close(); err != nil {
		return lastLSN, err
	}
	return lastLSN, nil
}

// Write appends one message to the current segment file, flushing
// immediately so a concurrent Tailer reading the file from disk observes it
// without waiting for a rollover.
func (w *Writer) Write(m message.Message) error { return w.write(m) }

func (w *Writer) write(m message.Message) error {
	if w.cur == nil {
		if err := w.rollover(); err != nil {
			return err
		}
	}
	b, err := json.Marshal(toEnvelope(m))
	if err != nil {
		return fmt.Errorf("marshal message envelope: %w", err)
	}
	n, err := w.bufw.Write(append(b, '\n'))
	if err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	if err := w.bufw.Flush(); err != nil {
		return fmt.Errorf("flush segment: %w", err)
	}
	w.curBytes += int64(n)
	if w.curBytes >= w.rolloverBytes {
		return w.rollover()
	}
	return nil
}

func (w *Writer) rollover() error {
	if w.cur != nil {
		if err := w.bufw.Flush(); err != nil {
			return err
		}
		if err := w.cur.Close(); err != nil {
			return err
		}
	}
	w.segIndex++
	path := filepath.Join(w.dir, fmt.Sprintf("segment-%08d.json", w.segIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	w.cur = f
	w.bufw = bufio.NewWriter(f)
	w.curBytes = 0
	return nil
}

// Close flushes and closes the current segment file, if any.
func (w *Writer) Close() error {
	if w.cur == nil {
		return nil
	}
	if err := w.bufw.Flush(); err != nil {
		return err
	}
	return w.cur.Close()
}

// Reader replays a single segment file's envelopes in order.
type Reader struct {
	f       *os.File
	scanner *bufio.Scanner
}

// OpenReader opens one segment file for sequential reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	return &Reader{f: f, scanner: sc}, nil
}

// Next decodes the next envelope, returning (Envelope{}, false, nil) at EOF.
func (r *Reader) Next() (Envelope, bool, error) {
	if !r.scanner.Scan() {
		return Envelope{}, false, r.scanner.Err()
	}
	var e Envelope
	if err := json.Unmarshal(r.scanner.Bytes(), &e); err != nil {
		return Envelope{}, false, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, true, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
