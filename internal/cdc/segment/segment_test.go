package segment

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

func TestEnvelopeRoundTripsThroughToMessage(t *testing.T) {
	orig := &message.ChangeMessage{
		Op:        message.OpInsert,
		Namespace: "public",
		Table:     "orders",
		NewTuple: &message.TupleData{Columns: []message.Column{
			{Name: "id", Value: []byte("1")},
		}},
		MsgLSN:  0x16,
		MsgTime: time.Unix(100, 0).UTC(),
	}
	env := toEnvelope(orig)
	got, err := env.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage: %v", err)
	}
	cm, ok := got.(*message.ChangeMessage)
	if !ok {
		t.Fatalf("got %T, want *message.ChangeMessage", got)
	}
	if cm.LSN() != orig.MsgLSN || cm.Table != orig.Table || cm.NewTuple.Columns[0].Value[0] != '1' {
		t.Fatalf("round trip mismatch: %+v", cm)
	}
}

func TestSegmentPathNaming(t *testing.T) {
	got := SegmentPath("/tmp/cdc", 3)
	want := filepath.Join("/tmp/cdc", "segment-00000003.json")
	if got != want {
		t.Errorf("SegmentPath = %q, want %q", got, want)
	}
}

func TestWriterDrainThenReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	ch := make(chan message.Message, 2)
	ch <- &message.BeginMessage{TxnLSN: 1, XID: 7}
	ch <- &message.CommitMessage{CommitLSN: 2}
	close(ch)

	if _, err := w.Drain(ch); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	sealed, err := Sealed(dir, 1)
	if err != nil {
		t.Fatalf("Sealed: %v", err)
	}
	if sealed {
		t.Fatal("expected single segment file to not be sealed (no segment-2 exists)")
	}

	r, err := OpenReader(SegmentPath(dir, 1))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	env, ok, err := r.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %+v, %v, %v", env, ok, err)
	}
	if env.Kind != message.KindBegin.String() {
		t.Errorf("first envelope kind = %q, want Begin", env.Kind)
	}

	env, ok, err = r.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %+v, %v, %v", env, ok, err)
	}
	if env.Kind != message.KindCommit.String() {
		t.Errorf("second envelope kind = %q, want Commit", env.Kind)
	}

	if _, ok, err := r.Next(); err != nil || ok {
		t.Fatalf("expected EOF, got ok=%v err=%v", ok, err)
	}
}
