package apply

import "testing"

func TestParseHeaderComment(t *testing.T) {
	h := parseHeaderComment(`BEGIN; -- {"xid":42,"lsn":"0/16B3748"}`)
	if h.XID != 42 || h.LSN != "0/16B3748" {
		t.Fatalf("parsed header = %+v", h)
	}
}

func TestParseHeaderCommentNoComment(t *testing.T) {
	h := parseHeaderComment("COMMIT;")
	if h.XID != 0 || h.LSN != "" {
		t.Fatalf("expected zero header for marker with no comment, got %+v", h)
	}
}
