package repair

import (
	"testing"

	"github.com/eslider/listrescue/internal/mimetree"
)

func parseMsg(t *testing.T, raw string) *mimetree.Part {
	t.Helper()
	root, err := mimetree.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return root
}

func TestRepairHeadersAngleBracketForm(t *testing.T) {
	root := parseMsg(t, "From: Jane Doe <jane@...>\nSubject: hi\n\nbody\n")
	RepairHeaders(root, "jane123")

	if got := root.Header.Get("From"); got != "Jane Doe <jane@jane123.invalid>" {
		t.Errorf("From = %q", got)
	}
	if got := root.Header.Get("X-Original-Redacted-From"); got != "Jane Doe <jane@...>" {
		t.Errorf("backup = %q", got)
	}
}

func TestRepairHeadersBareSuffixForm(t *testing.T) {
	root := parseMsg(t, "Return-Path: jane@...\n\nbody\n")
	RepairHeaders(root, "42")

	if got := root.Header.Get("Return-Path"); got != "jane@42.invalid" {
		t.Errorf("Return-Path = %q", got)
	}
	if got := root.Header.Get("X-Original-Redacted-Return-Path"); got != "jane@..." {
		t.Errorf("backup = %q", got)
	}
}

func TestRepairHeadersIdempotent(t *testing.T) {
	root := parseMsg(t, "From: Jane <jane@...>\nX-Sender: jane@...\n\nbody\n")
	RepairHeaders(root, "jane123")
	first := string(root.Bytes())

	RepairHeaders(root, "jane123")
	if second := string(root.Bytes()); second != first {
		t.Errorf("second repair changed the message:\n%s\nvs\n%s", first, second)
	}
}

func TestRepairHeadersNoPseudonym(t *testing.T) {
	raw := "From: Jane <jane@...>\n\nbody\n"
	root := parseMsg(t, raw)
	RepairHeaders(root, "")

	if got := root.Header.Get("From"); got != "Jane <jane@...>" {
		t.Errorf("From modified without pseudonym: %q", got)
	}
	if root.Header.Has("X-Original-Redacted-From") {
		t.Error("backup header added without pseudonym")
	}
}

func TestRepairHeadersUntouchedWhenNotRedacted(t *testing.T) {
	root := parseMsg(t, "From: Jane <jane@example.com>\n\nbody\n")
	RepairHeaders(root, "jane123")

	if got := root.Header.Get("From"); got != "Jane <jane@example.com>" {
		t.Errorf("intact From rewritten: %q", got)
	}
	if root.Header.Has("X-Original-Redacted-From") {
		t.Error("backup header added for intact From")
	}
}

func TestRepairHeadersOnlyAllowListed(t *testing.T) {
	root := parseMsg(t, "Reply-To: jane@...\n\nbody\n")
	RepairHeaders(root, "jane123")

	if got := root.Header.Get("Reply-To"); got != "jane@..." {
		t.Errorf("Reply-To should not be repaired, got %q", got)
	}
}
