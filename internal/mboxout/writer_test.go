package mboxout

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-mbox"
)

func TestAppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}

	msgs := []string{
		"From: alice@a.invalid\nDate: Mon, 10 Feb 2025 14:30:00 +0000\nSubject: one\n\nfirst body\n",
		"From: bob@b.invalid\nSubject: two\n\nsecond body\nFrom here it looks quoted\n",
	}
	for _, m := range msgs {
		if err := w.Append([]byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := mbox.NewReader(f)
	var subjects []string
	for {
		mr, err := r.NextMessage()
		if err != nil {
			break
		}
		body, err := io.ReadAll(mr)
		if err != nil {
			t.Fatal(err)
		}
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.HasPrefix(line, "Subject: ") {
				subjects = append(subjects, strings.TrimPrefix(line, "Subject: "))
			}
		}
	}
	if len(subjects) != 2 || subjects[0] != "one" || subjects[1] != "two" {
		t.Errorf("subjects = %v", subjects)
	}
}

func TestAppendDamagedHeadersStillWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append([]byte("not really a header block")); err != nil {
		t.Fatalf("append of damaged message failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "From listrescue@localhost") {
		t.Errorf("missing placeholder From_ line: %q", data)
	}
}
