// Package mboxout appends repaired messages to the consolidated mailbox
// file in stable message-id order.
package mboxout

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"time"

	"github.com/emersion/go-mbox"
)

// Writer serializes repaired messages into a single mbox file. Not safe for
// concurrent use; the reconstruction stage is sequential by design.
type Writer struct {
	f *os.File
	w *mbox.Writer
}

// Create truncates or creates the mailbox file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create mailbox %s: %w", path, err)
	}
	return &Writer{f: f, w: mbox.NewWriter(f)}, nil
}

// Append writes one message. The envelope sender and date are recovered
// from the message's own headers, falling back to a fixed placeholder so a
// damaged header never blocks the append.
func (w *Writer) Append(raw []byte) error {
	from, date := envelope(raw)
	mw, err := w.w.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("create mbox entry: %w", err)
	}
	if _, err := mw.Write(raw); err != nil {
		return fmt.Errorf("write mbox entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// envelope extracts the From_ line fields from the message headers.
func envelope(raw []byte) (string, time.Time) {
	from := "listrescue@localhost"
	date := time.Unix(0, 0).UTC()

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return from, date
	}
	if addrs, err := msg.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}
	if d, err := msg.Header.Date(); err == nil {
		date = d
	}
	return from, date
}
