package rescue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/eslider/listrescue/internal/archive"
	"github.com/eslider/listrescue/internal/merge"
	"github.com/eslider/listrescue/internal/model"
	"github.com/eslider/listrescue/internal/render"
	"github.com/eslider/listrescue/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRecord(t *testing.T, dir string, rec model.MessageRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, strconv.Itoa(rec.MsgID)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestService(t *testing.T) (*Service, archive.Layout, string) {
	t.Helper()
	msgs := t.TempDir()
	atts := t.TempDir()
	out := t.TempDir()

	layout := archive.Layout{MessagesDir: msgs, AttachmentsDir: atts}
	states, err := state.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { states.Close() })

	return NewService(testLogger(), layout, out, states), layout, atts
}

const damagedRaw = "From: Jane Doe <jane@...>\n" +
	"To: list@example.invalid\n" +
	"Subject: quarterly report\n" +
	"Date: Mon, 10 Feb 2025 14:30:00 +0000\n" +
	"Content-Type: multipart/mixed; boundary=\"XX\"\n" +
	"\n" +
	"--XX\n" +
	"Content-Type: text/plain\n" +
	"\n" +
	"see attachment\n" +
	"--XX\n" +
	"Content-Type: application/msword; name=\"Report (Final).doc\"\n" +
	"Content-Disposition: attachment; filename=\"Report (Final).doc\"\n" +
	"\n" +
	"[ Attachment content not displayed ]\n" +
	"--XX--\n"

func TestRebuildEndToEnd(t *testing.T) {
	svc, layout, atts := newTestService(t)

	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    42,
		RawEmail: damagedRaw,
		Profile:  "jane123",
		AttachmentsInfo: []model.AttachmentDescriptor{
			{FileID: 7, Filename: "Report-Final.doc", FileType: "application/msword"},
		},
	})
	// A record with no raw body at all: silently skipped.
	writeRecord(t, layout.MessagesDir, model.MessageRecord{MsgID: 43, Profile: "someone"})

	attDir := filepath.Join(atts, "42")
	if err := os.MkdirAll(attDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(attDir, "7-Report-Final.doc"), []byte("DOC-BYTES"), 0o644); err != nil {
		t.Fatal(err)
	}

	sum, err := svc.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rebuilt != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	data, err := os.ReadFile(filepath.Join(svc.EmlDir(), "42.eml"))
	if err != nil {
		t.Fatal(err)
	}
	eml := string(data)
	if !strings.Contains(eml, "From: Jane Doe <jane@jane123.invalid>") {
		t.Error("redacted From not repaired")
	}
	if !strings.Contains(eml, "X-Original-Redacted-From: Jane Doe <jane@...>") {
		t.Error("missing redaction backup header")
	}
	if strings.Contains(eml, "[ Attachment content not displayed ]") {
		t.Error("sentinel body still present")
	}
	if !strings.Contains(eml, "RE9DLUJZVEVT") { // base64("DOC-BYTES")
		t.Error("attachment bytes not inlined")
	}

	if _, err := os.Stat(svc.MboxPath()); err != nil {
		t.Errorf("mailbox not written: %v", err)
	}

	st, err := svc.states.Get(42)
	if err != nil || st == nil || st.Status != model.StateRebuilt {
		t.Errorf("state = %+v, err %v", st, err)
	}
	if st43, _ := svc.states.Get(43); st43 == nil || st43.Status != model.StateSkipped {
		t.Errorf("bodyless record state = %+v", st43)
	}
}

func TestRebuildIsolatesMalformedRecords(t *testing.T) {
	svc, layout, _ := newTestService(t)

	if err := os.WriteFile(filepath.Join(layout.MessagesDir, "1.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    2,
		RawEmail: "From: a@b.invalid\nSubject: fine\n\nok\n",
	})

	sum, err := svc.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rebuilt != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRenderAndConsolidate(t *testing.T) {
	svc, layout, _ := newTestService(t)

	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    5,
		RawEmail: "From: a@b.invalid\nSubject: five\n\nbody five\n",
	})
	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    6,
		RawEmail: "From: a@b.invalid\nSubject: six\n\nbody six\n",
	})
	if _, err := svc.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-renderer")
	script := "#!/bin/sh\ncp \"$2\" \"$4\"\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	pipeline := render.NewPipeline(&render.Renderer{Binary: bin, Timeout: 5 * time.Second}, testLogger(), 2, dir)

	sum, err := svc.Render(context.Background(), pipeline)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Rendered != 2 || sum.Failed != 0 {
		t.Fatalf("render summary = %+v", sum)
	}

	mergeBin := filepath.Join(dir, "fake-merge")
	mergeScript := `#!/bin/sh
out=""
for a in "$@"; do out="$a"; done
for a in "$@"; do
  if [ "$a" != "$out" ]; then cat "$a" >> "$out"; fi
done
`
	if err := os.WriteFile(mergeBin, []byte(mergeScript), 0o755); err != nil {
		t.Fatal(err)
	}
	merger := merge.New(testLogger(), mergeBin)
	merger.ExternalThreshold = 0 // force external strategy; fake artifacts are not real PDFs

	if err := svc.Consolidate(context.Background(), merger, false); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(svc.PdfPath())
	if err != nil {
		t.Fatal(err)
	}
	// Stable order: message 5 before message 6.
	five := strings.Index(string(data), "body five")
	six := strings.Index(string(data), "body six")
	if five < 0 || six < 0 || five > six {
		t.Errorf("consolidated order wrong: five@%d six@%d", five, six)
	}
}

func TestRenderCancelledLeavesStateAlone(t *testing.T) {
	svc, layout, _ := newTestService(t)

	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    5,
		RawEmail: "From: a@b.invalid\n\nbody five\n",
	})
	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    6,
		RawEmail: "From: a@b.invalid\n\nbody six\n",
	})
	if _, err := svc.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-renderer")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	pipeline := render.NewPipeline(&render.Renderer{Binary: bin, Timeout: 30 * time.Second}, testLogger(), 1, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := svc.Render(ctx, pipeline)
	if err != nil {
		t.Fatal(err)
	}

	if sum.Rendered != 0 || sum.Failed != 0 {
		t.Errorf("cancelled run summary = %+v", sum)
	}
	if sum.Cancelled != 2 {
		t.Errorf("Cancelled = %d, want 2", sum.Cancelled)
	}
	// Nothing was recorded against a bogus message id, and the real
	// messages keep their rebuilt state for the next run.
	if ghost, _ := svc.states.Get(0); ghost != nil {
		t.Errorf("state row for message id 0: %+v", ghost)
	}
	for _, id := range []int{5, 6} {
		st, err := svc.states.Get(id)
		if err != nil || st == nil || st.Status != model.StateRebuilt {
			t.Errorf("message %d state = %+v, err %v", id, st, err)
		}
	}
}

func TestConsolidateSkipsWhenNothingNew(t *testing.T) {
	svc, layout, _ := newTestService(t)

	writeRecord(t, layout.MessagesDir, model.MessageRecord{
		MsgID:    5,
		RawEmail: "From: a@b.invalid\n\nbody\n",
	})
	if _, err := svc.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}

	// No render happened in this run, so a non-forced consolidate must not
	// invoke the merger at all (nil tool would otherwise fail).
	merger := merge.New(testLogger(), "")
	if err := svc.Consolidate(context.Background(), merger, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(svc.PdfPath()); !os.IsNotExist(err) {
		t.Error("consolidated document produced with nothing rendered")
	}
}
