package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/eslider/listrescue/internal/model"
	"github.com/eslider/listrescue/internal/state"
)

func newTestRouter(t *testing.T) (http.Handler, *state.DB, string) {
	t.Helper()
	out := t.TempDir()
	states, err := state.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { states.Close() })
	return NewRouter(Config{States: states, OutDir: out}), states, out
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestRouter(t)
	if rec := get(t, h, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestStatusCounts(t *testing.T) {
	h, states, _ := newTestRouter(t)
	states.MarkRebuilt(1, "/tmp/1.eml")
	states.MarkRebuilt(2, "/tmp/2.eml")
	states.MarkSkipped(3, "no raw body")

	rec := get(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		RunID  string         `json:"run_id"`
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.RunID == "" {
		t.Error("missing run_id")
	}
	if body.Counts[model.StateRebuilt] != 2 || body.Counts[model.StateSkipped] != 1 {
		t.Errorf("counts = %v", body.Counts)
	}
}

func TestListMessagesFilter(t *testing.T) {
	h, states, _ := newTestRouter(t)
	states.MarkRebuilt(1, "/tmp/1.eml")
	states.MarkSkipped(2, "broken")

	rec := get(t, h, "/api/messages?status=skipped")
	var msgs []model.MessageState
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != 2 {
		t.Errorf("filtered messages = %+v", msgs)
	}
}

func TestGetMessage(t *testing.T) {
	h, states, _ := newTestRouter(t)
	states.MarkRebuilt(7, "/tmp/7.eml")

	if rec := get(t, h, "/api/messages/7"); rec.Code != http.StatusOK {
		t.Errorf("known message = %d", rec.Code)
	}
	if rec := get(t, h, "/api/messages/8"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown message = %d", rec.Code)
	}
	if rec := get(t, h, "/api/messages/xyz"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", rec.Code)
	}
}

func TestGetEmlArtifact(t *testing.T) {
	h, states, out := newTestRouter(t)

	emlDir := filepath.Join(out, "eml")
	if err := os.MkdirAll(emlDir, 0o755); err != nil {
		t.Fatal(err)
	}
	eml := "Subject: hello\n\nbody\n"
	if err := os.WriteFile(filepath.Join(emlDir, "7.eml"), []byte(eml), 0o644); err != nil {
		t.Fatal(err)
	}
	states.MarkRebuilt(7, filepath.Join(emlDir, "7.eml"))

	rec := get(t, h, "/api/messages/7/eml")
	if rec.Code != http.StatusOK {
		t.Fatalf("eml = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "message/rfc822" {
		t.Errorf("content type = %q", got)
	}
	if rec.Body.String() != eml {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGetPdfRequiresRender(t *testing.T) {
	h, states, out := newTestRouter(t)

	pdf := filepath.Join(out, "pdf", "7.pdf")
	if err := os.MkdirAll(filepath.Dir(pdf), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pdf, []byte("%PDF-1.4 test"), 0o644); err != nil {
		t.Fatal(err)
	}

	states.MarkRebuilt(7, filepath.Join(out, "eml", "7.eml"))
	if rec := get(t, h, "/api/messages/7/pdf"); rec.Code != http.StatusNotFound {
		t.Errorf("unrendered message = %d", rec.Code)
	}

	states.MarkRendered(7, pdf, nil)
	rec := get(t, h, "/api/messages/7/pdf")
	if rec.Code != http.StatusOK {
		t.Fatalf("rendered message = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("content type = %q", got)
	}
}
