// Package web provides a read-only HTTP status API over the run-state
// database and the reconstruction artifacts.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eslider/listrescue/internal/model"
	"github.com/eslider/listrescue/internal/state"
)

// Config holds dependencies for the web layer.
type Config struct {
	States *state.DB
	// OutDir is the reconstruction output directory; rebuilt messages and
	// rendered documents are served from it.
	OutDir string
}

// NewRouter creates the Chi router with all routes.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/health", handleHealth())
	r.Get("/api/status", handleStatus(cfg.States))
	r.Get("/api/messages", handleListMessages(cfg.States))
	r.Get("/api/messages/{id}", handleGetMessage(cfg.States))
	r.Get("/api/messages/{id}/eml", handleGetEml(cfg.States, cfg.OutDir))
	r.Get("/api/messages/{id}/pdf", handleGetPdf(cfg.States))

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(states *state.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := states.Counts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id": states.RunID(),
			"counts": counts,
		})
	}
}

func handleListMessages(states *state.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := states.Messages()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if status := r.URL.Query().Get("status"); status != "" {
			filtered := msgs[:0]
			for _, m := range msgs {
				if m.Status == status {
					filtered = append(filtered, m)
				}
			}
			msgs = filtered
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleGetMessage(states *state.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		m, err := states.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if m == nil {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// handleGetEml serves the rebuilt message. The state database tracks the
// most recent artifact per message, which after rendering is the document,
// so the message path is derived from the output layout instead.
func handleGetEml(states *state.DB, outDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		m, err := states.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if m == nil {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		path := filepath.Join(outDir, "eml", strconv.Itoa(id)+".eml")
		serveArtifact(w, path, "message/rfc822")
	}
}

// handleGetPdf serves the rendered document recorded in the run state.
func handleGetPdf(states *state.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		m, err := states.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if m == nil || m.Status != model.StateRendered || m.Artifact == "" {
			writeError(w, http.StatusNotFound, "message not rendered")
			return
		}
		serveArtifact(w, m.Artifact, "application/pdf")
	}
}

func serveArtifact(w http.ResponseWriter, path, contentType string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "artifact missing on disk")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
