// Package rescue orchestrates the full archive rescue: reconstruction of
// every damaged message, rendering of the repaired messages to documents,
// and consolidation of the results.
package rescue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/eslider/listrescue/internal/archive"
	"github.com/eslider/listrescue/internal/mboxout"
	"github.com/eslider/listrescue/internal/merge"
	"github.com/eslider/listrescue/internal/mimetree"
	"github.com/eslider/listrescue/internal/model"
	"github.com/eslider/listrescue/internal/render"
	"github.com/eslider/listrescue/internal/repair"
	"github.com/eslider/listrescue/internal/sanitize"
	"github.com/eslider/listrescue/internal/state"
)

// progressEvery controls how often the rebuild loop logs a counter line.
const progressEvery = 500

// Service wires the pipeline stages together over one output directory.
type Service struct {
	logger *slog.Logger
	layout archive.Layout
	outDir string
	states *state.DB
}

// NewService creates the orchestrator. The state database records outcomes
// per message and marks which artifacts the current run produced.
func NewService(logger *slog.Logger, layout archive.Layout, outDir string, states *state.DB) *Service {
	return &Service{logger: logger, layout: layout, outDir: outDir, states: states}
}

// RebuildSummary reports what the reconstruction stage did.
type RebuildSummary struct {
	Rebuilt    int
	Skipped    int
	Reattached int
	Trailers   int
	Missing    int
	Truncated  int
}

// EmlDir returns the per-message artifact directory.
func (s *Service) EmlDir() string { return filepath.Join(s.outDir, "eml") }

// PdfDir returns the rendered document directory.
func (s *Service) PdfDir() string { return filepath.Join(s.outDir, "pdf") }

// MboxPath returns the consolidated mailbox path.
func (s *Service) MboxPath() string { return filepath.Join(s.outDir, "archive.mbox") }

// PdfPath returns the consolidated document path.
func (s *Service) PdfPath() string { return filepath.Join(s.outDir, "archive.pdf") }

// Rebuild reconstructs every message in stable numeric order, writes each
// repaired message to its .eml artifact, and appends it to the consolidated
// mailbox. Per-message failures are isolated: logged, recorded as skipped,
// and the loop continues.
func (s *Service) Rebuild(ctx context.Context) (RebuildSummary, error) {
	var sum RebuildSummary

	if err := s.layout.Preflight(); err != nil {
		return sum, eris.Wrap(err, "preflight")
	}
	ids, err := s.layout.ListMessageIDs()
	if err != nil {
		return sum, err
	}
	if err := os.MkdirAll(s.EmlDir(), 0o755); err != nil {
		return sum, eris.Wrap(err, "create eml dir")
	}

	mbox, err := mboxout.Create(s.MboxPath())
	if err != nil {
		return sum, eris.Wrap(err, "create mailbox")
	}
	defer mbox.Close()

	recon := repair.NewReconstructor(s.logger)

	s.logger.Info("rebuilding archive", "messages", len(ids), "out", s.outDir)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if s.rebuildOne(recon, mbox, id) {
			sum.Rebuilt++
		} else {
			sum.Skipped++
		}
		if (i+1)%progressEvery == 0 {
			s.logger.Info("rebuild progress", "done", i+1, "total", len(ids), "skipped", sum.Skipped)
		}
	}

	s.logger.Info("rebuild complete", "rebuilt", sum.Rebuilt, "skipped", sum.Skipped)
	return sum, nil
}

// rebuildOne reconstructs a single message. Returns false when the message
// was skipped.
func (s *Service) rebuildOne(recon *repair.Reconstructor, mbox *mboxout.Writer, id int) bool {
	rec, err := s.layout.LoadRecord(id)
	if err != nil {
		s.logger.Warn("unreadable record", "msg", id, "err", err)
		s.states.MarkSkipped(id, err.Error())
		return false
	}
	if rec.RawEmail == "" {
		// The export captured no source at all; nothing to repair.
		s.states.MarkSkipped(id, archive.ErrNoRawBody.Error())
		return false
	}

	root, err := mimetree.Parse([]byte(sanitize.Clean(rec.RawEmail)))
	if err != nil {
		s.logger.Warn("unparsable message", "msg", id, "err", err)
		s.states.MarkSkipped(id, fmt.Sprintf("mime parse: %v", err))
		return false
	}

	repair.RepairHeaders(root, rec.Pseudonym())

	pool := s.layout.CandidatePool(rec, s.layout.Descriptors(rec))
	outcome := recon.Reconstruct(root, pool, id)
	if len(outcome.Unplaced) > 0 {
		s.logger.Warn("attachments could not be placed", "msg", id, "fileIds", outcome.Unplaced)
	}

	data := root.Bytes()
	emlPath := filepath.Join(s.EmlDir(), strconv.Itoa(id)+".eml")
	if err := os.WriteFile(emlPath, data, 0o644); err != nil {
		s.logger.Error("write artifact", "msg", id, "err", err)
		s.states.MarkSkipped(id, fmt.Sprintf("write artifact: %v", err))
		return false
	}
	if err := mbox.Append(data); err != nil {
		s.logger.Error("append to mailbox", "msg", id, "err", err)
	}
	s.states.MarkRebuilt(id, emlPath)
	return true
}

// RenderSummary reports what the rendering stage did.
type RenderSummary struct {
	Rendered   int
	Simplified int
	Failed     int
	Cancelled  int
}

// Render renders every artifact the state database knows as rebuilt,
// through the bounded worker pool, and records each outcome.
func (s *Service) Render(ctx context.Context, pipeline *render.Pipeline) (RenderSummary, error) {
	var sum RenderSummary

	msgs, err := s.states.Messages()
	if err != nil {
		return sum, eris.Wrap(err, "list message states")
	}
	if err := os.MkdirAll(s.PdfDir(), 0o755); err != nil {
		return sum, eris.Wrap(err, "create pdf dir")
	}

	var jobs []render.Job
	for _, m := range msgs {
		if m.Status != model.StateRebuilt && m.Status != model.StateRendered && m.Status != model.StateRenderFailed {
			continue
		}
		emlPath := filepath.Join(s.EmlDir(), strconv.Itoa(m.MsgID)+".eml")
		if _, err := os.Stat(emlPath); err != nil {
			s.logger.Warn("artifact missing for render", "msg", m.MsgID, "path", emlPath)
			continue
		}
		jobs = append(jobs, render.Job{
			MsgID:   m.MsgID,
			Index:   len(jobs),
			EmlPath: emlPath,
			OutPath: filepath.Join(s.PdfDir(), strconv.Itoa(m.MsgID)+".pdf"),
		})
	}

	s.logger.Info("rendering messages", "jobs", len(jobs))
	results := pipeline.Run(ctx, jobs)

	for _, res := range results {
		switch res.Status {
		case model.RenderSuccess:
			sum.Rendered++
			if res.Simplified {
				sum.Simplified++
			}
			s.states.MarkRendered(res.MsgID, res.Artifact, res.Diagnostics)
		case model.RenderCancelled:
			// The run stopped before this message finished; its recorded
			// state stays as-is so the next run picks it up again.
			sum.Cancelled++
		default:
			sum.Failed++
			s.states.MarkRenderFailed(res.MsgID, res.Diagnostics)
		}
	}

	s.logger.Info("render complete", "rendered", sum.Rendered, "simplified", sum.Simplified, "failed", sum.Failed, "cancelled", sum.Cancelled)
	return sum, nil
}

// Consolidate merges all rendered documents in stable order. When force is
// false and no document was produced by the current run, the merge is
// skipped: the existing consolidated document is already up to date.
func (s *Service) Consolidate(ctx context.Context, merger *merge.Merger, force bool) error {
	artifacts, err := s.states.RenderedArtifacts()
	if err != nil {
		return eris.Wrap(err, "list rendered artifacts")
	}
	if len(artifacts) == 0 {
		s.logger.Warn("no rendered documents to merge")
		return nil
	}

	if !force {
		fresh, err := s.anyProducedThisRun()
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.Info("consolidated document up to date, skipping merge")
			return nil
		}
	}

	return merger.Merge(ctx, artifacts, s.PdfPath())
}

func (s *Service) anyProducedThisRun() (bool, error) {
	msgs, err := s.states.Messages()
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Status == model.StateRendered && m.RunID == s.states.RunID() {
			return true, nil
		}
	}
	return false, nil
}
