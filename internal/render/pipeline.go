package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eslider/listrescue/internal/mimetree"
	"github.com/eslider/listrescue/internal/model"
)

// maxWorkers caps the pool regardless of core count; rendering is
// subprocess-bound and more workers only thrash.
const maxWorkers = 8

// directAttempts is how many times a message is rendered as-is before the
// simplification fallback kicks in.
const directAttempts = 3

// Job is one message to render. Index is the message's position in the
// stable sorted order.
type Job struct {
	MsgID   int
	Index   int
	EmlPath string
	OutPath string
}

// Pipeline renders a batch of repaired messages with bounded parallelism.
// Each message is independent; the simplification fallback for one message
// is strictly sequential internally.
type Pipeline struct {
	renderer *Renderer
	logger   *slog.Logger
	workers  int
	backoff  func(attempt int) time.Duration
	tempDir  string
}

// NewPipeline sizes the worker pool from the available cores, capped at
// maxWorkers. workers <= 0 selects the automatic size.
func NewPipeline(renderer *Renderer, logger *slog.Logger, workers int, tempDir string) *Pipeline {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return &Pipeline{
		renderer: renderer,
		logger:   logger,
		workers:  workers,
		backoff:  func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
		tempDir:  tempDir,
	}
}

// Run renders all jobs and returns results indexed by each job's Index, so
// the caller sees stable order regardless of which worker finished first.
// Jobs the context cancels out of the queue keep their identity in the
// result slice, marked cancelled.
func (p *Pipeline) Run(ctx context.Context, jobs []Job) []model.RenderResult {
	results := make([]model.RenderResult, len(jobs))
	for _, job := range jobs {
		results[job.Index] = model.RenderResult{
			MsgID:  job.MsgID,
			Index:  job.Index,
			Status: model.RenderCancelled,
		}
	}

	queue := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				results[job.Index] = p.renderOne(ctx, job)
			}
		}()
	}

dispatch:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break dispatch
		case queue <- job:
		}
	}
	close(queue)
	wg.Wait()

	return results
}

// renderOne walks one message through the state machine:
// pending -> up to 3 direct attempts -> simplifying -> success or failed.
func (p *Pipeline) renderOne(ctx context.Context, job Job) model.RenderResult {
	start := time.Now()
	res := model.RenderResult{
		MsgID:  job.MsgID,
		Index:  job.Index,
		Status: model.RenderPending,
	}
	if err := ctx.Err(); err != nil {
		res.Status = model.RenderCancelled
		res.Diagnostics = append(res.Diagnostics, err.Error())
		return res
	}

	for attempt := 0; attempt < directAttempts; attempt++ {
		if wait := p.backoff(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				res.Status = model.RenderCancelled
				res.Diagnostics = append(res.Diagnostics, ctx.Err().Error())
				return res
			case <-time.After(wait):
			}
		}
		err := p.renderer.Render(ctx, job.EmlPath, job.OutPath)
		if err == nil {
			res.Status = model.RenderSuccess
			res.Artifact = job.OutPath
			res.Elapsed = time.Since(start)
			return res
		}
		res.Diagnostics = append(res.Diagnostics, attemptDiagnostics(attempt+1, err)...)
		p.logger.Warn("direct render attempt failed", "msg", job.MsgID, "attempt", attempt+1, "err", err)
	}

	res.Status = model.RenderSimplifying
	p.logger.Info("falling back to simplified rendering", "msg", job.MsgID)

	if p.simplify(ctx, job, &res) {
		res.Status = model.RenderSuccess
		res.Artifact = job.OutPath
		res.Simplified = true
	} else if ctx.Err() != nil {
		// Interrupted, not exhausted: the message may still render next run.
		res.Status = model.RenderCancelled
	} else {
		res.Status = model.RenderFailed
		p.logger.Error("message failed all render candidates", "msg", job.MsgID, "diagnostics", len(res.Diagnostics))
	}
	res.Elapsed = time.Since(start)
	return res
}

// simplify tries each reduced candidate in turn until one renders.
func (p *Pipeline) simplify(ctx context.Context, job Job, res *model.RenderResult) bool {
	raw, err := os.ReadFile(job.EmlPath)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("read artifact: %v", err))
		return false
	}
	root, err := mimetree.Parse(raw)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("reparse artifact: %v", err))
		return false
	}

	for _, cand := range Candidates(root) {
		if ctx.Err() != nil {
			res.Diagnostics = append(res.Diagnostics, ctx.Err().Error())
			return false
		}
		tmp := filepath.Join(p.tempDir, fmt.Sprintf("simplify-%d-%s.eml", job.MsgID, uuid.NewString()))
		if err := os.WriteFile(tmp, cand.Data, 0o644); err != nil {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s: write candidate: %v", cand.Label, err))
			continue
		}
		err := p.renderer.Render(ctx, tmp, job.OutPath)
		os.Remove(tmp)
		if err == nil {
			p.logger.Info("simplified candidate rendered", "msg", job.MsgID, "candidate", cand.Label)
			return true
		}
		var f *Failure
		if errors.As(err, &f) {
			res.Diagnostics = append(res.Diagnostics, prefixAll(cand.Label, f.Diagnostics)...)
		} else {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s: %v", cand.Label, err))
		}
	}
	return false
}

func attemptDiagnostics(attempt int, err error) []string {
	var f *Failure
	if errors.As(err, &f) {
		return prefixAll(fmt.Sprintf("attempt %d", attempt), f.Diagnostics)
	}
	return []string{fmt.Sprintf("attempt %d: %v", attempt, err)}
}

func prefixAll(prefix string, diags []string) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = prefix + ": " + d
	}
	return out
}
