// Package merge consolidates the per-message rendered documents into one
// document, choosing between an in-process strategy and an external-tool
// batched strategy based on corpus size and tool availability.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rotisserie/eris"
)

// Merger combines rendered artifacts in their given (stable) order.
type Merger struct {
	logger *slog.Logger

	// Tool is the external batch-merge binary (pdfunite convention:
	// inputs... followed by the output path). Empty disables the external
	// strategy.
	Tool string
	// BatchSize is how many inputs one external invocation takes.
	BatchSize int
	// ExternalThreshold is the corpus size above which the external
	// strategy is preferred when the tool is available.
	ExternalThreshold int
	// Timeout bounds one external invocation.
	Timeout time.Duration
}

// New creates a merger with the export's default batch parameters.
func New(logger *slog.Logger, tool string) *Merger {
	return &Merger{
		logger:            logger,
		Tool:              tool,
		BatchSize:         1000,
		ExternalThreshold: 2000,
		Timeout:           10 * time.Minute,
	}
}

// Merge produces outPath from artifacts. Individual unreadable artifacts
// (in-process) or failed batches (external) are dropped with a warning; a
// partial consolidated document is better than none.
func (m *Merger) Merge(ctx context.Context, artifacts []string, outPath string) error {
	if len(artifacts) == 0 {
		return eris.New("nothing to merge")
	}
	if m.useExternal(len(artifacts)) {
		m.logger.Info("merging with external tool", "tool", m.Tool, "artifacts", len(artifacts), "batch", m.BatchSize)
		return m.mergeExternal(ctx, artifacts, outPath)
	}
	m.logger.Info("merging in process", "artifacts", len(artifacts))
	return m.mergeInProcess(artifacts, outPath)
}

func (m *Merger) useExternal(n int) bool {
	if m.Tool == "" || n <= m.ExternalThreshold {
		return false
	}
	if _, err := exec.LookPath(m.Tool); err != nil {
		m.logger.Warn("external merge tool unavailable, using in-process merge", "tool", m.Tool, "err", err)
		return false
	}
	return true
}

// mergeInProcess starts from the first openable artifact and appends each
// subsequent one, skipping any that fail to validate or append.
func (m *Merger) mergeInProcess(artifacts []string, outPath string) error {
	started := false
	for _, a := range artifacts {
		if !started {
			if err := api.ValidateFile(a, nil); err != nil {
				m.logger.Warn("skipping unreadable artifact", "artifact", a, "err", err)
				continue
			}
			if err := copyFile(a, outPath); err != nil {
				return eris.Wrapf(err, "seed merge output from %s", a)
			}
			started = true
			continue
		}
		if err := api.MergeAppendFile([]string{a}, outPath, false, nil); err != nil {
			m.logger.Warn("skipping unappendable artifact", "artifact", a, "err", err)
		}
	}
	if !started {
		return eris.New("no artifact could seed the merge")
	}
	return nil
}

// mergeExternal partitions the artifacts into fixed-size batches, merges
// each batch into a rollup, then merges all rollups into the final
// document. A failed batch drops its documents from the output and the
// remaining batches proceed.
func (m *Merger) mergeExternal(ctx context.Context, artifacts []string, outPath string) error {
	tmpDir, err := os.MkdirTemp(filepath.Dir(outPath), "rollup-")
	if err != nil {
		return eris.Wrap(err, "create rollup directory")
	}
	defer os.RemoveAll(tmpDir)

	var rollups []string
	for i := 0; i < len(artifacts); i += m.BatchSize {
		end := i + m.BatchSize
		if end > len(artifacts) {
			end = len(artifacts)
		}
		rollup := filepath.Join(tmpDir, fmt.Sprintf("rollup-%04d.pdf", len(rollups)))
		if err := m.runTool(ctx, artifacts[i:end], rollup); err != nil {
			m.logger.Warn("batch merge failed, dropping batch", "from", i, "to", end, "err", err)
			continue
		}
		rollups = append(rollups, rollup)
	}

	switch len(rollups) {
	case 0:
		return eris.New("every merge batch failed")
	case 1:
		return copyFile(rollups[0], outPath)
	default:
		return m.runTool(ctx, rollups, outPath)
	}
}

// runTool invokes the external merge tool on inputs, producing output.
// Success requires exit 0 and a non-empty output file.
func (m *Merger) runTool(ctx context.Context, inputs []string, output string) error {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	args := append(append([]string{}, inputs...), output)
	cmd := exec.CommandContext(ctx, m.Tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return eris.Wrapf(err, "%s: %s", m.Tool, stderr.String())
	}
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return eris.Errorf("%s exited 0 but produced no output (%s)", m.Tool, stderr.String())
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
