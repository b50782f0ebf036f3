// Package render drives the external message renderer, retrying and
// progressively simplifying messages the renderer cannot handle as-is.
package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Renderer invokes the external rendering program on one message file.
// The renderer is known to be flaky; every invocation is bounded by Timeout
// and judged by its exit status plus the existence and size of the output
// file it claims to produce.
type Renderer struct {
	// Binary is the renderer executable. Invoked as:
	//   <binary> --input <eml> --output <pdf> --mostly-hide-warnings
	Binary string
	// ExtraArgs are appended after the standard arguments.
	ExtraArgs []string
	// Timeout bounds one invocation's wall clock; the process is killed and
	// the attempt treated as failed when it fires.
	Timeout time.Duration
}

// Render runs one invocation. On failure the returned error carries the
// diagnostics captured from the renderer's error stream and its optional
// sidecar diagnostics file.
func (r *Renderer) Render(ctx context.Context, emlPath, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := append([]string{"--input", emlPath, "--output", outPath, "--mostly-hide-warnings"}, r.ExtraArgs...)
	cmd := exec.CommandContext(ctx, r.Binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runErr == nil {
		if info, err := os.Stat(outPath); err == nil && info.Size() > 0 {
			return nil
		}
		runErr = fmt.Errorf("renderer exited 0 but produced no output at %s", outPath)
	}

	diags := []string{runErr.Error()}
	if ctx.Err() == context.DeadlineExceeded {
		diags = append(diags, fmt.Sprintf("renderer killed after %s timeout", r.Timeout))
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		diags = append(diags, s)
	}
	if sidecar := readSidecar(emlPath); sidecar != "" {
		diags = append(diags, sidecar)
	}
	// A zero-size or partial output must not be mistaken for success later.
	os.Remove(outPath)

	return &Failure{Diagnostics: diags}
}

// readSidecar collects the renderer's optional "<input>-errors.txt"
// diagnostics file and removes it so it cannot leak into the next attempt.
func readSidecar(emlPath string) string {
	path := emlPath + "-errors.txt"
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	os.Remove(path)
	return strings.TrimSpace(string(data))
}

// Failure is a failed render attempt with its ordered diagnostics.
type Failure struct {
	Diagnostics []string
}

func (f *Failure) Error() string {
	if len(f.Diagnostics) == 0 {
		return "render failed"
	}
	return "render failed: " + f.Diagnostics[0]
}
