package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Publisher copies reconstruction artifacts from the output directory into
// a blob store under a key prefix.
type Publisher struct {
	logger *slog.Logger
	store  BlobStore
	prefix string
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(logger *slog.Logger, store BlobStore, prefix string) *Publisher {
	return &Publisher{logger: logger, store: store, prefix: strings.Trim(prefix, "/")}
}

// publishable artifact extensions; the run-state database stays local.
func publishable(name string) bool {
	switch filepath.Ext(name) {
	case ".eml", ".pdf", ".mbox":
		return true
	}
	return false
}

// Publish uploads every artifact under outDir and returns the number of
// blobs written.
func (p *Publisher) Publish(ctx context.Context, outDir string) (int, error) {
	var count int
	err := filepath.WalkDir(outDir, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !publishable(d.Name()) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(outDir, fpath)
		if err != nil {
			return err
		}
		key := path.Join(p.prefix, filepath.ToSlash(rel))

		data, err := os.ReadFile(fpath)
		if err != nil {
			return eris.Wrapf(err, "read artifact %s", fpath)
		}
		if err := p.store.Write(ctx, key, data); err != nil {
			return eris.Wrapf(err, "publish %s", key)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	p.logger.Info("publish complete", "artifacts", count, "prefix", p.prefix)
	return count, nil
}
