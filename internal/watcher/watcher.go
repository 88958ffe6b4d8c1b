// Package watcher watches a directory for file changes and triggers
// incremental re-indexing through the pipeline using fsnotify.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bravo1goingdark/ucfp/internal/chunker"
	"github.com/bravo1goingdark/ucfp/internal/pipeline"
)

// Watcher watches a directory tree for changes and re-runs the ingest
// pipeline on every supported file that changes.
type Watcher struct {
	fw       *fsnotify.Watcher
	pipeline *pipeline.Pipeline
	tenantID string
}

// New creates a Watcher that feeds changed files through p, tagging
// every upserted record with tenantID.
func New(p *pipeline.Pipeline, tenantID string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: fsnotify: %w", err)
	}
	return &Watcher{fw: fw, pipeline: p, tenantID: tenantID}, nil
}

// Watch adds rootDir (and all subdirectories) to the watch list and
// begins processing events. It blocks until done is closed or an
// unrecoverable error occurs. Call this in a goroutine.
func (w *Watcher) Watch(ctx context.Context, rootDir string, done <-chan struct{}) error {
	if err := w.addDirRecursive(rootDir); err != nil {
		return err
	}

	// Debounce map: path→timer
	pending := make(map[string]*time.Timer)

	for {
		select {
		case <-done:
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			path := event.Name

			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(path); err == nil && fi.IsDir() {
					_ = w.addDirRecursive(path)
				}
			}

			if !chunker.IsSupportedFile(path) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				// Debounce: reset timer on rapid saves.
				if t, ok := pending[path]; ok {
					t.Stop()
				}
				pending[path] = time.AfterFunc(500*time.Millisecond, func() {
					w.reindex(ctx, path)
				})
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "[watch] error: %v\n", err)
		}
	}
}

// reindex re-chunks and re-indexes a single changed file, logging
// failures without aborting the watch loop — a bad file shouldn't take
// down an otherwise-healthy watcher.
func (w *Watcher) reindex(ctx context.Context, path string) {
	chunks, err := chunker.ChunkFile(path, chunker.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[watch] chunk %s: %v\n", path, err)
		return
	}
	for _, c := range chunks {
		recID := fmt.Sprintf("%s#%d", path, c.Index)
		attrs := map[string]string{"path": path, "line": fmt.Sprintf("%d", c.LineNum), "text": c.Text}
		if _, err := w.pipeline.IndexText(ctx, recID, w.tenantID, c.Text, attrs); err != nil {
			fmt.Fprintf(os.Stderr, "[watch] reindex %s: %v\n", path, err)
			return
		}
	}
	fmt.Fprintf(os.Stderr, "[watch] re-indexed %s (%d chunks)\n", path, len(chunks))
}

// addDirRecursive adds dir and all non-hidden subdirectories to the watcher.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				fmt.Fprintf(os.Stderr, "[watch] skip dir: %v\n", err)
			}
		}
	}
	return nil
}
