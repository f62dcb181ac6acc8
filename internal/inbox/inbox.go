// Package inbox imports prompt files dropped into a watched directory.
// A .csv or .md file is imported once writes to it have been quiet for
// the debounce period, then renamed with an .imported suffix, or
// .failed when nothing in it could be imported.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/ingest"
)

// Suffixes appended to processed files.
const (
	SuffixImported = ".imported"
	SuffixFailed   = ".failed"
)

// DefaultDebounce is used when the configured debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches one directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	importer *ingest.Importer
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time // path -> last write seen
}

// New creates a watcher for dir. The directory is created if missing
// when Run starts.
func New(dir string, debounce time.Duration, importer *ingest.Importer, bus *events.Bus, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		importer: importer,
		bus:      bus,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}
}

// Run imports files already waiting in the directory, then watches it
// until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inbox watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox dir %s: %w", w.dir, err)
	}

	w.logger.Info("watching inbox", "dir", w.dir, "debounce", w.debounce)
	w.Sweep()

	ticker := time.NewTicker(max(w.debounce/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.touch(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case now := <-ticker.C:
			for _, path := range w.due(now) {
				w.process(path)
			}
		}
	}
}

// Sweep imports every eligible file currently in the directory.
func (w *Watcher) Sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to read inbox", "dir", w.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() && eligible(e.Name()) {
			w.process(filepath.Join(w.dir, e.Name()))
		}
	}
}

func eligible(name string) bool {
	return ingest.DetectFormat(name, "") != ""
}

func (w *Watcher) touch(path string) {
	if !eligible(path) {
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// due removes and returns the pending paths quiet since now-debounce.
func (w *Watcher) due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) process(path string) {
	if _, err := os.Stat(path); err != nil {
		// Moved away before it settled.
		return
	}

	rep, err := w.importer.ImportFile(path)
	suffix := SuffixImported
	data := map[string]any{
		"path":     filepath.Base(path),
		"accepted": rep.Accepted,
		"skipped":  rep.Skipped,
	}
	if err != nil {
		suffix = SuffixFailed
		data["error"] = err.Error()
		w.logger.Warn("inbox import failed", "path", path, "error", err)
	} else {
		w.logger.Info("inbox file imported", "path", path, "accepted", rep.Accepted, "skipped", rep.Skipped)
	}

	if err := os.Rename(path, path+suffix); err != nil {
		w.logger.Error("failed to rename inbox file", "path", path, "error", err)
	}
	w.bus.Publish(events.NewEvent(events.SourceInbox, events.KindFileImported, data))
}
