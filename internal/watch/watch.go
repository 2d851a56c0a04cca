// Package watch feeds manifests written to a local object store into
// ingestion as they appear.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chmdznr/instrument-index/internal/ingest"
	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/internal/pathcodec"
	"github.com/chmdznr/instrument-index/pkg/models"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Sink receives batches of notifications.
type Sink interface {
	Process(ctx context.Context, notifications []models.Notification) ingest.Result
}

// Options tune a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches the directory tree of a LocalStore.
type Watcher struct {
	store    *objstore.LocalStore
	sink     Sink
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	pending map[string]struct{}
}

// New registers every existing directory under the store root. Manifests
// already on disk are not replayed; use backfill for those.
func New(store *objstore.LocalStore, sink Sink, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		store:    store,
		sink:     sink,
		fsw:      fsw,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		pending:  map[string]struct{}{},
	}
	if err := w.addTree(store.Root(), false); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run delivers batches until ctx is cancelled, then flushes what is
// pending and closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.handle(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch event queue overflowed, run a backfill to catch up", "err", err)
				continue
			}
			w.logger.Error("watch error", "err", err)
		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// handle reports whether ev queued a manifest.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if strings.Contains(filepath.Base(ev.Name), ".tmp-") {
		return false
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return false
	}
	if info.IsDir() {
		before := len(w.pending)
		// Files can land in a new directory before it is registered.
		if err := w.addTree(ev.Name, true); err != nil {
			w.logger.Warn("failed to watch directory", "dir", ev.Name, "err", err)
		}
		return len(w.pending) > before
	}
	return w.queue(ev.Name)
}

func (w *Watcher) addTree(root string, queueFiles bool) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		if queueFiles {
			w.queue(p)
		}
		return nil
	})
}

func (w *Watcher) queue(p string) bool {
	key, err := w.store.KeyFor(p)
	if err != nil {
		return false
	}
	if !pathcodec.IsRunManifest(key) && !pathcodec.IsExperimentManifest(key) {
		return false
	}
	w.pending[key] = struct{}{}
	return true
}

func (w *Watcher) flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clear(w.pending)

	batch := make([]models.Notification, len(keys))
	for i, k := range keys {
		batch[i] = models.Notification{Bucket: w.store.Bucket(), Key: k}
	}
	res := w.sink.Process(ctx, batch)
	w.logger.Info("ingested watched manifests",
		"manifests", len(batch),
		"processed", res.Processed,
		"errors", res.Failed)
}
