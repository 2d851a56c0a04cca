package watch

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/instrument-index/internal/ingest"
	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/pkg/models"
)

type recordingSink struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingSink) Process(_ context.Context, batch []models.Notification) ingest.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range batch {
		r.keys = append(r.keys, n.Key)
	}
	return ingest.Result{Processed: len(batch)}
}

func (r *recordingSink) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func put(t *testing.T, s *objstore.LocalStore, key string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, strings.NewReader("{}"), 2, ""))
}

func TestWatcherQueuesNewManifests(t *testing.T) {
	store, err := objstore.NewLocalStore(filepath.Join(t.TempDir(), "lab"), objstore.Options{})
	require.NoError(t, err)
	sink := &recordingSink{}
	w, err := New(store, sink, Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	runKey := "raw/ms-01/2024/11/25/run42/run.json"
	expKey := "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/experiment.json"
	put(t, store, runKey)
	put(t, store, expKey)
	put(t, store, "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/a.raw")

	require.Eventually(t, func() bool {
		seen := sink.seen()
		return slices.Contains(seen, runKey) && slices.Contains(seen, expKey)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, k := range sink.seen() {
		assert.True(t, strings.HasSuffix(k, ".json"), "unexpected key %s", k)
	}
}

func TestFlushIsSortedAndDeduplicated(t *testing.T) {
	store, err := objstore.NewLocalStore(filepath.Join(t.TempDir(), "lab"), objstore.Options{})
	require.NoError(t, err)
	sink := &recordingSink{}
	w, err := New(store, sink, Options{})
	require.NoError(t, err)
	defer w.fsw.Close()

	root := store.Root()
	assert.True(t, w.queue(filepath.Join(root, "raw", "b", "run.json")))
	assert.True(t, w.queue(filepath.Join(root, "raw", "a", "run.json")))
	assert.True(t, w.queue(filepath.Join(root, "raw", "a", "run.json")))
	assert.False(t, w.queue(filepath.Join(root, "raw", "a", "data.raw")))
	assert.False(t, w.queue(filepath.Join(filepath.Dir(root), "elsewhere", "run.json")))

	w.flush(context.Background())
	assert.Equal(t, []string{"raw/a/run.json", "raw/b/run.json"}, sink.seen())
	assert.Empty(t, w.pending)
}
