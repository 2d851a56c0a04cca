package ingest

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/instrument-index/internal/index"
	"github.com/chmdznr/instrument-index/internal/metrics"
	"github.com/chmdznr/instrument-index/internal/normalize"
	"github.com/chmdznr/instrument-index/internal/objstore"
	"github.com/chmdznr/instrument-index/pkg/models"
)

const (
	runKey = "raw/ms-01/2024/11/25/run42/run.json"
	expKey = "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/experiment.json"
)

var (
	hexA = strings.Repeat("a", 64)
	hexB = strings.Repeat("b", 64)
)

const runManifest = `{
	"sync_timestamp": "2024-11-25T09:00:00Z",
	"computer_name": "LAB-PC-7",
	"files_in_batch": 2,
	"files_by_staff": {"Ana": ["Exp1"]},
	"file_manifest": [
		{"path": "Ana/Exp1/a.raw", "size": 100, "checksum": "sha256:` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `", "file_date": "2024-11-25T08:00:00Z"},
		{"path": "Ana/Exp1/b.raw", "size": 23, "checksum": "` + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" + `", "file_date": "2024-11-25T08:00:00Z"}
	]
}`

const experimentManifest = `{
	"experiment_id": "Exp1_Ana",
	"experiment_folder": "Exp1",
	"staff_name": "Ana",
	"instrument": "ms-01",
	"computer": "LAB-PC-7",
	"created": "2024-11-01T00:00:00Z",
	"last_updated": "2024-11-25T10:00:00Z",
	"file_count": 3,
	"total_size_bytes": 130,
	"s3_location": "s3://lab/raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/",
	"files": [
		{"relative_path": "Ana/Exp1/a.raw", "name": "a.raw", "size": 5, "checksum": "` + "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc" + `", "modified": "2024-11-24T00:00:00Z"},
		{"relative_path": "c.csv", "name": "c.csv", "size": 25, "checksum": "` + "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd" + `", "modified": "2024-11-24T00:00:00Z"},
		{"relative_path": "bad.csv", "name": "bad.csv", "size": 1, "checksum": "nope", "modified": "2024-11-24T00:00:00Z"}
	]
}`

type fixture struct {
	store *objstore.LocalStore
	index *index.MemoryIndex
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := objstore.NewLocalStore(filepath.Join(t.TempDir(), "lab"), objstore.Options{})
	require.NoError(t, err)
	idx := index.NewMemoryIndex(index.Options{})
	orch, err := New(Config{Store: store, Index: idx, Normalizer: normalize.New(false, nil), Metrics: metrics.New(), Workers: 4})
	require.NoError(t, err)
	return &fixture{store: store, index: idx, orch: orch}
}

func (f *fixture) put(t *testing.T, key, body string) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), key, strings.NewReader(body), int64(len(body)), "application/json"))
}

func note(key string) models.Notification {
	return models.Notification{Bucket: "lab", Key: key}
}

func TestRunManifestEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)

	res := f.orch.Process(context.Background(), []models.Notification{note(runKey)})
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.RunsWritten)
	assert.Equal(t, 2, res.FilesWritten)
	assert.NotEmpty(t, res.InvocationID)

	run, err := f.index.GetRun(context.Background(), "run42", "ms-01")
	require.NoError(t, err)
	assert.Equal(t, int64(123), run.TotalBytes)
	assert.Equal(t, "2024-11-25", run.Date)
	assert.Equal(t, []string{"Ana"}, run.StaffNames)

	file, err := f.index.GetFile(context.Background(), "Exp1_Ana", "Ana/Exp1/a.raw")
	require.NoError(t, err)
	assert.Equal(t, "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/a.raw", file.PhysicalKey)
	assert.Equal(t, hexA, file.ChecksumSHA256)

	stats, err := f.index.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Files)
}

func TestRunManifestReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)

	first := f.orch.Process(context.Background(), []models.Notification{note(runKey)})
	require.Equal(t, 1, first.RunsWritten)
	before, err := f.index.Stats(context.Background())
	require.NoError(t, err)

	second := f.orch.Process(context.Background(), []models.Notification{note(runKey), note(runKey)})
	assert.Equal(t, 2, second.Processed)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, 2, second.RunsDuplicate)
	assert.Equal(t, 0, second.FilesWritten)

	after, err := f.index.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunSourcedFileWinsOverDescriptor(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)
	f.put(t, expKey, experimentManifest)

	f.orch.Process(context.Background(), []models.Notification{note(runKey)})
	res := f.orch.Process(context.Background(), []models.Notification{note(expKey)})

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.ExperimentsWritten)
	assert.Equal(t, 1, res.FilesSkipped)
	assert.Equal(t, 1, res.FilesWritten)
	assert.Equal(t, 1, res.FilesRejected)

	file, err := f.index.GetFile(context.Background(), "Exp1_Ana", "Ana/Exp1/a.raw")
	require.NoError(t, err)
	assert.Equal(t, "run42", file.RunID)
	assert.Equal(t, int64(100), file.SizeBytes)

	csv, err := f.index.GetFile(context.Background(), "Exp1_Ana", "c.csv")
	require.NoError(t, err)
	assert.Equal(t, models.RunIDFromExperiment, csv.RunID)
	assert.Equal(t, "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/c.csv", csv.PhysicalKey)
}

func TestRunManifestOverridesEarlierDescriptor(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)
	f.put(t, expKey, experimentManifest)

	f.orch.Process(context.Background(), []models.Notification{note(expKey)})
	f.orch.Process(context.Background(), []models.Notification{note(runKey)})

	file, err := f.index.GetFile(context.Background(), "Exp1_Ana", "Ana/Exp1/a.raw")
	require.NoError(t, err)
	assert.Equal(t, "run42", file.RunID)
	assert.Equal(t, hexA, file.ChecksumSHA256)
	assert.Equal(t, int64(100), file.SizeBytes)
}

func TestShapeFailureIsSkipped(t *testing.T) {
	f := newFixture(t)
	res := f.orch.Process(context.Background(), []models.Notification{
		note("raw/ms-01/24/11/25/run42/run.json"),
		note("uploads/run.json"),
	})
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, res.Processed)
}

func TestNonManifestIgnored(t *testing.T) {
	f := newFixture(t)
	res := f.orch.Process(context.Background(), []models.Notification{note("raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/a.raw")})
	assert.Equal(t, 1, res.Ignored)
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)
	f.put(t, "raw/ms-01/2024/11/25/run43/run.json", `{"sync_timestamp": "x"`)
	f.put(t, "raw/ms-01/2024/11/25/run44/run.json", `{"sync_timestamp": "2024-11-25T09:00:00Z", "files_in_batch": 1}`)

	res := f.orch.Process(context.Background(), []models.Notification{
		note("raw/ms-01/2024/11/25/run43/run.json"),
		note("raw/ms-01/2024/11/25/run44/run.json"),
		note("raw/ms-01/2024/11/25/run45/run.json"),
		note(runKey),
	})
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 3, res.Failed)

	_, err := f.index.GetRun(context.Background(), "run42", "ms-01")
	assert.NoError(t, err)
}

func TestRunBatchRejectedAsAWhole(t *testing.T) {
	f := newFixture(t)
	bad := strings.Replace(runManifest, `"checksum": "`+hexB, `"checksum": "sha256:short`, 1)
	require.NotEqual(t, runManifest, bad)
	f.put(t, runKey, bad)

	res := f.orch.Process(context.Background(), []models.Notification{note(runKey)})
	assert.Equal(t, 1, res.Failed)

	_, err := f.index.GetRun(context.Background(), "run42", "ms-01")
	assert.ErrorIs(t, err, index.ErrNotFound)
	stats, err := f.index.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Files)
}

func TestEscapedKey(t *testing.T) {
	f := newFixture(t)
	key := "raw/ms-01/2024/11/25/run 46/run.json"
	f.put(t, key, runManifest)

	res := f.orch.Process(context.Background(), []models.Notification{note("raw/ms-01/2024/11/25/run+46/run.json")})
	assert.Equal(t, 1, res.Processed)
	_, err := f.index.GetRun(context.Background(), "run 46", "ms-01")
	assert.NoError(t, err)
}

func TestForeignBucketFails(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)
	res := f.orch.Process(context.Background(), []models.Notification{{Bucket: "other", Key: runKey}})
	assert.Equal(t, 1, res.Failed)

	res = f.orch.Process(context.Background(), []models.Notification{{Key: runKey}})
	assert.Equal(t, 1, res.Processed)
}

func TestHandleEventFormats(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)

	_, err := f.orch.HandleEvent(context.Background(), []byte(`{"hello": "world"}`))
	assert.True(t, errors.Is(err, ErrUnknownEventFormat))

	res, err := f.orch.HandleEvent(context.Background(), []byte(`{"detail": {"bucket": {"name": "lab"}, "object": {"key": "`+runKey+`"}}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

type flakyIndex struct {
	index.Index
}

func (flakyIndex) CommitRun(context.Context, models.RunRecord, []models.FileRecord) (bool, error) {
	return false, &index.TransientError{Op: "commit run", Err: io.ErrUnexpectedEOF}
}

func TestTransientIndexErrorFailsItem(t *testing.T) {
	f := newFixture(t)
	f.put(t, runKey, runManifest)
	orch, err := New(Config{Store: f.store, Index: flakyIndex{f.index}})
	require.NoError(t, err)

	res := orch.Process(context.Background(), []models.Notification{note(runKey), note("raw/x.json")})
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
