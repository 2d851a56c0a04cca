package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/instrument-index/internal/manifest"
	"github.com/chmdznr/instrument-index/internal/pathcodec"
	"github.com/chmdznr/instrument-index/pkg/models"
)

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestNormalizer(strict bool) *Normalizer {
	n := New(strict, nil)
	n.Now = func() time.Time { return fixedNow }
	return n
}

func TestNormalizeChecksum(t *testing.T) {
	hex := strings.Repeat("ab", 32)
	upper := strings.ToUpper(hex)

	valid := []string{hex, upper, "sha256:" + hex, "sha256:" + upper, "SHA256:" + hex}
	for _, in := range valid {
		got, err := NormalizeChecksum(in)
		if err != nil {
			t.Errorf("NormalizeChecksum(%q) returned %v", in, err)
			continue
		}
		if got != hex {
			t.Errorf("NormalizeChecksum(%q) = %q; want %q", in, got, hex)
		}
	}

	invalid := []string{
		"",
		"sha256:",
		hex[:63],
		hex + "a",
		strings.Repeat("zz", 32),
		"md5:" + hex,
		"sha256:sha256:" + hex,
	}
	for _, in := range invalid {
		_, err := NormalizeChecksum(in)
		if !manifest.IsValidation(err) {
			t.Errorf("NormalizeChecksum(%q) error = %v; want ValidationError", in, err)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int64
	}{
		{name: "zulu", value: "2024-11-25T09:00:00Z", want: 1732525200},
		{name: "offset", value: "2024-11-25T19:00:00+10:00", want: 1732525200},
		{name: "fraction", value: "2024-11-25T09:00:00.123456Z", want: 1732525200},
		{name: "naive", value: "2024-11-25T09:00:00", want: 1732525200},
		{name: "space", value: "2024-11-25 09:00:00", want: 1732525200},
		{name: "compact offset", value: "2024-11-25T09:00:00+0000", want: 1732525200},
		{name: "date only", value: "2024-11-25", want: 1732492800},
	}

	n := newTestNormalizer(true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.ParseTimestamp("ts", tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTimestampModes(t *testing.T) {
	for _, value := range []string{"", "not-a-date", "2024-13-45T00:00:00Z"} {
		strict := newTestNormalizer(true)
		_, err := strict.ParseTimestamp("sync_timestamp", value)
		var ve *manifest.ValidationError
		require.True(t, errors.As(err, &ve), "strict %q: %v", value, err)
		assert.Equal(t, "sync_timestamp", ve.Field)

		lenient := newTestNormalizer(false)
		var warned []string
		lenient.OnWarning = func(field, _ string, _ error) { warned = append(warned, field) }
		got, err := lenient.ParseTimestamp("sync_timestamp", value)
		require.NoError(t, err)
		assert.Equal(t, fixedNow.Unix(), got)
		assert.Equal(t, []string{"sync_timestamp"}, warned)
	}
}

func TestParseTimestampLenientWallClock(t *testing.T) {
	n := New(false, nil)
	before := time.Now().Unix()
	got, err := n.ParseTimestamp("created", "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, time.Now().Unix())
}

func runSource(t *testing.T) RunSource {
	t.Helper()
	key := "raw/ms-01/2024/11/25/run42/run.json"
	info, err := pathcodec.ParseKey(key)
	require.NoError(t, err)
	return RunSource{Bucket: "lab-data", Key: key, Info: info}
}

func i64(v int64) *int64 { return &v }
func intp(v int) *int    { return &v }

func TestRunRecordsSumsSizes(t *testing.T) {
	hex := strings.Repeat("0", 64)
	m := &manifest.RunManifest{
		SyncTimestamp: "2024-11-25T09:00:00Z",
		ComputerName:  "pc",
		FilesInBatch:  intp(2),
		FilesByStaff:  map[string]any{"Zoe": nil, "Ana": nil},
		FileManifest: []manifest.RunFileEntry{
			{Path: "Ana/Exp1/a.raw", Size: i64(100), Checksum: "sha256:" + hex, FileDate: "2024-11-25T08:00:00Z"},
			{Path: "Zoe/b.csv", Size: i64(23), Checksum: hex, FileDate: "2024-11-25T08:00:00Z"},
		},
	}

	run, files, err := newTestNormalizer(true).RunRecords(runSource(t), m)
	require.NoError(t, err)

	assert.Equal(t, int64(123), run.TotalBytes)
	assert.Equal(t, "run42", run.RunID)
	assert.Equal(t, "ms-01", run.InstrumentID)
	assert.Equal(t, "2024-11-25", run.Date)
	assert.Equal(t, []string{"Ana", "Zoe"}, run.StaffNames)
	assert.Equal(t, models.StatusCompleted, run.ProcessingStatus)
	require.Len(t, files, 2)

	assert.Equal(t, "Exp1_Ana", files[0].ExperimentID)
	assert.Equal(t, "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/a.raw", files[0].PhysicalKey)
	assert.Equal(t, "raw", files[0].FileType)
	assert.Equal(t, "standalone_Zoe_run42", files[1].ExperimentID)
	assert.Equal(t, "raw/ms-01/2024/11/25/run42/Zoe/payload/b.csv", files[1].PhysicalKey)
	assert.Equal(t, "run42", files[1].RunID)
}

func TestRunRecordsDeclaredTotalAndMissingSize(t *testing.T) {
	hex := strings.Repeat("f", 64)
	m := &manifest.RunManifest{
		SyncTimestamp:  "2024-11-25T09:00:00Z",
		ComputerName:   "pc",
		FilesInBatch:   intp(1),
		TotalSizeBytes: i64(999),
		FileManifest: []manifest.RunFileEntry{
			{Path: "Ana/Exp1/a.raw", Checksum: hex, FileDate: "2024-11-25T08:00:00Z"},
		},
	}
	run, files, err := newTestNormalizer(true).RunRecords(runSource(t), m)
	require.NoError(t, err)
	assert.Equal(t, int64(999), run.TotalBytes)
	assert.Equal(t, int64(0), files[0].SizeBytes)
}

func TestRunRecordsRejectsWholeBatch(t *testing.T) {
	hex := strings.Repeat("0", 64)
	m := &manifest.RunManifest{
		SyncTimestamp: "2024-11-25T09:00:00Z",
		ComputerName:  "pc",
		FilesInBatch:  intp(2),
		FileManifest: []manifest.RunFileEntry{
			{Path: "Ana/Exp1/a.raw", Checksum: hex, FileDate: "2024-11-25T08:00:00Z"},
			{Path: "Ana/Exp1/b.raw", Checksum: "sha256:short", FileDate: "2024-11-25T08:00:00Z"},
		},
	}
	_, files, err := newTestNormalizer(false).RunRecords(runSource(t), m)
	require.Error(t, err)
	assert.True(t, manifest.IsValidation(err))
	assert.Nil(t, files)
}

func TestExperimentRecords(t *testing.T) {
	hex := strings.Repeat("1", 64)
	key := "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/experiment.json"
	m := &manifest.ExperimentManifest{
		ExperimentID:     "Exp1_Ana",
		ExperimentFolder: "Exp1",
		StaffName:        "Ana",
		Instrument:       "ms-01",
		Computer:         "pc",
		Created:          "2024-11-01T00:00:00Z",
		LastUpdated:      "2024-11-25T00:00:00Z",
		FileCount:        intp(2),
		TotalSizeBytes:   i64(30),
		S3Location:       "s3://lab-data/raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/",
		Files: []manifest.ExperimentFileEntry{
			{RelativePath: "sub/a.RAW", Name: "a.RAW", Size: i64(10), Checksum: hex, Modified: "2024-11-24T00:00:00Z"},
			{RelativePath: "b.raw", Name: "b.raw", Size: i64(20), Checksum: "bad", Modified: "2024-11-24T00:00:00Z"},
		},
	}

	exp, results, err := newTestNormalizer(true).ExperimentRecords("lab-data", key, m)
	require.NoError(t, err)
	assert.Equal(t, int64(1732492800), exp.LastUpdated)
	assert.Equal(t, 1, exp.UpdateCount)
	assert.True(t, exp.AutoDetected)
	assert.Equal(t, "1.0", exp.SyncVersion)
	assert.Equal(t, key, exp.PhysicalKey)

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	rec := results[0].Record
	assert.Equal(t, "raw/ms-01/2024/11/25/run42/Ana/payload/Exp1/sub/a.RAW", rec.PhysicalKey)
	assert.Equal(t, "raw", rec.FileType)
	assert.Equal(t, models.RunIDFromExperiment, rec.RunID)
	assert.Equal(t, "sub/a.RAW", rec.FilePath)
	assert.True(t, manifest.IsValidation(results[1].Err))
}
