package manifest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRun = `{
  "sync_timestamp": "2024-11-25T09:00:00Z",
  "computer_name": "MS-PC-01",
  "files_in_batch": 2,
  "files_by_staff": {"Felix_Meier": ["a"], "Ana": ["b"]},
  "file_manifest": [
    {"path": "Felix_Meier/Exp1/a.raw", "size": 10, "checksum": "sha256:aa", "file_date": "2024-11-25T08:00:00Z"},
    {"path": "Ana/b.csv", "checksum": "bb", "file_date": "2024-11-25T08:00:00Z", "staff_name": "Ana", "is_update": true}
  ]
}`

func TestDecodeRun(t *testing.T) {
	m, err := DecodeRun([]byte(validRun))
	require.NoError(t, err)

	assert.Equal(t, "MS-PC-01", m.ComputerName)
	require.NotNil(t, m.FilesInBatch)
	assert.Equal(t, 2, *m.FilesInBatch)
	assert.Nil(t, m.TotalSizeBytes)
	require.Len(t, m.FileManifest, 2)
	assert.Nil(t, m.FileManifest[1].Size)
	require.NotNil(t, m.FileManifest[1].IsUpdate)
	assert.True(t, *m.FileManifest[1].IsUpdate)
	assert.Len(t, m.FilesByStaff, 2)
}

func TestDecodeRunValidation(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{
			name:  "missing computer name",
			doc:   `{"files_in_batch": 1, "file_manifest": []}`,
			field: "computer_name",
		},
		{
			name:  "missing file count",
			doc:   `{"computer_name": "pc", "file_manifest": []}`,
			field: "files_in_batch",
		},
		{
			name:  "negative total",
			doc:   `{"computer_name": "pc", "files_in_batch": 0, "total_size_bytes": -1}`,
			field: "total_size_bytes",
		},
		{
			name:  "entry without path",
			doc:   `{"computer_name": "pc", "files_in_batch": 1, "file_manifest": [{"checksum": "x"}]}`,
			field: "file_manifest[0].path",
		},
		{
			name:  "entry without checksum",
			doc:   `{"computer_name": "pc", "files_in_batch": 1, "file_manifest": [{"path": "a/b"}]}`,
			field: "file_manifest[0].checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRun([]byte(tt.doc))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDecodeRunMalformed(t *testing.T) {
	_, err := DecodeRun([]byte(`{"computer_name": `))
	require.Error(t, err)
	assert.False(t, IsValidation(err))
}

func TestDecodeExperiment(t *testing.T) {
	doc := `{
	  "experiment_id": "Exp1_Ana", "experiment_folder": "Exp1", "staff_name": "Ana",
	  "instrument": "ms-01", "computer": "pc", "created": "2024-11-01T00:00:00Z",
	  "last_updated": "2024-11-25T00:00:00Z", "file_count": 1, "total_size_bytes": 5,
	  "s3_location": "s3://bucket/raw/x", "parameters": {"temp": 21.5},
	  "files": [{"relative_path": "a.raw", "name": "a.raw", "checksum": "cc", "modified": ""}]
	}`
	m, err := DecodeExperiment([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Exp1_Ana", m.ExperimentID)
	assert.Nil(t, m.UpdateCount)
	assert.Equal(t, 21.5, m.Parameters["temp"])

	require.Len(t, m.Files, 1)
	err = ValidateEntry(&m.Files[0])
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "size", ve.Field)
}

func TestDecodeExperimentMissingLocation(t *testing.T) {
	doc := `{"experiment_id": "e", "experiment_folder": "f", "staff_name": "s",
	  "instrument": "i", "computer": "c", "file_count": 0, "total_size_bytes": 0}`
	_, err := DecodeExperiment([]byte(doc))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "s3_location", ve.Field)
}
