// Package manifest holds the strict schemas of the manifests written by the
// instrument sync agent. Manifests are decoded and validated once here; the
// rest of the module only sees typed values.
package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// manifestValidate is the validator instance for manifest types. Field names
// in errors are reported by their json names.
var manifestValidate *validator.Validate

func init() {
	manifestValidate = validator.New(validator.WithRequiredStructEnabled())
	manifestValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// RunManifest is the run.json document deposited once per sync batch.
type RunManifest struct {
	SyncTimestamp  string         `json:"sync_timestamp"`
	ComputerName   string         `json:"computer_name" validate:"required"`
	FilesInBatch   *int           `json:"files_in_batch" validate:"required,gte=0"`
	TotalSizeBytes *int64         `json:"total_size_bytes,omitempty" validate:"omitempty,gte=0"`
	FilesByStaff   map[string]any `json:"files_by_staff"`
	FileManifest   []RunFileEntry `json:"file_manifest" validate:"dive"`
}

// RunFileEntry is one element of RunManifest.FileManifest. Path is relative
// to the run folder and omits the payload segment.
type RunFileEntry struct {
	Path      string  `json:"path" validate:"required"`
	Size      *int64  `json:"size,omitempty" validate:"omitempty,gte=0"`
	Checksum  string  `json:"checksum" validate:"required"`
	FileDate  string  `json:"file_date"`
	StaffName *string `json:"staff_name,omitempty"`
	IsUpdate  *bool   `json:"is_update,omitempty"`
}

// ExperimentManifest is the experiment.json descriptor written next to the
// files of one experiment folder.
type ExperimentManifest struct {
	ExperimentID     string                `json:"experiment_id" validate:"required"`
	ExperimentFolder string                `json:"experiment_folder" validate:"required"`
	StaffName        string                `json:"staff_name" validate:"required"`
	Instrument       string                `json:"instrument" validate:"required"`
	Computer         string                `json:"computer" validate:"required"`
	Created          string                `json:"created"`
	LastUpdated      string                `json:"last_updated"`
	UpdateCount      *int                  `json:"update_count,omitempty" validate:"omitempty,gte=0"`
	FileCount        *int                  `json:"file_count" validate:"required,gte=0"`
	TotalSizeBytes   *int64                `json:"total_size_bytes" validate:"required,gte=0"`
	S3Location       string                `json:"s3_location" validate:"required"`
	AutoDetected     *bool                 `json:"auto_detected,omitempty"`
	SyncVersion      *string               `json:"sync_version,omitempty"`
	Parameters       map[string]any        `json:"parameters,omitempty"`
	Files            []ExperimentFileEntry `json:"files"`
}

// ExperimentFileEntry is one element of ExperimentManifest.Files. Entries are
// validated one by one so a single bad entry does not reject its siblings.
type ExperimentFileEntry struct {
	RelativePath string `json:"relative_path" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Size         *int64 `json:"size" validate:"required,gte=0"`
	Checksum     string `json:"checksum" validate:"required"`
	Modified     string `json:"modified"`
}

// ValidationError reports a missing or malformed manifest field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DecodeRun parses and validates a run.json document.
func DecodeRun(data []byte) (*RunManifest, error) {
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode run manifest: %w", err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeExperiment parses and validates an experiment.json document. File
// entries are left for ValidateEntry.
func DecodeExperiment(data []byte) (*ExperimentManifest, error) {
	var m ExperimentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode experiment manifest: %w", err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateEntry checks the required fields of a single descriptor file entry.
func ValidateEntry(e *ExperimentFileEntry) error {
	return validate(e)
}

func validate(v any) error {
	err := manifestValidate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fieldPath(fe.Namespace()), Reason: describe(fe)}
	}
	return fmt.Errorf("validate manifest: %w", err)
}

// fieldPath drops the Go struct name validator puts in front of the json path.
func fieldPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required field is missing"
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
