// Package normalize turns validated manifests into canonical index records.
//
// Timestamps are parsed in one of two modes. Strict mode rejects empty or
// malformed values and is meant for qualifying new sync agent releases.
// Lenient mode, the production default, substitutes the current time and
// logs a warning so one bad field never blocks a whole batch. Checksums are
// never relaxed.
package normalize

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/chmdznr/instrument-index/internal/manifest"
	"github.com/chmdznr/instrument-index/internal/pathcodec"
	"github.com/chmdznr/instrument-index/pkg/models"
)

const checksumPrefix = "sha256:"

// timestampLayouts are tried in order after a trailing Z has been rewritten
// to an explicit +00:00 offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// WarningFunc is called for every lenient substitution.
type WarningFunc func(field, value string, err error)

// Normalizer builds records from manifests.
type Normalizer struct {
	Strict    bool
	Now       func() time.Time
	Logger    *slog.Logger
	OnWarning WarningFunc
}

// New returns a Normalizer using the wall clock.
func New(strict bool, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{Strict: strict, Now: time.Now, Logger: logger}
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// ParseTimestamp parses an ISO-8601 value into unix seconds.
func (n *Normalizer) ParseTimestamp(field, value string) (int64, error) {
	t, err := parseISO(value)
	if err == nil {
		return t.Unix(), nil
	}
	if n.Strict {
		return 0, &manifest.ValidationError{Field: field, Reason: err.Error()}
	}
	if n.Logger != nil {
		n.Logger.Warn("substituting current time for unusable timestamp",
			"field", field, "value", value, "err", err)
	}
	if n.OnWarning != nil {
		n.OnWarning(field, value, err)
	}
	return n.now().Unix(), nil
}

func parseISO(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		v = v[:len(v)-1] + "+00:00"
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("malformed timestamp %q", value)
}

// NormalizeChecksum strips an optional sha256: prefix and requires exactly
// 64 hex characters, returned lowercased.
func NormalizeChecksum(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) >= len(checksumPrefix) && strings.EqualFold(v[:len(checksumPrefix)], checksumPrefix) {
		v = v[len(checksumPrefix):]
	}
	if len(v) != 64 {
		return "", &manifest.ValidationError{Field: "checksum", Reason: fmt.Sprintf("expected 64 hex characters, got %d", len(v))}
	}
	if _, err := hex.DecodeString(v); err != nil {
		return "", &manifest.ValidationError{Field: "checksum", Reason: "not hexadecimal"}
	}
	return strings.ToLower(v), nil
}

// RunSource identifies the run.json object a manifest was read from.
type RunSource struct {
	Bucket string
	Key    string
	Info   pathcodec.KeyInfo
}

// RunRecords normalizes a run manifest. Every entry is normalized before
// anything is returned; the first failure rejects the whole run.
func (n *Normalizer) RunRecords(src RunSource, m *manifest.RunManifest) (models.RunRecord, []models.FileRecord, error) {
	syncTS, err := n.ParseTimestamp("sync_timestamp", m.SyncTimestamp)
	if err != nil {
		return models.RunRecord{}, nil, err
	}

	files := make([]models.FileRecord, 0, len(m.FileManifest))
	var summed int64
	uploadedAt := n.now().Unix()
	for i, entry := range m.FileManifest {
		rec, err := n.runFile(src, entry, uploadedAt)
		if err != nil {
			return models.RunRecord{}, nil, fmt.Errorf("file_manifest[%d] %s: %w", i, entry.Path, err)
		}
		summed += rec.SizeBytes
		files = append(files, rec)
	}

	total := summed
	if m.TotalSizeBytes != nil {
		total = *m.TotalSizeBytes
	}

	staff := make([]string, 0, len(m.FilesByStaff))
	for name := range m.FilesByStaff {
		staff = append(staff, name)
	}
	sort.Strings(staff)

	run := models.RunRecord{
		RunID:            src.Info.RunID,
		InstrumentID:     src.Info.Instrument,
		ComputerName:     m.ComputerName,
		SyncTimestamp:    syncTS,
		Date:             src.Info.Date(),
		FilesCount:       *m.FilesInBatch,
		TotalBytes:       total,
		StaffNames:       staff,
		PhysicalKey:      src.Key,
		Bucket:           src.Bucket,
		ProcessingStatus: models.StatusCompleted,
		ProcessedAt:      uploadedAt,
	}
	return run, files, nil
}

func (n *Normalizer) runFile(src RunSource, entry manifest.RunFileEntry, uploadedAt int64) (models.FileRecord, error) {
	checksum, err := NormalizeChecksum(entry.Checksum)
	if err != nil {
		return models.FileRecord{}, err
	}
	modified, err := n.ParseTimestamp("file_date", entry.FileDate)
	if err != nil {
		return models.FileRecord{}, err
	}

	staff := pathcodec.StaffFromPath(entry.Path)
	if entry.StaffName != nil && *entry.StaffName != "" {
		staff = *entry.StaffName
	}
	var size int64
	if entry.Size != nil {
		size = *entry.Size
	}
	name := pathcodec.FileName(entry.Path)

	return models.FileRecord{
		ExperimentID:   pathcodec.DeriveExperimentID(entry.Path, staff, src.Info.RunID),
		FilePath:       entry.Path,
		FileName:       name,
		FileType:       pathcodec.FileType(name),
		PhysicalKey:    pathcodec.ManifestPathToPhysicalKey(src.Key, entry.Path),
		Bucket:         src.Bucket,
		SizeBytes:      size,
		ChecksumSHA256: checksum,
		UploadedAt:     uploadedAt,
		ModifiedAt:     modified,
		RunID:          src.Info.RunID,
		StaffName:      staff,
		InstrumentID:   src.Info.Instrument,
		IsUpdate:       entry.IsUpdate != nil && *entry.IsUpdate,
	}, nil
}

// FileResult is the outcome of normalizing one descriptor file entry.
type FileResult struct {
	Path   string
	Record models.FileRecord
	Err    error
}

// ExperimentRecords normalizes an experiment descriptor read from key. The
// descriptor record fails as a whole; file entries fail independently.
func (n *Normalizer) ExperimentRecords(bucket, key string, m *manifest.ExperimentManifest) (models.ExperimentRecord, []FileResult, error) {
	created, err := n.ParseTimestamp("created", m.Created)
	if err != nil {
		return models.ExperimentRecord{}, nil, err
	}
	updated, err := n.ParseTimestamp("last_updated", m.LastUpdated)
	if err != nil {
		return models.ExperimentRecord{}, nil, err
	}

	exp := models.ExperimentRecord{
		ExperimentID:     m.ExperimentID,
		LastUpdated:      updated,
		ExperimentFolder: m.ExperimentFolder,
		StaffName:        m.StaffName,
		InstrumentID:     m.Instrument,
		ComputerName:     m.Computer,
		CreatedAt:        created,
		UpdateCount:      1,
		FileCount:        *m.FileCount,
		TotalBytes:       *m.TotalSizeBytes,
		Location:         m.S3Location,
		PhysicalKey:      key,
		Bucket:           bucket,
		AutoDetected:     true,
		SyncVersion:      "1.0",
		Parameters:       m.Parameters,
	}
	if m.UpdateCount != nil {
		exp.UpdateCount = *m.UpdateCount
	}
	if m.AutoDetected != nil {
		exp.AutoDetected = *m.AutoDetected
	}
	if m.SyncVersion != nil && *m.SyncVersion != "" {
		exp.SyncVersion = *m.SyncVersion
	}

	uploadedAt := n.now().Unix()
	results := make([]FileResult, 0, len(m.Files))
	for i := range m.Files {
		entry := &m.Files[i]
		rec, err := n.experimentFile(bucket, key, m, entry, uploadedAt)
		results = append(results, FileResult{Path: entry.RelativePath, Record: rec, Err: err})
	}
	return exp, results, nil
}

func (n *Normalizer) experimentFile(bucket, key string, m *manifest.ExperimentManifest, entry *manifest.ExperimentFileEntry, uploadedAt int64) (models.FileRecord, error) {
	if err := manifest.ValidateEntry(entry); err != nil {
		return models.FileRecord{}, err
	}
	checksum, err := NormalizeChecksum(entry.Checksum)
	if err != nil {
		return models.FileRecord{}, err
	}
	modified, err := n.ParseTimestamp("modified", entry.Modified)
	if err != nil {
		return models.FileRecord{}, err
	}
	return models.FileRecord{
		ExperimentID:   m.ExperimentID,
		FilePath:       entry.RelativePath,
		FileName:       entry.Name,
		FileType:       pathcodec.FileType(entry.Name),
		PhysicalKey:    pathcodec.ExperimentFileKey(key, entry.RelativePath),
		Bucket:         bucket,
		SizeBytes:      *entry.Size,
		ChecksumSHA256: checksum,
		UploadedAt:     uploadedAt,
		ModifiedAt:     modified,
		RunID:          models.RunIDFromExperiment,
		StaffName:      m.StaffName,
		InstrumentID:   m.Instrument,
	}, nil
}
