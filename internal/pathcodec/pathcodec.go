// Package pathcodec maps between the logical paths declared inside sync
// manifests and the physical object keys written by the sync agent.
//
// The agent stores every file under {run}/{staff}/payload/..., while the
// run manifest lists the same file as {staff}/... without the payload
// segment. Every function here is pure.
package pathcodec

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DataRoot is the prefix under which instrument data lives.
	DataRoot = "raw/"
	// PayloadSegment is inserted by the sync agent after the staff folder.
	PayloadSegment = "payload"

	RunManifestName        = "run.json"
	ExperimentManifestName = "experiment.json"

	unknown     = "unknown"
	rootSegment = "raw"
)

// ErrPathShape is matched by every key shape failure.
var ErrPathShape = errors.New("unexpected key shape")

// PathShapeError reports why a notification key was rejected.
type PathShapeError struct {
	Key    string
	Reason string
}

func (e *PathShapeError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPathShape, e.Key, e.Reason)
}

func (e *PathShapeError) Unwrap() error { return ErrPathShape }

// KeyInfo holds the grouping identifiers encoded in an object key.
type KeyInfo struct {
	Instrument string
	Year       string
	Month      string
	Day        string
	RunID      string
	FileName   string
}

// Date returns the calendar date of the run as YYYY-MM-DD.
func (k KeyInfo) Date() string {
	return k.Year + "-" + k.Month + "-" + k.Day
}

// ParseKey validates raw/{instrument}/{YYYY}/{MM}/{DD}/{run_id}/.../{file}.
func ParseKey(key string) (KeyInfo, error) {
	parts := strings.Split(key, "/")
	if len(parts) < 7 {
		return KeyInfo{}, &PathShapeError{Key: key, Reason: fmt.Sprintf("expected at least 7 segments, got %d", len(parts))}
	}
	if parts[0] != rootSegment {
		return KeyInfo{}, &PathShapeError{Key: key, Reason: fmt.Sprintf("root segment %q is not %q", parts[0], rootSegment)}
	}
	info := KeyInfo{
		Instrument: parts[1],
		Year:       parts[2],
		Month:      parts[3],
		Day:        parts[4],
		RunID:      parts[5],
		FileName:   parts[len(parts)-1],
	}
	switch {
	case info.Instrument == "":
		return KeyInfo{}, &PathShapeError{Key: key, Reason: "empty instrument segment"}
	case !isDigits(info.Year, 4):
		return KeyInfo{}, &PathShapeError{Key: key, Reason: fmt.Sprintf("year %q is not 4 digits", info.Year)}
	case !isDigits(info.Month, 2):
		return KeyInfo{}, &PathShapeError{Key: key, Reason: fmt.Sprintf("month %q is not 2 digits", info.Month)}
	case !isDigits(info.Day, 2):
		return KeyInfo{}, &PathShapeError{Key: key, Reason: fmt.Sprintf("day %q is not 2 digits", info.Day)}
	case info.RunID == "":
		return KeyInfo{}, &PathShapeError{Key: key, Reason: "empty run id segment"}
	case info.FileName == "":
		return KeyInfo{}, &PathShapeError{Key: key, Reason: "key names a folder"}
	}
	return info, nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// StaffFromPath returns the first segment of a logical path, or "unknown"
// when the path holds no separator.
func StaffFromPath(logicalPath string) string {
	if !strings.Contains(logicalPath, "/") {
		return unknown
	}
	staff, _, _ := strings.Cut(logicalPath, "/")
	if staff == "" {
		return unknown
	}
	return staff
}

// DeriveExperimentID groups a manifest entry into an experiment. The second
// segment names the experiment folder unless it is the file itself.
func DeriveExperimentID(logicalPath, staffName, runID string) string {
	parts := strings.Split(logicalPath, "/")
	if len(parts) >= 2 && parts[1] != parts[len(parts)-1] {
		return parts[1] + "_" + staffName
	}
	return "standalone_" + staffName + "_" + runID
}

// ManifestPathToPhysicalKey rebuilds the object key of a run manifest entry:
// {run folder}/{staff}/payload/{rest of the logical path}.
func ManifestPathToPhysicalKey(runManifestKey, logicalPath string) string {
	parts := strings.Split(logicalPath, "/")
	var rel string
	if len(parts) > 1 {
		rel = parts[0] + "/" + PayloadSegment + "/" + strings.Join(parts[1:], "/")
	} else {
		rel = StaffFromPath(logicalPath) + "/" + PayloadSegment + "/" + parts[len(parts)-1]
	}
	return Dir(runManifestKey) + "/" + rel
}

// ExperimentFileKey joins a descriptor-relative path onto the folder that
// holds the experiment descriptor.
func ExperimentFileKey(experimentManifestKey, relativePath string) string {
	return Dir(experimentManifestKey) + "/" + relativePath
}

// Dir drops the last segment of an object key.
func Dir(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i]
}

// FileName returns the last segment of a logical path or key.
func FileName(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// FileType is the lowercased text after the last dot of name, or "unknown".
func FileType(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return unknown
	}
	return strings.ToLower(name[i+1:])
}

// IsRunManifest reports whether key names a run manifest.
func IsRunManifest(key string) bool {
	return strings.HasSuffix(key, RunManifestName)
}

// IsExperimentManifest reports whether key names an experiment descriptor.
func IsExperimentManifest(key string) bool {
	return strings.HasSuffix(key, ExperimentManifestName)
}
