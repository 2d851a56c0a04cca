package models

// Processing status values stored on RunRecord.
const (
	StatusCompleted = "completed"
)

// RunIDFromExperiment marks a FileRecord discovered through an experiment
// descriptor that has not been linked to a sync run.
const RunIDFromExperiment = "from_experiment_json"

// RunRecord describes one sync batch, keyed by (RunID, InstrumentID).
type RunRecord struct {
	RunID            string   `json:"run_id"`
	InstrumentID     string   `json:"instrument_id"`
	ComputerName     string   `json:"computer_name"`
	SyncTimestamp    int64    `json:"sync_timestamp"`
	Date             string   `json:"date"`
	FilesCount       int      `json:"files_count"`
	TotalBytes       int64    `json:"total_bytes"`
	StaffNames       []string `json:"staff_names"`
	PhysicalKey      string   `json:"s3_key"`
	Bucket           string   `json:"s3_bucket"`
	ProcessingStatus string   `json:"processing_status"`
	ProcessedAt      int64    `json:"processed_at"`
}

// ExperimentRecord describes one experiment descriptor, keyed by
// (ExperimentID, LastUpdated). Every descriptor update is a new record.
type ExperimentRecord struct {
	ExperimentID     string         `json:"experiment_id"`
	LastUpdated      int64          `json:"last_updated"`
	ExperimentFolder string         `json:"experiment_folder"`
	StaffName        string         `json:"staff_name"`
	InstrumentID     string         `json:"instrument_id"`
	ComputerName     string         `json:"computer_name"`
	CreatedAt        int64          `json:"created_at"`
	UpdateCount      int            `json:"update_count"`
	FileCount        int            `json:"file_count"`
	TotalBytes       int64          `json:"total_bytes"`
	Location         string         `json:"s3_location"`
	PhysicalKey      string         `json:"s3_experiment_json_key"`
	Bucket           string         `json:"s3_bucket"`
	AutoDetected     bool           `json:"auto_detected"`
	SyncVersion      string         `json:"sync_version"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

// FileRecord describes one data file, keyed by (ExperimentID, FilePath).
// FilePath is the logical path declared by the manifest, not the object key.
type FileRecord struct {
	ExperimentID   string `json:"experiment_id"`
	FilePath       string `json:"file_path"`
	FileName       string `json:"file_name"`
	FileType       string `json:"file_type"`
	PhysicalKey    string `json:"s3_key"`
	Bucket         string `json:"s3_bucket"`
	SizeBytes      int64  `json:"file_size_bytes"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	UploadedAt     int64  `json:"uploaded_at"`
	ModifiedAt     int64  `json:"modified_at"`
	RunID          string `json:"run_id"`
	StaffName      string `json:"staff_name"`
	InstrumentID   string `json:"instrument_id"`
	IsUpdate       bool   `json:"is_update"`
}
